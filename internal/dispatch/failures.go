package dispatch

// failureCounter counts consecutive status check failures. It trips once
// when the count reaches the threshold and re-arms only after a success.
// Only the worker goroutine touches it.
type failureCounter struct {
	threshold int
	count     int
	tripped   bool
}

func newFailureCounter(threshold int) *failureCounter {
	if threshold <= 0 {
		threshold = 3
	}
	return &failureCounter{threshold: threshold}
}

// fail records one failure and reports whether this one crossed the threshold.
func (f *failureCounter) fail() (count int, crossed bool) {
	f.count++
	if f.count >= f.threshold && !f.tripped {
		f.tripped = true
		return f.count, true
	}
	return f.count, false
}

func (f *failureCounter) reset() {
	f.count = 0
	f.tripped = false
}
