package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scionmmu/mmuctl/internal/classify"
	"github.com/scionmmu/mmuctl/internal/command"
	"github.com/scionmmu/mmuctl/internal/config"
	"github.com/scionmmu/mmuctl/internal/events"
	"github.com/scionmmu/mmuctl/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// testConfig writes printer.sh with body into a temp dir and points the
// config at it, running scripts under /bin/sh.
func testConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeScript(t, filepath.Join(dir, "printer.sh"), body)

	cfg := config.Defaults()
	cfg.Scripts.Interpreter = "/bin/sh"
	cfg.Scripts.Dir = dir
	cfg.Scripts.Printer = "printer.sh"
	cfg.Device.Address = "10.0.0.7"
	cfg.Dispatch.StatusTimeout = 300 * time.Millisecond
	cfg.Dispatch.TerminateGrace = 200 * time.Millisecond
	return cfg
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newTestDispatcher(t *testing.T, cfg *config.Config, opts ...Option) *Dispatcher {
	t.Helper()
	d := New(cfg, opts...)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// collect reads results until the terminal result of invocation id.
func collect(t *testing.T, d *Dispatcher, id string) []Result {
	t.Helper()
	var out []Result
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-d.Results():
			require.True(t, ok, "results channel closed early")
			if r.InvocationID != id {
				continue
			}
			out = append(out, r)
			if r.Terminal() {
				return out
			}
		case <-deadline:
			t.Fatalf("no terminal result for %s; got %d results", id, len(out))
		}
	}
}

func kinds(rs []Result) []Kind {
	out := make([]Kind, len(rs))
	for i, r := range rs {
		out[i] = r.Kind
	}
	return out
}

func lastOf(rs []Result) Result { return rs[len(rs)-1] }

func ofKind(rs []Result, k Kind) []Result {
	var out []Result
	for _, r := range rs {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

func TestSubmitStreamsChunksBeforeFinished(t *testing.T) {
	cfg := testConfig(t, "echo one\necho oops >&2\necho two\n")
	d := newTestDispatcher(t, cfg)

	id, err := d.Submit(command.Device(cfg.PrinterScript(), "10.0.0.7", command.VerbSysInfo))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rs := collect(t, d, id)
	require.GreaterOrEqual(t, len(rs), 3)
	assert.Equal(t, KindStarted, rs[0].Kind)

	last := rs[len(rs)-1]
	assert.Equal(t, KindFinished, last.Kind)
	assert.Equal(t, OutcomeSucceeded, last.Outcome)
	assert.True(t, last.Success)
	assert.Equal(t, 0, last.ExitCode)
	assert.True(t, last.NormalExit)
	assert.Contains(t, last.Line, "-c sysinfo")

	var stdout, stderr strings.Builder
	for _, r := range rs[1 : len(rs)-1] {
		switch r.Kind {
		case KindOutput:
			stdout.WriteString(r.Text)
		case KindError:
			stderr.WriteString(r.Text)
		default:
			t.Fatalf("unexpected %s between start and finish", r.Kind)
		}
	}
	assert.Equal(t, "one\ntwo\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())
	assert.False(t, d.Busy())
}

func TestSubmitNonZeroExit(t *testing.T) {
	cfg := testConfig(t, "echo bad >&2\nexit 4\n")
	d := newTestDispatcher(t, cfg)

	id, err := d.Submit(command.Pause(cfg.PrinterScript(), "10.0.0.7"))
	require.NoError(t, err)

	rs := collect(t, d, id)
	last := rs[len(rs)-1]
	assert.Equal(t, OutcomeFailed, last.Outcome)
	assert.Equal(t, 4, last.ExitCode)
	assert.Equal(t, "exit code 4", last.Text)
	assert.Equal(t, "bad\n", last.Stderr)
	// Plain scripts never touch the status failure counter.
	assert.Equal(t, 0, d.Failures())
}

func TestSubmitRejectsWhileBusy(t *testing.T) {
	cfg := testConfig(t, "exec sleep 5\n")
	d := newTestDispatcher(t, cfg)

	id, err := d.Submit(command.Files(cfg.PrinterScript(), "10.0.0.7"))
	require.NoError(t, err)
	assert.True(t, d.Busy())

	_, err = d.Submit(command.Pause(cfg.PrinterScript(), "10.0.0.7"))
	assert.ErrorIs(t, err, ErrBusy)
	_, err = d.CheckStatus("")
	assert.ErrorIs(t, err, ErrBusy)

	d.Cancel()
	rs := collect(t, d, id)
	last := rs[len(rs)-1]
	assert.Equal(t, OutcomeCanceled, last.Outcome)
	assert.False(t, last.Success)

	// The slot is free again once the terminal result is out.
	writeScript(t, cfg.PrinterScript(), "echo ok\n")
	id, err = d.Submit(command.Files(cfg.PrinterScript(), "10.0.0.7"))
	require.NoError(t, err)
	rs = collect(t, d, id)
	assert.Equal(t, OutcomeSucceeded, rs[len(rs)-1].Outcome)
}

func TestSubmitInvalidCommand(t *testing.T) {
	d := newTestDispatcher(t, testConfig(t, "true\n"))

	_, err := d.Submit(command.Command{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBusy))
	assert.False(t, d.Busy())
}

func TestCancelWhileIdleIsNoop(t *testing.T) {
	cfg := testConfig(t, "echo ok\n")
	d := newTestDispatcher(t, cfg)

	d.Cancel()
	id, err := d.Submit(command.Files(cfg.PrinterScript(), "10.0.0.7"))
	require.NoError(t, err)
	rs := collect(t, d, id)
	assert.Equal(t, OutcomeSucceeded, rs[len(rs)-1].Outcome)
}

func TestStartFailureIsTerminalResult(t *testing.T) {
	cfg := testConfig(t, "true\n")
	cfg.Scripts.Interpreter = filepath.Join(t.TempDir(), "no-such-interpreter")
	d := newTestDispatcher(t, cfg)

	id, err := d.Submit(command.Files(cfg.PrinterScript(), "10.0.0.7"))
	require.NoError(t, err, "start failures are reported as results")

	rs := collect(t, d, id)
	assert.Equal(t, []Kind{KindStarted, KindFinished}, kinds(rs))
	assert.Equal(t, OutcomeStartFailed, rs[1].Outcome)
	assert.Contains(t, rs[1].Text, "failed to start")
	assert.False(t, d.Busy())
}

func TestCheckStatusSuccess(t *testing.T) {
	cfg := testConfig(t, "echo 'status: printing'\necho 'current_layer: 12'\necho 'percent_complete: 40%'\n")
	d := newTestDispatcher(t, cfg)

	id, err := d.CheckStatus("")
	require.NoError(t, err)

	rs := collect(t, d, id)
	assert.Equal(t, []Kind{KindStarted, KindStatus}, kinds(rs), "status checks do not stream chunks")

	st := rs[1]
	assert.True(t, st.Success)
	assert.Equal(t, OutcomeSucceeded, st.Outcome)
	assert.Contains(t, st.Text, "status: printing")
	assert.Contains(t, st.Line, "-i 10.0.0.7 -c getstatus")
	require.NotNil(t, st.Printer)
	assert.Equal(t, "printing", st.Printer.State)
	assert.Equal(t, 12, st.Printer.CurrentLayer)
	assert.InDelta(t, 40.0, st.Printer.PercentComplete, 0.001)
	assert.Equal(t, 0, st.Failures)
}

func TestCheckStatusPassesPort(t *testing.T) {
	cfg := testConfig(t, "echo \"$@\"\n")
	cfg.Device.Port = 8081
	d := newTestDispatcher(t, cfg)

	id, err := d.CheckStatus("")
	require.NoError(t, err)
	rs := collect(t, d, id)
	assert.Equal(t, "-i 10.0.0.7 -c getstatus -p 8081\n", rs[len(rs)-1].Text)
}

func TestCheckStatusStderrIsFailure(t *testing.T) {
	cfg := testConfig(t, "echo 'status: idle'\necho 'warning: flaky link' >&2\n")
	d := newTestDispatcher(t, cfg)

	id, err := d.CheckStatus("")
	require.NoError(t, err)
	rs := collect(t, d, id)
	last := rs[len(rs)-1]
	assert.False(t, last.Success)
	assert.Equal(t, OutcomeFailed, last.Outcome)
	assert.Equal(t, "warning: flaky link", last.Text)
	assert.Equal(t, 1, d.Failures())
}

func TestCheckStatusTimeout(t *testing.T) {
	cfg := testConfig(t, "exec sleep 10\n")
	d := newTestDispatcher(t, cfg)

	start := time.Now()
	id, err := d.CheckStatus("")
	require.NoError(t, err)
	rs := collect(t, d, id)

	last := rs[len(rs)-1]
	assert.Equal(t, KindStatus, last.Kind)
	assert.Equal(t, OutcomeTimedOut, last.Outcome)
	assert.Equal(t, timeoutText, last.Text)
	assert.Equal(t, 1, last.Failures)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Len(t, ofKind(rs, KindStatus), 1, "exactly one terminal result")
}

func TestCheckStatusTimeoutEscalatesToKill(t *testing.T) {
	cfg := testConfig(t, "trap '' TERM\nwhile true; do sleep 0.05; done\n")
	d := newTestDispatcher(t, cfg)

	id, err := d.CheckStatus("")
	require.NoError(t, err)
	rs := collect(t, d, id)

	last := rs[len(rs)-1]
	assert.Equal(t, OutcomeTimedOut, last.Outcome)
	assert.False(t, last.NormalExit)
}

func runStatus(t *testing.T, d *Dispatcher) []Result {
	t.Helper()
	id, err := d.CheckStatus("")
	require.NoError(t, err)
	return collect(t, d, id)
}

func TestConnectionLostOncePerCrossing(t *testing.T) {
	cfg := testConfig(t, "echo boom >&2\nexit 1\n")
	d := newTestDispatcher(t, cfg)

	var lostAt []int
	for i := 1; i <= 5; i++ {
		rs := runStatus(t, d)
		for _, r := range ofKind(rs, KindConnectionLost) {
			assert.Equal(t, ReasonThreshold, r.Reason)
			lostAt = append(lostAt, i)
		}
		assert.Equal(t, i, d.Failures())
		// Derived results precede the terminal one.
		assert.Equal(t, KindStatus, rs[len(rs)-1].Kind)
	}
	assert.Equal(t, []int{3}, lostAt)

	// A success resets the counter and re-arms the notification.
	writeScript(t, cfg.PrinterScript(), "echo 'status: idle'\n")
	rs := runStatus(t, d)
	assert.True(t, rs[len(rs)-1].Success)
	assert.Equal(t, 0, d.Failures())

	writeScript(t, cfg.PrinterScript(), "kill -KILL $$\n")
	lostAt = nil
	for i := 1; i <= 3; i++ {
		rs := runStatus(t, d)
		assert.Equal(t, unknownText, rs[len(rs)-1].Text)
		if len(ofKind(rs, KindConnectionLost)) > 0 {
			lostAt = append(lostAt, i)
		}
	}
	assert.Equal(t, []int{3}, lostAt)
}

func TestTimeoutsCountTowardThreshold(t *testing.T) {
	cfg := testConfig(t, "exec sleep 10\n")
	cfg.Dispatch.StatusTimeout = 100 * time.Millisecond
	d := newTestDispatcher(t, cfg)

	var lost int
	for i := 0; i < 3; i++ {
		lost += len(ofKind(runStatus(t, d), KindConnectionLost))
	}
	assert.Equal(t, 1, lost)
	assert.Equal(t, 3, d.Failures())
}

func TestClassifiedConnectionLostOncePerCrossing(t *testing.T) {
	cfg := testConfig(t, "echo 'Connection refused by 10.0.0.7' >&2\nexit 1\n")
	d := newTestDispatcher(t, cfg)

	var lostAt []int
	for i := 1; i <= 6; i++ {
		for _, r := range ofKind(runStatus(t, d), KindConnectionLost) {
			assert.Equal(t, ReasonClassified, r.Reason)
			assert.Equal(t, "Connection refused by 10.0.0.7", r.Text)
			lostAt = append(lostAt, i)
		}
	}
	assert.Equal(t, []int{3}, lostAt)
	assert.Equal(t, 6, d.Failures())

	writeScript(t, cfg.PrinterScript(), "echo 'status: idle'\n")
	assert.True(t, lastOf(runStatus(t, d)).Success)

	writeScript(t, cfg.PrinterScript(), "echo 'Connection refused by 10.0.0.7' >&2\nexit 1\n")
	lostAt = nil
	for i := 1; i <= 4; i++ {
		if len(ofKind(runStatus(t, d), KindConnectionLost)) > 0 {
			lostAt = append(lostAt, i)
		}
	}
	assert.Equal(t, []int{3}, lostAt, "re-armed by the success")
}

func TestCheckStatusNonZeroExitWithoutStderrSucceeds(t *testing.T) {
	cfg := testConfig(t, "echo down >&2\nexit 1\n")
	d := newTestDispatcher(t, cfg)

	// Two prior failures must be cleared by the success.
	runStatus(t, d)
	runStatus(t, d)
	require.Equal(t, 2, d.Failures())

	writeScript(t, cfg.PrinterScript(), "echo 'status: idle'\nexit 1\n")
	rs := runStatus(t, d)
	last := lastOf(rs)
	assert.True(t, last.Success)
	assert.Equal(t, OutcomeSucceeded, last.Outcome)
	assert.Equal(t, 1, last.ExitCode)
	require.NotNil(t, last.Printer)
	assert.Equal(t, "idle", last.Printer.State)
	assert.Equal(t, 0, d.Failures())
	assert.Empty(t, ofKind(rs, KindConnectionLost))
}

func TestCheckStatusCrashIsFailure(t *testing.T) {
	cfg := testConfig(t, "echo 'status: idle'\nkill -KILL $$\n")
	d := newTestDispatcher(t, cfg)

	last := lastOf(runStatus(t, d))
	assert.False(t, last.Success)
	assert.False(t, last.NormalExit)
	assert.Equal(t, unknownText, last.Text)
	assert.Equal(t, 1, d.Failures())
}

func TestCanceledStatusCheckIsNotAFailure(t *testing.T) {
	cfg := testConfig(t, "exec sleep 10\n")
	cfg.Dispatch.StatusTimeout = 5 * time.Second
	d := newTestDispatcher(t, cfg)

	id, err := d.CheckStatus("")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	d.Cancel()

	rs := collect(t, d, id)
	assert.Equal(t, OutcomeCanceled, rs[len(rs)-1].Outcome)
	assert.Equal(t, 0, d.Failures())
	assert.Empty(t, ofKind(rs, KindConnectionLost))
}

func TestHardwareErrorInStatus(t *testing.T) {
	cfg := testConfig(t, "echo 'status: printing'\necho 'pump B: error jam'\n")
	d := newTestDispatcher(t, cfg)

	rs := runStatus(t, d)
	assert.Equal(t, []Kind{KindStarted, KindHardwareError, KindStatus}, kinds(rs))
	assert.Equal(t, classify.PumpStatusError, rs[1].Text)
	assert.True(t, rs[2].Success)
}

func TestHardwareErrorInStderr(t *testing.T) {
	cfg := testConfig(t, "echo 'motor fault on axis' >&2\nexit 1\n")
	d := newTestDispatcher(t, cfg)

	rs := runStatus(t, d)
	hw := ofKind(rs, KindHardwareError)
	require.Len(t, hw, 1)
	assert.Equal(t, classify.MotorError, hw[0].Text)
}

type stubClassifier struct{}

func (stubClassifier) Stderr(string) classify.Verdict { return classify.Verdict{} }
func (stubClassifier) Status(string) []string         { return []string{"custom"} }

func TestWithClassifier(t *testing.T) {
	cfg := testConfig(t, "echo 'status: idle'\n")
	d := newTestDispatcher(t, cfg, WithClassifier(stubClassifier{}))

	hw := ofKind(runStatus(t, d), KindHardwareError)
	require.Len(t, hw, 1)
	assert.Equal(t, "custom", hw[0].Text)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []Record
}

func (m *memRecorder) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestRecorderAndHub(t *testing.T) {
	cfg := testConfig(t, "echo 'status: idle'\n")
	rec := &memRecorder{}
	hub := events.NewHub(16)
	d := newTestDispatcher(t, cfg, WithRecorder(rec), WithHub(hub))

	id := runStatus(t, d)[0].InvocationID

	rec.mu.Lock()
	require.Len(t, rec.recs, 1)
	got := rec.recs[0]
	rec.mu.Unlock()
	assert.Equal(t, id, got.ID)
	assert.Equal(t, KindStatus, got.Kind)
	assert.Equal(t, OutcomeSucceeded, got.Outcome)
	assert.Equal(t, "10.0.0.7", got.Address)
	assert.Equal(t, "status: idle\n", got.Output)
	assert.False(t, got.CompletedAt.Before(got.StartedAt))

	var types []string
	for _, ev := range hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"dispatch.started", "dispatch.status"}, types)
}

func TestCloseTerminatesRunningScript(t *testing.T) {
	cfg := testConfig(t, "exec sleep 10\n")
	d := New(cfg)

	_, err := d.Submit(command.Files(cfg.PrinterScript(), "10.0.0.7"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, d.Close())
	assert.Less(t, time.Since(start), 3*time.Second)

	for range d.Results() {
	}
	_, err = d.Submit(command.Files(cfg.PrinterScript(), "10.0.0.7"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, d.Close(), "Close is idempotent")
}

func TestFailureCounter(t *testing.T) {
	f := newFailureCounter(3)
	var crossings []int
	for i := 0; i < 6; i++ {
		if n, crossed := f.fail(); crossed {
			crossings = append(crossings, n)
		}
	}
	assert.Equal(t, []int{3}, crossings)

	f.reset()
	assert.Equal(t, 0, f.count)
	_, crossed := f.fail()
	assert.False(t, crossed)

	assert.Equal(t, 3, newFailureCounter(0).threshold)
}
