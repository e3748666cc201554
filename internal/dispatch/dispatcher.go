package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/scionmmu/mmuctl/internal/classify"
	"github.com/scionmmu/mmuctl/internal/command"
	"github.com/scionmmu/mmuctl/internal/config"
	"github.com/scionmmu/mmuctl/internal/events"
	"github.com/scionmmu/mmuctl/internal/log"
)

const (
	// maxCaptureBytes caps the stdout and stderr kept per invocation.
	maxCaptureBytes = 64 * 1024

	resultBuffer  = 64
	recordTimeout = 5 * time.Second

	timeoutText = "Operation timed out"
	unknownText = "Connection timeout or unknown error"
)

var (
	// ErrBusy is returned when an invocation is already in flight.
	ErrBusy = errors.New("dispatcher busy")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Recorder persists terminal outcomes.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHub publishes every result on the hub as a "dispatch.<kind>" event.
func WithHub(h *events.Hub) Option {
	return func(d *Dispatcher) { d.hub = h }
}

// WithRecorder stores every terminal outcome.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithClassifier replaces the keyword classifier.
func WithClassifier(c classify.Classifier) Option {
	return func(d *Dispatcher) { d.classifier = c }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

type request struct {
	id     string
	cmd    command.Command
	status bool
}

// Dispatcher runs external scripts one at a time on a dedicated worker
// goroutine. The worker is the only owner of the process handle; callers
// talk to it through Submit, CheckStatus and Cancel, and read results from
// Results.
type Dispatcher struct {
	cfg           *config.Config
	interpreter   string
	statusTimeout time.Duration
	grace         time.Duration

	classifier classify.Classifier
	hub        *events.Hub
	recorder   Recorder
	logger     *slog.Logger

	requests chan request
	cancelCh chan struct{}
	results  chan Result
	quit     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	busy      atomic.Bool
	closed    atomic.Bool
	current   atomic.Pointer[string]
	cancelID  atomic.Pointer[string]

	// failures is owned by the worker; failureCount mirrors it for readers.
	failures     *failureCounter
	failureCount atomic.Int64
}

// New creates a Dispatcher and starts its worker.
func New(cfg *config.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:           cfg,
		interpreter:   cfg.Scripts.Interpreter,
		statusTimeout: cfg.Dispatch.StatusTimeout,
		grace:         cfg.Dispatch.TerminateGrace,
		classifier:    classify.Keywords{},
		logger:        log.WithComponent("dispatch"),
		requests:      make(chan request, 1),
		cancelCh:      make(chan struct{}, 1),
		results:       make(chan Result, resultBuffer),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		failures:      newFailureCounter(cfg.Dispatch.FailureThreshold),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.grace <= 0 {
		d.grace = 3 * time.Second
	}
	go d.loop()
	return d
}

// Results delivers every result in order. It is closed after Close.
func (d *Dispatcher) Results() <-chan Result { return d.results }

// Busy reports whether an invocation has been accepted and not yet finished.
func (d *Dispatcher) Busy() bool { return d.busy.Load() }

// Failures returns the current consecutive status failure count.
func (d *Dispatcher) Failures() int { return int(d.failureCount.Load()) }

// Interpreter is the program every script runs under.
func (d *Dispatcher) Interpreter() string { return d.interpreter }

// Submit runs cmd as a plain script. It returns the invocation id, or ErrBusy
// when another invocation is in flight. Nothing is ever queued.
func (d *Dispatcher) Submit(cmd command.Command) (string, error) {
	return d.submit(request{cmd: cmd})
}

// CheckStatus queries the printer at address (the configured device when
// empty) under the status watchdog.
func (d *Dispatcher) CheckStatus(address string) (string, error) {
	if address == "" {
		address = d.cfg.Device.Address
	}
	cmd := command.Status(d.cfg.PrinterScript(), address).WithPort(d.cfg.Device.Port)
	return d.submit(request{cmd: cmd, status: true})
}

func (d *Dispatcher) submit(req request) (string, error) {
	if err := req.cmd.Validate(); err != nil {
		return "", fmt.Errorf("invalid command: %w", err)
	}
	if d.closed.Load() {
		return "", ErrClosed
	}
	if !d.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	req.id = uuid.NewString()
	d.current.Store(&req.id)
	select {
	case d.requests <- req:
	case <-d.quit:
		d.busy.Store(false)
		return "", ErrClosed
	}
	return req.id, nil
}

// Cancel asks the worker to stop the running invocation: SIGTERM, then
// SIGKILL after the grace period. It never blocks and is a no-op when idle.
func (d *Dispatcher) Cancel() {
	if !d.busy.Load() {
		return
	}
	id := d.current.Load()
	if id == nil {
		return
	}
	d.cancelID.Store(id)
	select {
	case d.cancelCh <- struct{}{}:
	default:
	}
}

// Close stops the worker, terminating any running script, and blocks until
// no process handle is live.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.quit)
	})
	<-d.done
	return nil
}

func (d *Dispatcher) canceled(id string) bool {
	p := d.cancelID.Load()
	return p != nil && *p == id
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	defer close(d.results)

	d.logger.Debug("dispatch worker started")
	for {
		select {
		case <-d.quit:
			select {
			case req := <-d.requests:
				d.abandon(req)
			default:
			}
			d.logger.Debug("dispatch worker stopped")
			return
		case <-d.cancelCh:
			select {
			case req := <-d.requests:
				if d.canceled(req.id) {
					d.abandon(req)
				} else {
					d.execute(req)
				}
			default:
			}
		case req := <-d.requests:
			if d.canceled(req.id) {
				d.abandon(req)
				continue
			}
			d.execute(req)
		}
	}
}

type chunk struct {
	kind Kind
	data []byte
}

type streamWriter struct {
	kind Kind
	ch   chan<- chunk
	stop <-chan struct{}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	c := chunk{kind: w.kind, data: bytes.Clone(p)}
	select {
	case w.ch <- c:
		return len(p), nil
	case <-w.stop:
		return 0, io.ErrClosedPipe
	}
}

// capBuffer keeps the first maxCaptureBytes written to it.
type capBuffer struct{ bytes.Buffer }

func (b *capBuffer) keep(p []byte) {
	if room := maxCaptureBytes - b.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.Write(p)
	}
}

type invocation struct {
	req       request
	line      string
	startedAt time.Time
	stdout    capBuffer
	stderr    capBuffer
	completed bool
}

// complete is the completion guard: only its first caller may report.
func (inv *invocation) complete() bool {
	if inv.completed {
		return false
	}
	inv.completed = true
	return true
}

func (inv *invocation) result(kind Kind) Result {
	return Result{
		InvocationID: inv.req.id,
		Kind:         kind,
		Command:      inv.req.cmd.Name(),
		Line:         inv.line,
		Cmd:          inv.req.cmd,
	}
}

type exit struct {
	outcome Outcome
	code    int
	normal  bool
	err     error
}

func (d *Dispatcher) newInvocation(req request) *invocation {
	return &invocation{
		req:       req,
		line:      req.cmd.Line(d.interpreter),
		startedAt: time.Now().UTC(),
	}
}

// abandon reports an accepted request that never ran.
func (d *Dispatcher) abandon(req request) {
	inv := d.newInvocation(req)
	d.emit(inv.result(KindStarted))
	d.finish(inv, exit{outcome: OutcomeCanceled, code: -1})
}

func (d *Dispatcher) execute(req request) {
	inv := d.newInvocation(req)
	logger := d.logger.With("invocation_id", req.id, "command", req.cmd.Name())
	d.emit(inv.result(KindStarted))

	chunks := make(chan chunk)
	stop := make(chan struct{})
	defer close(stop)

	cmd := exec.Command(d.interpreter, req.cmd.Argv()...)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.Stdout = &streamWriter{kind: KindOutput, ch: chunks, stop: stop}
	cmd.Stderr = &streamWriter{kind: KindError, ch: chunks, stop: stop}
	cmd.WaitDelay = d.grace

	logger.Debug("spawning script", "line", inv.line)
	if err := cmd.Start(); err != nil {
		logger.Error("failed to start script", "error", err)
		d.finish(inv, exit{outcome: OutcomeStartFailed, code: -1, err: err})
		return
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var watchdog <-chan time.Time
	if req.status && d.statusTimeout > 0 {
		t := time.NewTimer(d.statusTimeout)
		defer t.Stop()
		watchdog = t.C
	}

	var (
		grace   <-chan time.Time
		forced  Outcome
		cancels = (<-chan struct{})(d.cancelCh)
		quit    = (<-chan struct{})(d.quit)
		timers  []*time.Timer
	)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()
	terminate := func(reason Outcome) {
		forced = reason
		watchdog, cancels, quit = nil, nil, nil
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Debug("SIGTERM not delivered", "error", err)
		}
		t := time.NewTimer(d.grace)
		timers = append(timers, t)
		grace = t.C
	}

	for {
		select {
		case c := <-chunks:
			if c.kind == KindOutput {
				inv.stdout.keep(c.data)
			} else {
				inv.stderr.keep(c.data)
			}
			if !req.status {
				r := inv.result(c.kind)
				r.Text = string(c.data)
				d.emit(r)
			}

		case err := <-waitErr:
			e := exitOf(cmd, err, forced)
			if e.err != nil {
				logger.Warn("wait for script", "error", e.err)
			}
			d.finish(inv, e)
			return

		case <-watchdog:
			logger.Warn("status check timed out, sending SIGTERM", "timeout", d.statusTimeout)
			terminate(OutcomeTimedOut)

		case <-cancels:
			if d.canceled(req.id) {
				logger.Info("cancel requested, sending SIGTERM")
				terminate(OutcomeCanceled)
			}

		case <-quit:
			logger.Info("dispatcher closing, sending SIGTERM")
			terminate(OutcomeCanceled)

		case <-grace:
			logger.Warn("script did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				logger.Debug("SIGKILL not delivered", "error", err)
			}
			grace = nil
		}
	}
}

func exitOf(cmd *exec.Cmd, waitErr error, forced Outcome) exit {
	e := exit{outcome: forced, code: -1}
	if ps := cmd.ProcessState; ps != nil {
		e.code = ps.ExitCode()
		e.normal = ps.Exited()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		e.err = waitErr
	}
	if e.outcome == "" {
		if e.normal && e.code == 0 && e.err == nil {
			e.outcome = OutcomeSucceeded
		} else {
			e.outcome = OutcomeFailed
		}
	}
	return e
}

// finish emits the derived results and the single terminal result.
func (d *Dispatcher) finish(inv *invocation, e exit) {
	if !inv.complete() {
		return
	}

	var res Result
	if inv.req.status {
		res = d.statusOutcome(inv, e)
	} else {
		res = inv.result(KindFinished)
		res.Outcome = e.outcome
		res.Success = e.outcome == OutcomeSucceeded
		res.Text = scriptText(e)
	}
	res.ExitCode = e.code
	res.NormalExit = e.normal
	res.Stderr = inv.stderr.String()
	res.Failures = d.failures.count

	d.record(inv, res)
	d.busy.Store(false)
	d.emit(res)
}

func (d *Dispatcher) statusOutcome(inv *invocation, e exit) Result {
	res := inv.result(KindStatus)
	stdout := inv.stdout.String()
	stderr := strings.TrimSpace(inv.stderr.String())

	if e.outcome == OutcomeCanceled {
		res.Outcome = OutcomeCanceled
		res.Text = "Status check canceled"
		return res
	}

	// A normal exit with empty stderr is a success whatever the exit code.
	if statusOK(e) && stderr == "" {
		d.failures.reset()
		d.failureCount.Store(0)
		for _, desc := range d.classifier.Status(stdout) {
			r := inv.result(KindHardwareError)
			r.Text = desc
			d.emit(r)
		}
		st := classify.ParseStatus(stdout)
		res.Outcome = OutcomeSucceeded
		res.Success = true
		res.Text = stdout
		res.Printer = &st
		return res
	}

	res.Outcome = e.outcome
	if res.Outcome == OutcomeSucceeded {
		res.Outcome = OutcomeFailed
	}
	switch {
	case e.outcome == OutcomeTimedOut:
		res.Text = timeoutText
	case e.outcome == OutcomeStartFailed:
		res.Text = fmt.Sprintf("failed to start: %v", e.err)
	case stderr != "":
		res.Text = stderr
	default:
		res.Text = unknownText
	}

	count, crossed := d.failures.fail()
	d.failureCount.Store(int64(count))

	verdict := d.classifier.Stderr(stderr)
	if verdict.Kind == classify.KindHardware {
		r := inv.result(KindHardwareError)
		r.Text = verdict.Description
		d.emit(r)
	}
	if crossed {
		r := inv.result(KindConnectionLost)
		r.Reason = ReasonThreshold
		r.Text = fmt.Sprintf("%d consecutive status checks failed", count)
		if verdict.Kind == classify.KindConnectionLost {
			r.Reason = ReasonClassified
			r.Text = stderr
		}
		r.Failures = count
		d.emit(r)
		d.logger.Warn("device connection lost", "failures", count, "device", inv.req.cmd.Address, "reason", r.Reason)
	}
	return res
}

// statusOK reports a normal exit that was neither forced nor failed to start.
func statusOK(e exit) bool {
	switch e.outcome {
	case OutcomeTimedOut, OutcomeCanceled, OutcomeStartFailed:
		return false
	}
	return e.normal && e.err == nil
}

func scriptText(e exit) string {
	switch e.outcome {
	case OutcomeSucceeded:
		return "exit code 0"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeStartFailed:
		return fmt.Sprintf("failed to start: %v", e.err)
	}
	if e.err != nil {
		return e.err.Error()
	}
	if !e.normal {
		return "script crashed"
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (d *Dispatcher) record(inv *invocation, res Result) {
	if d.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	rec := Record{
		ID:          inv.req.id,
		Kind:        res.Kind,
		Command:     res.Command,
		Line:        inv.line,
		Address:     inv.req.cmd.Address,
		Outcome:     res.Outcome,
		ExitCode:    res.ExitCode,
		Output:      inv.stdout.String(),
		Stderr:      inv.stderr.String(),
		StartedAt:   inv.startedAt,
		CompletedAt: time.Now().UTC(),
	}
	if err := d.recorder.Record(ctx, rec); err != nil {
		d.logger.Error("failed to record outcome", "invocation_id", rec.ID, "error", err)
	}
}

// emit delivers r to the consumer. While closing, a full channel drops
// results instead of blocking shutdown.
func (d *Dispatcher) emit(r Result) {
	r.At = time.Now().UTC()
	if d.hub != nil {
		d.hub.Publish("dispatch."+string(r.Kind), r)
	}
	select {
	case d.results <- r:
		return
	default:
	}
	select {
	case d.results <- r:
	case <-d.quit:
		d.logger.Warn("dropping result during shutdown", "invocation_id", r.InvocationID, "kind", r.Kind)
	}
}
