// Package panel is the control panel logic shared by the terminal UI and
// the HTTP service. It turns user actions into dispatcher commands and
// dispatcher results into log lines, state and notices. It draws nothing.
package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/scionmmu/mmuctl/internal/classify"
	"github.com/scionmmu/mmuctl/internal/command"
	"github.com/scionmmu/mmuctl/internal/config"
	"github.com/scionmmu/mmuctl/internal/dispatch"
	"github.com/scionmmu/mmuctl/internal/log"
	"github.com/scionmmu/mmuctl/internal/recipe"
)

const (
	maxLogLines    = 1000
	persistTimeout = 5 * time.Second
)

// ErrPrecondition is returned when an action cannot start because
// something it needs is missing.
var ErrPrecondition = errors.New("precondition failed")

// Dispatcher is the part of dispatch.Dispatcher the panel drives.
type Dispatcher interface {
	Submit(cmd command.Command) (string, error)
	CheckStatus(address string) (string, error)
	Cancel()
}

// RecipeRecorder logs saved recipes.
type RecipeRecorder interface {
	RecordRecipe(ctx context.Context, saved *recipe.Saved) (string, error)
}

// StateRecorder persists status check outcomes per device.
type StateRecorder interface {
	RecordStatus(ctx context.Context, address string, st classify.PrinterStatus) error
	RecordFailure(ctx context.Context, address, reason string, failures int) error
}

// Action names what the in-flight invocation was started for.
type Action string

const (
	ActionNone          Action = ""
	ActionStatus        Action = "status"
	ActionPause         Action = "pause"
	ActionResume        Action = "resume"
	ActionStop          Action = "stop"
	ActionFiles         Action = "files"
	ActionPrint         Action = "print"
	ActionPump          Action = "pump"
	ActionMultiMaterial Action = "multi_material"
	ActionSend          Action = "send"
)

// Option configures a Controller.
type Option func(*Controller)

// WithRecipeLog records every saved recipe.
func WithRecipeLog(r RecipeRecorder) Option {
	return func(c *Controller) { c.recipeLog = r }
}

// WithDeviceState records status outcomes.
func WithDeviceState(s StateRecorder) Option {
	return func(c *Controller) { c.deviceState = s }
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller owns the panel state. It is safe for concurrent use so the
// HTTP handlers, the poller and the result drain can share one instance.
type Controller struct {
	cfg         *config.Config
	disp        Dispatcher
	recipes     *recipe.Store
	recipeLog   RecipeRecorder
	deviceState StateRecorder
	logger      *slog.Logger

	mu         sync.Mutex
	address    string
	table      *recipe.Table
	polling    bool
	busy       bool
	pending    string
	action     Action
	automated  bool
	output     strings.Builder
	carry      [2]string
	printer    *classify.PrinterStatus
	failures   int
	files      []command.File
	lines      []Line
	stateLine  int
	lastUpdate time.Time
}

// New creates a Controller and loads the recipe file into the table.
// A recipe file that cannot be parsed is logged and leaves the table empty.
func New(cfg *config.Config, disp Dispatcher, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg,
		disp:      disp,
		recipes:   recipe.NewStore(cfg.RecipePath()),
		logger:    log.WithComponent("panel"),
		address:   cfg.Device.Address,
		table:     &recipe.Table{},
		polling:   cfg.Polling.Enabled,
		stateLine: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.ReloadRecipe(); err != nil {
		c.logger.Warn("recipe not loaded", "path", c.recipes.Path(), "error", err)
	}
	return c
}

// Address is the printer the panel talks to.
func (c *Controller) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// SetAddress changes the printer address for later commands.
func (c *Controller) SetAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("device address is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = addr
	c.logLocked(LevelInfo, "Printer address set to "+addr)
	return nil
}

// Busy reports whether an action is in flight. Actions are refused while busy.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Polling reports whether periodic status checks are on.
func (c *Controller) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polling
}

// SetPolling turns periodic status checks on or off.
func (c *Controller) SetPolling(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.polling == on {
		return
	}
	c.polling = on
	if on {
		c.logLocked(LevelInfo, "Status polling enabled")
	} else {
		c.logLocked(LevelInfo, "Status polling disabled")
	}
}

// Poll runs a status check if polling is on and nothing is in flight. It
// reports whether a check was started.
func (c *Controller) Poll() (bool, error) {
	c.mu.Lock()
	if !c.polling || c.busy {
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	if _, err := c.start(ActionStatus, func(addr string) (string, error) {
		return c.disp.CheckStatus(addr)
	}); err != nil {
		if errors.Is(err, dispatch.ErrBusy) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CheckStatus queries the printer once.
func (c *Controller) CheckStatus() (string, error) {
	return c.start(ActionStatus, func(addr string) (string, error) {
		return c.disp.CheckStatus(addr)
	})
}

// Pause pauses the running print.
func (c *Controller) Pause() (string, error) {
	return c.device(ActionPause, command.Pause)
}

// Resume resumes a paused print.
func (c *Controller) Resume() (string, error) {
	return c.device(ActionResume, command.Resume)
}

// Stop ends the running print.
func (c *Controller) Stop() (string, error) {
	return c.device(ActionStop, command.Stop)
}

// ListFiles asks the printer for its stored print files.
func (c *Controller) ListFiles() (string, error) {
	return c.device(ActionFiles, command.Files)
}

// PrintFile starts a stored file. name may be a display name from the last
// file listing or an internal name.
func (c *Controller) PrintFile(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("print file name is empty")
	}
	internal := name
	c.mu.Lock()
	for _, f := range c.files {
		if f.Name == name || f.Internal == name {
			internal = f.Internal
			break
		}
	}
	c.mu.Unlock()

	script := c.cfg.PrinterScript()
	return c.start(ActionPrint, func(addr string) (string, error) {
		return c.disp.Submit(command.Print(script, addr, internal).WithPort(c.cfg.Device.Port))
	})
}

// Send runs an arbitrary printer verb.
func (c *Controller) Send(verb string, args ...string) (string, error) {
	script := c.cfg.PrinterScript()
	return c.start(ActionSend, func(addr string) (string, error) {
		return c.disp.Submit(command.Device(script, addr, verb, args...).WithPort(c.cfg.Device.Port))
	})
}

// Pump parses "Motor,Direction,Timing" and runs the pump script.
func (c *Controller) Pump(input string) (string, error) {
	run, err := command.ParsePumpRun(input)
	if err != nil {
		return "", err
	}
	return c.PumpRun(run)
}

// PumpRun runs one pump for a fixed time.
func (c *Controller) PumpRun(run command.PumpRun) (string, error) {
	if err := run.Validate(); err != nil {
		return "", err
	}
	script := c.cfg.PumpScript()
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("%w: pump script not found at %s", ErrPrecondition, script)
	}
	return c.start(ActionPump, func(string) (string, error) {
		return c.disp.Submit(command.Pump(script, run))
	})
}

// StartMultiMaterial launches the print manager against the saved recipe.
func (c *Controller) StartMultiMaterial() (string, error) {
	if !c.recipes.Exists() {
		return "", fmt.Errorf("%w: no saved recipe at %s", ErrPrecondition, c.recipes.Path())
	}
	script := c.cfg.PrintManagerScript()
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("%w: print manager not found at %s", ErrPrecondition, script)
	}
	path := c.recipes.Path()
	return c.start(ActionMultiMaterial, func(addr string) (string, error) {
		return c.disp.Submit(command.MultiMaterial(script, path, addr))
	})
}

// Cancel asks the dispatcher to stop whatever is running.
func (c *Controller) Cancel() {
	c.mu.Lock()
	busy := c.busy
	if busy {
		c.logLocked(LevelWarn, "Cancel requested")
	}
	c.mu.Unlock()
	if busy {
		c.disp.Cancel()
	}
}

// AbortAutomated stops a running multi-material print. It is only acted on
// when the user accepts the abort offer of a hardware notice.
func (c *Controller) AbortAutomated() bool {
	c.mu.Lock()
	running := c.automated
	if running {
		c.logLocked(LevelWarn, "Aborting multi-material print")
	}
	c.mu.Unlock()
	if running {
		c.disp.Cancel()
	}
	return running
}

func (c *Controller) device(a Action, build func(script, address string) command.Command) (string, error) {
	script := c.cfg.PrinterScript()
	return c.start(a, func(addr string) (string, error) {
		return c.disp.Submit(build(script, addr).WithPort(c.cfg.Device.Port))
	})
}

// start refuses locally while busy, otherwise submits and marks busy. The
// lock is held across submit, which never blocks, so a fast terminal result
// cannot be handled before the invocation is marked pending.
func (c *Controller) start(a Action, submit func(address string) (string, error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return "", dispatch.ErrBusy
	}

	id, err := submit(c.address)
	if err != nil {
		if !errors.Is(err, dispatch.ErrBusy) {
			c.logLocked(LevelError, fmt.Sprintf("Cannot start %s: %v", a, err))
		}
		return "", err
	}
	c.busy = true
	c.pending = id
	c.action = a
	c.automated = a == ActionMultiMaterial
	c.output.Reset()
	c.carry = [2]string{}
	return id, nil
}

// Handle applies one dispatcher result and returns the notices it raises.
// Device state is written after the lock is released.
func (c *Controller) Handle(r dispatch.Result) []Notice {
	c.mu.Lock()
	notices, write := c.handleLocked(r)
	c.mu.Unlock()

	c.persist(write)
	return notices
}

func (c *Controller) handleLocked(r dispatch.Result) ([]Notice, persistFunc) {
	c.lastUpdate = r.At

	var (
		notices []Notice
		write   persistFunc
	)
	switch r.Kind {
	case dispatch.KindStarted:
		c.logLocked(LevelInfo, "$ "+r.Line)

	case dispatch.KindOutput:
		if r.InvocationID == c.pending {
			c.output.WriteString(r.Text)
		}
		c.logChunkLocked(0, LevelInfo, r.Text)

	case dispatch.KindError:
		c.logChunkLocked(1, LevelWarn, r.Text)

	case dispatch.KindStatus:
		write = c.handleStatusLocked(r)

	case dispatch.KindFinished:
		c.flushChunksLocked()
		if n := c.handleFinishedLocked(r); n != nil {
			notices = append(notices, *n)
		}

	case dispatch.KindConnectionLost:
		c.polling = false
		c.logLocked(LevelError, "Connection lost: "+firstLine(r.Text))
		notices = append(notices, Notice{
			Kind:     NoticeConnectionLost,
			Title:    "Connection lost",
			Message:  fmt.Sprintf("The printer at %s is not answering (%s). Status polling has been turned off; check the device and re-enable polling.", c.address, firstLine(r.Text)),
			Blocking: true,
		})

	case dispatch.KindHardwareError:
		c.logLocked(LevelError, "Hardware error: "+r.Text)
		n := Notice{
			Kind:     NoticeHardware,
			Title:    "Hardware error",
			Message:  r.Text,
			Blocking: true,
		}
		if c.automated {
			n.OfferAbort = true
			n.Message += "\nA multi-material print is running. Abort it?"
		}
		notices = append(notices, n)
	}

	if r.Terminal() && r.InvocationID == c.pending {
		c.busy = false
		c.pending = ""
		c.action = ActionNone
		c.automated = false
	}
	return notices, write
}

func (c *Controller) handleStatusLocked(r dispatch.Result) persistFunc {
	c.failures = r.Failures
	addr := r.Cmd.Address
	if addr == "" {
		addr = c.address
	}

	if !r.Success {
		if r.Outcome == dispatch.OutcomeCanceled {
			c.logLocked(LevelWarn, "Status check canceled")
			return nil
		}
		reason := firstLine(r.Text)
		c.logLocked(LevelError, fmt.Sprintf("Status check failed: %s (failures: %d)", reason, r.Failures))
		return func(ctx context.Context, s StateRecorder) error {
			return s.RecordFailure(ctx, addr, reason, r.Failures)
		}
	}

	if r.Printer == nil {
		c.logStateLocked()
		return nil
	}
	st := *r.Printer
	c.printer = &st
	c.logStateLocked()
	return func(ctx context.Context, s StateRecorder) error {
		return s.RecordStatus(ctx, addr, st)
	}
}

// logStateLocked folds repeated identical states into one counted line.
func (c *Controller) logStateLocked() {
	text := "Printer: " + c.describePrinterLocked()
	if c.stateLine >= 0 && c.stateLine == len(c.lines)-1 && c.lines[c.stateLine].Text == text {
		c.lines[c.stateLine].Repeat++
		c.lines[c.stateLine].At = time.Now()
		return
	}
	c.logLocked(LevelInfo, text)
	c.lines[len(c.lines)-1].Repeat = 1
	c.stateLine = len(c.lines) - 1
}

func (c *Controller) describePrinterLocked() string {
	if c.printer == nil {
		return "unknown"
	}
	p := c.printer
	s := p.State
	if p.TotalLayers > 0 {
		s += fmt.Sprintf(", layer %d/%d", p.CurrentLayer, p.TotalLayers)
	} else if p.CurrentLayer > 0 {
		s += fmt.Sprintf(", layer %d", p.CurrentLayer)
	}
	if p.PercentComplete > 0 {
		s += fmt.Sprintf(", %.0f%%", p.PercentComplete)
	}
	return s
}

func (c *Controller) handleFinishedLocked(r dispatch.Result) *Notice {
	own := r.InvocationID == c.pending
	switch r.Outcome {
	case dispatch.OutcomeSucceeded:
		c.logLocked(LevelInfo, fmt.Sprintf("%s finished", r.Command))
		if own && c.action == ActionFiles {
			c.files = command.ParseFileList(c.output.String())
			c.logLocked(LevelInfo, fmt.Sprintf("%d print file(s) on printer", len(c.files)))
		}
		return nil
	case dispatch.OutcomeCanceled:
		c.logLocked(LevelWarn, fmt.Sprintf("%s canceled", r.Command))
		return nil
	case dispatch.OutcomeStartFailed:
		c.logLocked(LevelError, fmt.Sprintf("%s could not start: %s", r.Command, r.Text))
		return &Notice{
			Kind:    NoticeFailed,
			Title:   "Script failed to start",
			Message: r.Text,
		}
	default:
		c.logLocked(LevelError, fmt.Sprintf("%s failed: %s", r.Command, r.Text))
		return nil
	}
}

// persistFunc is a device state write prepared under the lock.
type persistFunc func(ctx context.Context, s StateRecorder) error

func (c *Controller) persist(fn persistFunc) {
	if fn == nil || c.deviceState == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := fn(ctx, c.deviceState); err != nil {
		c.logger.Error("failed to persist device state", "error", err)
	}
}

func (c *Controller) logLocked(level Level, text string) {
	c.lines = append(c.lines, Line{At: time.Now(), Level: level, Text: text})
	if over := len(c.lines) - maxLogLines; over > 0 {
		c.lines = append([]Line(nil), c.lines[over:]...)
		c.stateLine -= over
		if c.stateLine < 0 {
			c.stateLine = -1
		}
	}
}

// logChunkLocked logs each complete non-blank line of a stream chunk and
// carries a trailing partial line over to the next chunk.
func (c *Controller) logChunkLocked(stream int, level Level, text string) {
	text = c.carry[stream] + text
	end := strings.LastIndexByte(text, '\n')
	if end < 0 {
		c.carry[stream] = text
		return
	}
	c.carry[stream] = text[end+1:]
	c.logLinesLocked(level, text[:end])
}

func (c *Controller) flushChunksLocked() {
	c.logLinesLocked(LevelInfo, c.carry[0])
	c.logLinesLocked(LevelWarn, c.carry[1])
	c.carry = [2]string{}
}

func (c *Controller) logLinesLocked(level Level, text string) {
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimRight(l, "\r"); strings.TrimSpace(l) != "" {
			c.logLocked(level, l)
		}
	}
}

// Log appends a line from the UI itself.
func (c *Controller) Log(level Level, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(level, text)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
