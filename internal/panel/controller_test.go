package panel

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scionmmu/mmuctl/internal/classify"
	"github.com/scionmmu/mmuctl/internal/command"
	"github.com/scionmmu/mmuctl/internal/config"
	"github.com/scionmmu/mmuctl/internal/dispatch"
	"github.com/scionmmu/mmuctl/internal/recipe"
)

// fakeDispatcher records commands and hands out sequential ids.
type fakeDispatcher struct {
	mu       sync.Mutex
	cmds     []command.Command
	statuses []string
	canceled int
	err      error
	n        int
}

func (f *fakeDispatcher) next() string {
	f.n++
	return "inv-" + strconv.Itoa(f.n)
}

func (f *fakeDispatcher) Submit(cmd command.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.cmds = append(f.cmds, cmd)
	return f.next(), nil
}

func (f *fakeDispatcher) CheckStatus(address string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.statuses = append(f.statuses, address)
	return f.next(), nil
}

func (f *fakeDispatcher) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled++
}

func (f *fakeDispatcher) last() command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cmds[len(f.cmds)-1]
}

type fixture struct {
	cfg  *config.Config
	disp *fakeDispatcher
	c    *Controller
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Scripts.Dir = dir
	cfg.Recipe.Path = filepath.Join(dir, "recipe.txt")
	cfg.Device.Address = "10.0.0.7"
	disp := &fakeDispatcher{}
	return &fixture{cfg: cfg, disp: disp, c: New(cfg, disp, opts...)}
}

func (f *fixture) touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func terminal(id string, kind dispatch.Kind, outcome dispatch.Outcome) dispatch.Result {
	return dispatch.Result{
		InvocationID: id,
		Kind:         kind,
		Outcome:      outcome,
		Success:      outcome == dispatch.OutcomeSucceeded,
		Command:      "cmd",
	}
}

func TestActionsRefusedWhileBusy(t *testing.T) {
	f := newFixture(t)

	id, err := f.c.Pause()
	require.NoError(t, err)
	assert.True(t, f.c.Busy())

	for name, act := range map[string]func() (string, error){
		"status": f.c.CheckStatus,
		"resume": f.c.Resume,
		"stop":   f.c.Stop,
		"files":  f.c.ListFiles,
		"print":  func() (string, error) { return f.c.PrintFile("a.ctb") },
	} {
		_, err := act()
		assert.ErrorIs(t, err, dispatch.ErrBusy, name)
	}
	assert.Len(t, f.disp.cmds, 1, "nothing reaches the dispatcher while busy")

	// Any terminal outcome re-enables actions, failure included.
	f.c.Handle(terminal(id, dispatch.KindFinished, dispatch.OutcomeFailed))
	assert.False(t, f.c.Busy())
	_, err = f.c.Resume()
	assert.NoError(t, err)
}

func TestTerminalForOtherInvocationKeepsBusy(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.Stop()
	require.NoError(t, err)

	f.c.Handle(terminal("someone-else", dispatch.KindFinished, dispatch.OutcomeSucceeded))
	assert.True(t, f.c.Busy())
}

func TestCommandsCarryAddressAndPort(t *testing.T) {
	f := newFixture(t)
	f.cfg.Device.Port = 8081
	require.NoError(t, f.c.SetAddress(" 192.168.4.9 "))

	id, err := f.c.Stop()
	require.NoError(t, err)
	cmd := f.disp.last()
	assert.Equal(t, "192.168.4.9", cmd.Address)
	assert.Equal(t, 8081, cmd.Port)
	assert.Equal(t, "gostop,end", cmd.Payload())
	f.c.Handle(terminal(id, dispatch.KindFinished, dispatch.OutcomeSucceeded))

	_, err = f.c.CheckStatus()
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.4.9"}, f.disp.statuses)

	assert.Error(t, f.c.SetAddress("  "))
}

func TestDispatcherErrorsAreReturned(t *testing.T) {
	f := newFixture(t)
	f.disp.err = dispatch.ErrBusy

	_, err := f.c.Pause()
	assert.ErrorIs(t, err, dispatch.ErrBusy)
	assert.False(t, f.c.Busy())
}

func TestConnectionLostDisablesPolling(t *testing.T) {
	f := newFixture(t)
	f.c.SetPolling(true)

	notices := f.c.Handle(dispatch.Result{
		InvocationID: "x",
		Kind:         dispatch.KindConnectionLost,
		Reason:       dispatch.ReasonThreshold,
		Text:         "3 consecutive status checks failed",
	})
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeConnectionLost, notices[0].Kind)
	assert.True(t, notices[0].Blocking)
	assert.False(t, f.c.Polling())

	started, err := f.c.Poll()
	require.NoError(t, err)
	assert.False(t, started, "poll does nothing once disabled")
	assert.Empty(t, f.disp.statuses)
}

func TestPoll(t *testing.T) {
	f := newFixture(t)

	started, err := f.c.Poll()
	require.NoError(t, err)
	assert.False(t, started, "polling starts off")

	f.c.SetPolling(true)
	started, err = f.c.Poll()
	require.NoError(t, err)
	assert.True(t, started)

	started, err = f.c.Poll()
	require.NoError(t, err)
	assert.False(t, started, "skipped while busy")
	assert.Len(t, f.disp.statuses, 1)
}

func TestHardwareErrorOffersAbortOnlyDuringAutomatedRun(t *testing.T) {
	f := newFixture(t)
	hw := dispatch.Result{InvocationID: "x", Kind: dispatch.KindHardwareError, Text: classify.PumpFailure}

	notices := f.c.Handle(hw)
	require.Len(t, notices, 1)
	assert.True(t, notices[0].Blocking)
	assert.False(t, notices[0].OfferAbort)

	f.touch(t, f.cfg.RecipePath())
	f.touch(t, f.cfg.PrintManagerScript())
	id, err := f.c.StartMultiMaterial()
	require.NoError(t, err)
	assert.True(t, f.c.Snapshot().Automated)

	hw.InvocationID = id
	notices = f.c.Handle(hw)
	require.Len(t, notices, 1)
	assert.True(t, notices[0].OfferAbort)
	assert.Zero(t, f.disp.canceled, "never aborts on its own")

	assert.True(t, f.c.AbortAutomated())
	assert.Equal(t, 1, f.disp.canceled)

	f.c.Handle(terminal(id, dispatch.KindFinished, dispatch.OutcomeCanceled))
	assert.False(t, f.c.Snapshot().Automated)
	assert.False(t, f.c.AbortAutomated())
}

func TestStartMultiMaterialPreconditions(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.StartMultiMaterial()
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Contains(t, err.Error(), "no saved recipe")

	f.touch(t, f.cfg.RecipePath())
	_, err = f.c.StartMultiMaterial()
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Contains(t, err.Error(), "print manager")

	f.touch(t, f.cfg.PrintManagerScript())
	_, err = f.c.StartMultiMaterial()
	require.NoError(t, err)
	assert.Equal(t, []string{"--recipe", f.cfg.RecipePath(), "--printer-ip", "10.0.0.7"}, f.disp.last().Raw)
}

func TestPump(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.Pump("E,F,5")
	assert.Error(t, err)
	_, err = f.c.Pump("A,F,5")
	assert.ErrorIs(t, err, ErrPrecondition)

	f.touch(t, f.cfg.PumpScript())
	_, err = f.c.Pump("b, r, 12")
	require.NoError(t, err)
	assert.Equal(t, []string{"--motor", "B", "--direction", "R", "--seconds", "12"}, f.disp.last().Raw)
}

func TestFilesListingAndPrintByName(t *testing.T) {
	f := newFixture(t)

	id, err := f.c.ListFiles()
	require.NoError(t, err)
	f.c.Handle(dispatch.Result{InvocationID: id, Kind: dispatch.KindOutput, Text: "0:/cube.ctb\n1:/ben"})
	f.c.Handle(dispatch.Result{InvocationID: id, Kind: dispatch.KindOutput, Text: "chy.ctb\n"})
	f.c.Handle(terminal(id, dispatch.KindFinished, dispatch.OutcomeSucceeded))

	files := f.c.Files()
	require.Len(t, files, 2)
	assert.Equal(t, command.File{Internal: "1", Name: "/benchy.ctb"}, files[1])

	_, err = f.c.PrintFile("/benchy.ctb")
	require.NoError(t, err)
	assert.Equal(t, "goprint,1,end", f.disp.last().Payload())
}

func TestChunksAreLoggedByLine(t *testing.T) {
	f := newFixture(t)
	id, err := f.c.Send(command.VerbSysInfo)
	require.NoError(t, err)

	f.c.Handle(dispatch.Result{InvocationID: id, Kind: dispatch.KindOutput, Text: "firm"})
	f.c.Handle(dispatch.Result{InvocationID: id, Kind: dispatch.KindOutput, Text: "ware 1.2\nboard"})
	f.c.Handle(dispatch.Result{InvocationID: id, Kind: dispatch.KindError, Text: "slow link\n"})
	f.c.Handle(terminal(id, dispatch.KindFinished, dispatch.OutcomeSucceeded))

	var texts []string
	for _, l := range f.c.Lines(0) {
		texts = append(texts, l.Text)
	}
	assert.Contains(t, texts, "firmware 1.2")
	assert.Contains(t, texts, "board")
	assert.Contains(t, texts, "slow link")
}

func status(id, text string) dispatch.Result {
	st := classify.ParseStatus(text)
	return dispatch.Result{
		InvocationID: id,
		Kind:         dispatch.KindStatus,
		Outcome:      dispatch.OutcomeSucceeded,
		Success:      true,
		Text:         text,
		Printer:      &st,
	}
}

func TestRepeatedStateIsCounted(t *testing.T) {
	f := newFixture(t)

	before := len(f.c.Lines(0))
	for i := 0; i < 3; i++ {
		f.c.Handle(status("s", "status: printing\ncurrent_layer: 10\n"))
	}
	lines := f.c.Lines(0)
	require.Len(t, lines, before+1)
	assert.Equal(t, "Printer: printing, layer 10", lines[len(lines)-1].Text)
	assert.Equal(t, 3, lines[len(lines)-1].Repeat)

	f.c.Handle(status("s", "status: printing\ncurrent_layer: 11\n"))
	lines = f.c.Lines(0)
	assert.Equal(t, 1, lines[len(lines)-1].Repeat)

	// Any other line breaks the run.
	f.c.Log(LevelInfo, "note")
	f.c.Handle(status("s", "status: printing\ncurrent_layer: 11\n"))
	lines = f.c.Lines(0)
	assert.Equal(t, 1, lines[len(lines)-1].Repeat)

	require.NotNil(t, f.c.Snapshot().Printer)
	assert.Equal(t, 11, f.c.Snapshot().Printer.CurrentLayer)
}

type memState struct {
	statuses []classify.PrinterStatus
	failures []int
}

func (m *memState) RecordStatus(_ context.Context, _ string, st classify.PrinterStatus) error {
	m.statuses = append(m.statuses, st)
	return nil
}

func (m *memState) RecordFailure(_ context.Context, _, _ string, n int) error {
	m.failures = append(m.failures, n)
	return nil
}

func TestStatusOutcomesArePersisted(t *testing.T) {
	st := &memState{}
	f := newFixture(t, WithDeviceState(st))

	f.c.Handle(status("a", "status: idle\n"))
	f.c.Handle(dispatch.Result{InvocationID: "b", Kind: dispatch.KindStatus, Outcome: dispatch.OutcomeTimedOut, Text: "Operation timed out", Failures: 1})
	f.c.Handle(dispatch.Result{InvocationID: "c", Kind: dispatch.KindStatus, Outcome: dispatch.OutcomeCanceled, Failures: 1})

	require.Len(t, st.statuses, 1)
	assert.Equal(t, "idle", st.statuses[0].State)
	assert.Equal(t, []int{1}, st.failures)
	assert.Equal(t, 1, f.c.Snapshot().Failures)
}

type memRecipeLog struct{ saved []*recipe.Saved }

func (m *memRecipeLog) RecordRecipe(_ context.Context, s *recipe.Saved) (string, error) {
	m.saved = append(m.saved, s)
	return "r1", nil
}

func TestSaveRecipeRules(t *testing.T) {
	rl := &memRecipeLog{}
	f := newFixture(t, WithRecipeLog(rl))

	_, err := f.c.SaveRecipe(nil)
	assert.ErrorIs(t, err, recipe.ErrEmpty)

	require.NoError(t, f.c.AddRow(recipe.Row{Layer: 0, Material: recipe.MaterialA}))
	_, err = f.c.SaveRecipe(nil)
	assert.Error(t, err)
	require.NoError(t, f.c.SetRow(0, recipe.Row{Layer: 1, Material: recipe.MaterialA}))

	require.NoError(t, f.c.AddRow(recipe.Row{Layer: 1, Material: recipe.MaterialB}))
	var asked []recipe.Duplicate
	_, err = f.c.SaveRecipe(func(d []recipe.Duplicate) bool { asked = d; return false })
	assert.ErrorIs(t, err, recipe.ErrDeclined)
	assert.Equal(t, []recipe.Duplicate{{Layer: 1, Count: 2}}, asked)
	_, statErr := os.Stat(f.c.RecipePath())
	assert.True(t, os.IsNotExist(statErr), "declining writes nothing")
	assert.Empty(t, rl.saved)

	saved, err := f.c.SaveRecipe(func([]recipe.Duplicate) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, "A,1:B,1", saved.Text)
	require.Len(t, rl.saved, 1)

	// A fresh controller picks the saved file up.
	again := New(f.cfg, f.disp)
	assert.Equal(t, f.c.Rows(), again.Rows())
}

func TestRecipeEditing(t *testing.T) {
	f := newFixture(t)

	row, err := ParseRow("B,120")
	require.NoError(t, err)
	assert.Equal(t, recipe.Row{Layer: 120, Material: recipe.MaterialB}, row)
	row, err = ParseRow("50, c")
	require.NoError(t, err)
	assert.Equal(t, recipe.Row{Layer: 50, Material: recipe.MaterialC}, row)
	_, err = ParseRow("B120")
	assert.Error(t, err)
	_, err = ParseRow("B,x")
	assert.Error(t, err)

	require.NoError(t, f.c.AddRow(recipe.Row{Layer: 5, Material: recipe.MaterialA}))
	require.NoError(t, f.c.AddRow(recipe.Row{Layer: 9, Material: recipe.MaterialD}))
	require.NoError(t, f.c.RemoveRow(0))
	assert.Equal(t, []recipe.Row{{Layer: 9, Material: recipe.MaterialD}}, f.c.Rows())

	f.c.ClearRecipe()
	assert.Empty(t, f.c.Rows())
	for i := 0; i < recipe.MaxRows; i++ {
		require.NoError(t, f.c.AddRow(recipe.Row{Layer: i + 1, Material: recipe.MaterialA}))
	}
	assert.ErrorIs(t, f.c.AddRow(recipe.Row{Layer: 99, Material: recipe.MaterialA}), recipe.ErrFull)
}

func TestSaveRowsReplacesTableOnlyAfterWrite(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.AddRow(recipe.Row{Layer: 3, Material: recipe.MaterialC}))
	before := f.c.Rows()
	next := []recipe.Row{{Layer: 10, Material: recipe.MaterialA}, {Layer: 20, Material: recipe.MaterialB}}

	_, err := f.c.SaveRows([]recipe.Row{{Layer: 0, Material: recipe.MaterialA}}, nil)
	assert.Error(t, err)
	assert.Equal(t, before, f.c.Rows(), "invalid rows leave the table alone")

	// A regular file where the recipe directory should be makes the write fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	f.touch(t, blocker)
	broken := New(f.cfg, f.disp)
	broken.recipes = recipe.NewStore(filepath.Join(blocker, "recipe.txt"))
	require.NoError(t, broken.AddRow(recipe.Row{Layer: 3, Material: recipe.MaterialC}))
	_, err = broken.SaveRows(next, nil)
	assert.Error(t, err)
	assert.Equal(t, before, broken.Rows(), "a failed write leaves the table alone")

	saved, err := f.c.SaveRows(next, nil)
	require.NoError(t, err)
	assert.Equal(t, "A,10:B,20", saved.Text)
	assert.Equal(t, next, f.c.Rows())
}

// slowState blocks every write until release is closed.
type slowState struct {
	entered chan struct{}
	release chan struct{}
}

func (s *slowState) RecordStatus(_ context.Context, _ string, _ classify.PrinterStatus) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func (s *slowState) RecordFailure(_ context.Context, _, _ string, _ int) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func TestDeviceStateWrittenOutsideLock(t *testing.T) {
	st := &slowState{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, WithDeviceState(st))

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.c.Handle(status("a", "status: idle\n"))
	}()
	<-st.entered

	snap := make(chan Snapshot, 1)
	go func() { snap <- f.c.Snapshot() }()
	select {
	case s := <-snap:
		require.NotNil(t, s.Printer)
		assert.Equal(t, "idle", s.Printer.State)
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked while device state was being written")
	}

	close(st.release)
	<-done
}

func TestCancelOnlyWhenBusy(t *testing.T) {
	f := newFixture(t)
	f.c.Cancel()
	assert.Zero(t, f.disp.canceled)

	_, err := f.c.ListFiles()
	require.NoError(t, err)
	f.c.Cancel()
	assert.Equal(t, 1, f.disp.canceled)
}

func TestStartFailureRaisesNotice(t *testing.T) {
	f := newFixture(t)
	id, err := f.c.Pause()
	require.NoError(t, err)

	r := terminal(id, dispatch.KindFinished, dispatch.OutcomeStartFailed)
	r.Text = "failed to start: exec: \"python3\": executable file not found in $PATH"
	notices := f.c.Handle(r)
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeFailed, notices[0].Kind)
	assert.False(t, f.c.Busy())
}
