// Package tui is the interactive terminal panel for one MMU printer.
package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/scionmmu/mmuctl/internal/dispatch"
	"github.com/scionmmu/mmuctl/internal/panel"
	"github.com/scionmmu/mmuctl/internal/recipe"
)

const logLines = 500

type inputMode int

const (
	modeNone inputMode = iota
	modeAddRow
	modeEditRow
	modePump
	modePrint
	modeAddress
)

func (m inputMode) prompt() string {
	switch m {
	case modeAddRow:
		return "Add row (material,layer): "
	case modeEditRow:
		return "Edit row (material,layer): "
	case modePump:
		return "Pump (motor,direction,seconds): "
	case modePrint:
		return "Print file: "
	case modeAddress:
		return "Printer address: "
	default:
		return "> "
	}
}

// modal is a prompt shown on top of the panel. An ack modal only needs
// dismissing; a confirm modal runs onYes when accepted.
type modal struct {
	title   string
	message string
	confirm bool
	onYes   func(m *Model) tea.Cmd
}

// Model is the bubbletea model of the panel.
type Model struct {
	ctrl      *panel.Controller
	results   <-chan dispatch.Result
	pollEvery time.Duration

	width  int
	height int
	theme  Theme

	recipeTable table.Model
	logView     viewport.Model
	input       textinput.Model
	mode        inputMode
	editRow     int

	modals   []modal
	feedback string
	closed   bool
}

// New builds the panel model. results is the dispatcher's result stream;
// pollEvery paces status polling while the controller has polling on.
func New(ctrl *panel.Controller, results <-chan dispatch.Result, pollEvery time.Duration) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "#", Width: 3},
			{Title: "Layer", Width: 8},
			{Title: "Material", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(recipe.MaxRows),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	in := textinput.New()
	in.CharLimit = 128

	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	m := &Model{
		ctrl:        ctrl,
		results:     results,
		pollEvery:   pollEvery,
		theme:       NewDefaultTheme(),
		recipeTable: t,
		logView:     viewport.New(80, 10),
		input:       in,
	}
	m.refresh()
	return m
}

type (
	resultMsg        dispatch.Result
	resultsClosedMsg struct{}
	pollMsg          time.Time
	clockMsg         time.Time
)

// receiveNextResult waits for the next dispatcher result.
func receiveNextResult(ch <-chan dispatch.Result) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-ch
		if !ok {
			return resultsClosedMsg{}
		}
		return resultMsg(r)
	}
}

func (m *Model) pollTick() tea.Cmd {
	return tea.Tick(m.pollEvery, func(t time.Time) tea.Msg { return pollMsg(t) })
}

func clockTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockMsg(t) })
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		receiveNextResult(m.results),
		m.pollTick(),
		clockTick(),
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case resultMsg:
		for _, n := range m.ctrl.Handle(dispatch.Result(msg)) {
			m.notice(n)
		}
		m.refresh()
		return m, receiveNextResult(m.results)

	case resultsClosedMsg:
		m.closed = true
		m.feedback = "dispatcher stopped"
		return m, nil

	case pollMsg:
		if _, err := m.ctrl.Poll(); err != nil {
			m.feedback = err.Error()
		}
		m.refresh()
		return m, m.pollTick()

	case clockMsg:
		m.refresh()
		return m, clockTick()

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if len(m.modals) > 0 {
			return m, m.updateModal(msg)
		}
		if m.mode != modeNone {
			return m, m.updateInput(msg)
		}
		return m, m.updateKeys(msg)
	}
	return m, nil
}

func (m *Model) updateModal(msg tea.KeyMsg) tea.Cmd {
	top := m.modals[0]
	var cmd tea.Cmd
	switch msg.String() {
	case "y", "Y":
		if !top.confirm {
			return nil
		}
		cmd = top.onYes(m)
	case "enter":
		if top.confirm {
			cmd = top.onYes(m)
		}
	case "n", "N", "esc":
	default:
		return nil
	}
	m.modals = m.modals[1:]
	m.refresh()
	return cmd
}

func (m *Model) updateInput(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "esc":
		m.closeInput()
		return nil
	case "enter":
		value := m.input.Value()
		mode := m.mode
		m.closeInput()
		m.submitInput(mode, value)
		m.refresh()
		return nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

func (m *Model) updateKeys(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q":
		if m.ctrl.Busy() {
			m.push(modal{
				title:   "Quit",
				message: "A command is still running. Cancel it and quit?",
				confirm: true,
				onYes: func(m *Model) tea.Cmd {
					m.ctrl.Cancel()
					return tea.Quit
				},
			})
			return nil
		}
		return tea.Quit
	case "s":
		m.act(m.ctrl.CheckStatus())
	case "p":
		m.act(m.ctrl.Pause())
	case "r":
		m.act(m.ctrl.Resume())
	case "x":
		m.push(modal{
			title:   "Stop print",
			message: "Stop the current print?",
			confirm: true,
			onYes: func(m *Model) tea.Cmd {
				m.act(m.ctrl.Stop())
				return nil
			},
		})
	case "f":
		m.act(m.ctrl.ListFiles())
	case "o":
		m.openInput(modePrint, "")
	case "u":
		m.openInput(modePump, "")
	case "g":
		m.openInput(modeAddress, m.ctrl.Address())
	case "m":
		m.push(modal{
			title:   "Multi-material print",
			message: fmt.Sprintf("Start the print manager with %s?", m.ctrl.RecipePath()),
			confirm: true,
			onYes: func(m *Model) tea.Cmd {
				m.act(m.ctrl.StartMultiMaterial())
				return nil
			},
		})
	case "c":
		m.ctrl.Cancel()
	case "t":
		m.ctrl.SetPolling(!m.ctrl.Polling())
	case "a":
		m.openInput(modeAddRow, "")
	case "e":
		rows := m.ctrl.Rows()
		i := m.recipeTable.Cursor()
		if i < 0 || i >= len(rows) {
			return nil
		}
		m.editRow = i
		m.openInput(modeEditRow, fmt.Sprintf("%s,%d", rows[i].Material, rows[i].Layer))
	case "d", "delete":
		if err := m.ctrl.RemoveRow(m.recipeTable.Cursor()); err != nil {
			m.feedback = err.Error()
		}
	case "C":
		m.push(modal{
			title:   "Clear recipe",
			message: "Remove every row from the table? The file is unchanged until saved.",
			confirm: true,
			onYes: func(m *Model) tea.Cmd {
				m.ctrl.ClearRecipe()
				return nil
			},
		})
	case "l":
		if err := m.ctrl.ReloadRecipe(); err != nil {
			m.feedback = err.Error()
		}
	case "w":
		m.save()
	default:
		var cmd tea.Cmd
		m.recipeTable, cmd = m.recipeTable.Update(msg)
		return cmd
	}
	m.refresh()
	return nil
}

// save writes the recipe, asking first when layers repeat.
func (m *Model) save() {
	dups := recipe.DuplicateLayers(m.ctrl.Rows())
	if len(dups) == 0 {
		if _, err := m.ctrl.SaveRecipe(nil); err != nil {
			m.feedback = err.Error()
		}
		return
	}
	var b strings.Builder
	b.WriteString("Some layers appear more than once:\n")
	for _, d := range dups {
		b.WriteString("  " + d.String() + "\n")
	}
	b.WriteString("Save anyway?")
	m.push(modal{
		title:   "Duplicate layers",
		message: b.String(),
		confirm: true,
		onYes: func(m *Model) tea.Cmd {
			if _, err := m.ctrl.SaveRecipe(func([]recipe.Duplicate) bool { return true }); err != nil {
				m.feedback = err.Error()
			}
			return nil
		},
	})
}

func (m *Model) submitInput(mode inputMode, value string) {
	var err error
	switch mode {
	case modeAddRow, modeEditRow:
		var row recipe.Row
		if row, err = panel.ParseRow(value); err == nil {
			if mode == modeAddRow {
				err = m.ctrl.AddRow(row)
			} else {
				err = m.ctrl.SetRow(m.editRow, row)
			}
		}
	case modePump:
		_, err = m.ctrl.Pump(value)
	case modePrint:
		name := strings.TrimSpace(value)
		if n, convErr := strconv.Atoi(name); convErr == nil {
			if files := m.ctrl.Files(); n >= 1 && n <= len(files) {
				name = files[n-1].Internal
			}
		}
		_, err = m.ctrl.PrintFile(name)
	case modeAddress:
		err = m.ctrl.SetAddress(value)
	}
	if err != nil {
		m.feedback = err.Error()
	}
}

// act reports the outcome of starting an action.
func (m *Model) act(_ string, err error) {
	switch {
	case err == nil:
		m.feedback = ""
	case errors.Is(err, dispatch.ErrBusy):
		m.feedback = "busy: wait for the running command or cancel it"
	default:
		m.feedback = err.Error()
	}
}

func (m *Model) notice(n panel.Notice) {
	if !n.Blocking {
		m.feedback = n.Title + ": " + n.Message
		return
	}
	md := modal{title: n.Title, message: n.Message}
	if n.OfferAbort {
		md.confirm = true
		md.onYes = func(m *Model) tea.Cmd {
			m.ctrl.AbortAutomated()
			return nil
		}
	}
	m.push(md)
}

func (m *Model) push(md modal) { m.modals = append(m.modals, md) }

func (m *Model) openInput(mode inputMode, value string) {
	m.mode = mode
	m.input.Prompt = mode.prompt()
	m.input.SetValue(value)
	m.input.CursorEnd()
	m.input.Focus()
	m.recipeTable.Blur()
}

func (m *Model) closeInput() {
	m.mode = modeNone
	m.input.Reset()
	m.input.Blur()
	m.recipeTable.Focus()
}

func (m *Model) layout() {
	w := m.width - 6
	if w < 20 {
		w = 20
	}
	m.input.Width = w - 40
	h := m.height - recipe.MaxRows - 14
	if h < 3 {
		h = 3
	}
	m.logView.Width = w - 28
	m.logView.Height = h + recipe.MaxRows
	m.refresh()
}

// refresh copies controller state into the widgets.
func (m *Model) refresh() {
	rows := m.ctrl.Rows()
	trs := make([]table.Row, len(rows))
	for i, r := range rows {
		trs[i] = table.Row{strconv.Itoa(i + 1), strconv.Itoa(r.Layer), string(r.Material)}
	}
	m.recipeTable.SetRows(trs)
	if c := m.recipeTable.Cursor(); c >= len(trs) && len(trs) > 0 {
		m.recipeTable.SetCursor(len(trs) - 1)
	}

	lines := m.ctrl.Lines(logLines)
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.formatLine(l))
	}
	m.logView.SetContent(b.String())
	m.logView.GotoBottom()
}

func (m *Model) formatLine(l panel.Line) string {
	style := m.theme.Info
	switch l.Level {
	case panel.LevelWarn:
		style = m.theme.Warn
	case panel.LevelError:
		style = m.theme.Error
	}
	text := l.Text
	if l.Repeat > 1 {
		text += fmt.Sprintf(" ×%d", l.Repeat)
	}
	return m.theme.Dim.Render(l.At.Format("15:04:05")) + " " + style.Render(text)
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Starting panel..."
	}
	snap := m.ctrl.Snapshot()

	if len(m.modals) > 0 {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.renderModal(m.modals[0]))
	}

	header := renderHeader(snap, m.theme, m.width)

	recipeBox := m.theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(fmt.Sprintf("RECIPE (%d/%d)", len(snap.Recipe), recipe.MaxRows)),
		m.recipeTable.View(),
	))
	logBox := m.theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("LOG"),
		m.logView.View(),
	))
	body := lipgloss.JoinHorizontal(lipgloss.Top, recipeBox, logBox)

	parts := []string{header, body}
	if len(snap.Files) > 0 {
		parts = append(parts, m.renderFiles(snap))
	}
	if m.mode != modeNone {
		parts = append(parts, m.input.View())
	}
	if m.feedback != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.feedback))
	}
	parts = append(parts, m.theme.Dim.Render(
		" [s]tatus [p]ause [r]esume [x]stop [f]iles [o]print p[u]mp [m]ulti [c]ancel [t]polling [g]address\n"+
			" [a]dd [e]dit [d]elete [C]lear [l]oad [w]rite recipe  [q]uit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m *Model) renderFiles(s panel.Snapshot) string {
	names := make([]string, len(s.Files))
	for i, f := range s.Files {
		names[i] = fmt.Sprintf("%d) %s", i+1, f.Name)
	}
	return m.theme.Header.Render(" Files: ") + strings.Join(names, "  ")
}

func (m *Model) renderModal(md modal) string {
	keys := "[enter] OK"
	if md.confirm {
		keys = "[y] Yes  [n] No"
	}
	return m.theme.Modal.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(md.title),
		"",
		md.message,
		"",
		m.theme.Dim.Render(keys),
	))
}
