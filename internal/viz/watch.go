package viz

import (
	"context"
	"fmt"
	"strings"

	"github.com/SVDmodel/SVD-sub000/internal/storage"
	tea "github.com/charmbracelet/bubbletea"
)

// CycleMsg reports a finished year.
type CycleMsg storage.CycleStats

// DoneMsg ends the watch. Err is the error the run stopped with, if any.
type DoneMsg struct{ Err error }

type watchModel struct {
	title    string
	years    int
	cycles   []storage.CycleStats
	cancel   context.CancelFunc
	canceled bool
	done     bool
	err      error
	width    int
}

func newWatchModel(title string, years int, cancel context.CancelFunc) watchModel {
	return watchModel{title: title, years: years, cancel: cancel, width: 80}
}

func (m watchModel) Init() tea.Cmd { return nil }

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.canceled && m.cancel != nil {
				m.cancel()
			}
			m.canceled = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case CycleMsg:
		m.cycles = append(m.cycles, storage.CycleStats(msg))
	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(Title.Render(m.title))
	b.WriteString("  ")
	switch {
	case m.err != nil:
		b.WriteString(StatusFailed.Render("FAILED"))
	case m.done:
		b.WriteString(StatusRunning.Render("DONE"))
	case m.canceled:
		b.WriteString(StatusFailed.Render("CANCELED"))
	default:
		b.WriteString(StatusRunning.Render("RUNNING"))
	}
	b.WriteString("\n\n")

	n := len(m.cycles)
	pct := 0.0
	if m.years > 0 {
		pct = float64(n) / float64(m.years)
	}
	barWidth := m.width - 20
	if barWidth > 50 {
		barWidth = 50
	}
	fmt.Fprintf(&b, "%s %s\n\n", ProgressBar(pct, barWidth), Metric("year", fmt.Sprintf("%d/%d", n, m.years)))

	if n > 0 {
		last := m.cycles[n-1]
		fmt.Fprintf(&b, "%s  %s  %s  %s\n",
			Metric("evaluated", fmt.Sprint(last.Evaluated)),
			Metric("changed", fmt.Sprint(last.Changed)),
			Metric("packages", fmt.Sprint(last.Built)),
			Metric("errors", fmt.Sprint(last.Errors)))
	}
	if chart := ChangedChart(m.cycles, m.width-12); chart != "" {
		b.WriteString("\n")
		b.WriteString(chart)
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(StatusFailed.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(KeyHint.Render("q: cancel run"))
	return b.String()
}

// Watch drives a terminal view of a running simulation. Feed it with Cycle
// and Done from the simulation goroutine while Run blocks on the caller's.
type Watch struct {
	program *tea.Program
}

// NewWatch creates a watch over years years. cancel is called when the user
// quits before the run is done.
func NewWatch(title string, years int, cancel context.CancelFunc, opts ...tea.ProgramOption) *Watch {
	return &Watch{program: tea.NewProgram(newWatchModel(title, years, cancel), opts...)}
}

func (w *Watch) Cycle(c storage.CycleStats) { w.program.Send(CycleMsg(c)) }

func (w *Watch) Done(err error) { w.program.Send(DoneMsg{Err: err}) }

// Run blocks until the run is done or the user quits.
func (w *Watch) Run() error {
	_, err := w.program.Run()
	return err
}
