// Package tui holds the interactive views of ibctl.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/intelboard/intelboard/internal/client"
	"github.com/intelboard/intelboard/internal/refresh/facts"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

// StateMsg carries a runner state snapshot into the program.
type StateMsg client.State

// CardMsg carries a fact card into the program.
type CardMsg facts.Card

const maxCards = 3

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	cardStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Width(60)
)

// FollowView renders a running job with its steps, a progress bar and the
// latest fact cards. It quits when the job reaches a terminal state or the
// user presses q.
type FollowView struct {
	title       string
	spinner     spinner.Model
	bar         progress.Model
	state       client.State
	cards       []facts.Card
	interrupted bool
}

func NewFollowView(title string) *FollowView {
	return &FollowView{
		title:   title,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		state:   client.State{Status: client.StatusIdle},
	}
}

// Interrupted reports whether the user left before the job finished.
func (v *FollowView) Interrupted() bool { return v.interrupted }

// State returns the last state the view received.
func (v *FollowView) State() client.State { return v.state }

func (v *FollowView) Init() tea.Cmd {
	return v.spinner.Tick
}

func (v *FollowView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.KeyMsg:
		switch m.String() {
		case "q", "esc", "ctrl+c":
			v.interrupted = !v.state.Status.IsTerminal()
			return v, tea.Quit
		}
	case tea.WindowSizeMsg:
		v.bar.Width = max(20, min(60, m.Width-20))
	case StateMsg:
		v.state = client.State(m)
		if v.state.Status.IsTerminal() {
			return v, tea.Quit
		}
	case CardMsg:
		v.cards = append(v.cards, facts.Card(m))
		if len(v.cards) > maxCards {
			v.cards = v.cards[len(v.cards)-maxCards:]
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		v.spinner, cmd = v.spinner.Update(m)
		return v, cmd
	}
	return v, nil
}

func (v *FollowView) View() string {
	var b strings.Builder

	header := titleStyle.Render(v.title)
	if v.state.JobID != "" {
		header += dimStyle.Render("  " + string(v.state.JobID))
	}
	b.WriteString(header + "\n\n")

	for _, s := range v.state.Steps {
		b.WriteString(v.stepLine(s) + "\n")
	}
	if len(v.state.Steps) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(v.bar.ViewAs(float64(v.state.Progress)/100) + "  " +
		dimStyle.Render(v.state.Elapsed.Truncate(time.Second).String()) + "\n")

	switch {
	case v.state.Status == client.StatusFailed && v.state.Error != "":
		b.WriteString(errStyle.Render(v.state.Error) + "\n")
	case v.state.Disconnected:
		b.WriteString(errStyle.Render("connection lost, reconnecting") + "\n")
	}

	for _, card := range v.cards {
		b.WriteString(cardStyle.Render(titleStyle.Render(card.Title)+"\n"+card.Body) + "\n")
	}

	b.WriteString(dimStyle.Render("q: stop following (the job keeps running)") + "\n")
	return b.String()
}

func (v *FollowView) stepLine(s jobs.Step) string {
	switch s.Status {
	case jobs.StepRunning:
		return fmt.Sprintf("%s %s", v.spinner.View(), s.Label)
	case jobs.StepComplete:
		return doneStyle.Render("✓") + " " + s.Label
	case jobs.StepFailed:
		return errStyle.Render("✗") + " " + s.Label + errStyle.Render(": "+s.Error)
	case jobs.StepSkipped:
		return dimStyle.Render("- " + s.Label)
	default:
		return dimStyle.Render("· " + s.Label)
	}
}
