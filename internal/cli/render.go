package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
	"github.com/schollz/progressbar/v3"

	"github.com/intelboard/intelboard/internal/client"
	"github.com/intelboard/intelboard/internal/refresh/facts"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/pkg/printer"
)

const wrapWidth = 78

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headingStyle = lipgloss.NewStyle().Bold(true)
)

func stepGlyph(status jobs.StepStatus) string {
	switch status {
	case jobs.StepComplete:
		return okStyle.Render("✓")
	case jobs.StepFailed:
		return failStyle.Render("✗")
	case jobs.StepSkipped:
		return mutedStyle.Render("-")
	case jobs.StepRunning:
		return warnStyle.Render("›")
	default:
		return mutedStyle.Render("·")
	}
}

// renderSteps writes one line per step.
func renderSteps(w io.Writer, steps []jobs.Step) {
	for _, s := range steps {
		line := fmt.Sprintf("%s %s", stepGlyph(s.Status), s.Label)
		if s.Error != "" {
			line += failStyle.Render(": " + s.Error)
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

// renderResult writes the outcome of a finished run.
func renderResult(w io.Writer, s client.State) {
	_, _ = fmt.Fprintln(w)
	renderSteps(w, s.Steps)

	if len(s.Summaries) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, headingStyle.Render("Summary"))
		for _, line := range s.Summaries {
			_, _ = fmt.Fprintln(w, wrapIndented(line))
		}
	}
	if len(s.Warnings) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("%d warning(s)", len(s.Warnings))))
		for _, warning := range s.Warnings {
			_, _ = fmt.Fprintln(w, wrapIndented(warning))
		}
	}

	_, _ = fmt.Fprintln(w)
	elapsed := printer.FormatDuration(s.Elapsed)
	switch s.Status {
	case client.StatusComplete:
		printer.PrintSuccess(w, fmt.Sprintf("Job %s completed in %s", s.JobID, elapsed))
	case client.StatusFailed:
		msg := s.Error
		if msg == "" {
			msg = fmt.Sprintf("job %s failed after %s", s.JobID, elapsed)
		}
		printer.PrintError(w, msg)
	default:
		if s.Disconnected {
			printer.PrintWarning(w, fmt.Sprintf("lost connection to job %s, resume with: ibctl watch %s", s.JobID, s.JobID))
		}
	}
	if s.RedirectURL != "" {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("Results: "+s.RedirectURL))
	}
}

func wrapIndented(s string) string {
	return indent.String(wordwrap.String(s, wrapWidth-2), 2)
}

// renderCard writes one fact card.
func renderCard(w io.Writer, card facts.Card) {
	title := headingStyle.Render(card.Title)
	if card.Category != "" {
		title += mutedStyle.Render(" [" + card.Category + "]")
	}
	_, _ = fmt.Fprintln(w, title)
	_, _ = fmt.Fprintln(w, wrapIndented(card.Body))
}

// progressView draws a run's progress as a bar on w.
type progressView struct {
	bar *progressbar.ProgressBar
}

func newProgressView(w io.Writer) *progressView {
	return &progressView{bar: progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionClearOnFinish(),
	)}
}

// update renders s. It is called from the runner's change callback.
func (v *progressView) update(s client.State) {
	v.bar.Describe(describe(s))
	_ = v.bar.Set(s.Progress)
	if s.Status.IsTerminal() {
		_ = v.bar.Finish()
	}
}

func describe(s client.State) string {
	switch s.Status {
	case client.StatusChecking:
		return "Connecting"
	case client.StatusRunning:
		for _, step := range s.Steps {
			if step.Status == jobs.StepRunning {
				return step.Label
			}
		}
		if s.Disconnected {
			return "Disconnected"
		}
		return "Running"
	default:
		return strings.ToUpper(string(s.Status[:1])) + string(s.Status[1:])
	}
}
