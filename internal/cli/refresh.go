package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/intelboard/intelboard/internal/cli/tui"
	"github.com/intelboard/intelboard/internal/client"
	"github.com/intelboard/intelboard/internal/refresh/facts"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/pkg/printer"
)

var (
	refreshOrg      string
	refreshLocation string
	refreshType     string
	refreshDryRun   bool
	refreshResume   bool

	followFacts       bool
	followReconnect   bool
	followQuiet       bool
	followInteractive bool
	followOutput      string
)

var RefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a refresh job and follow its progress",
	Long: `Start a refresh job for a location and follow it until it finishes.

With --resume a job already running for the same location and type is
followed instead of starting a duplicate.`,
	Example: `  ibctl refresh --org org-1 --location loc-1
  ibctl refresh --org org-1 --location loc-1 --type seo --dry-run`,
	Args: cobra.NoArgs,
	RunE: runRefresh,
}

var WatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a running or finished job",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	RefreshCmd.Flags().StringVar(&refreshOrg, "org", "", "Organization id")
	RefreshCmd.Flags().StringVar(&refreshLocation, "location", "", "Location id")
	RefreshCmd.Flags().StringVarP(&refreshType, "type", "t", "full_refresh", "Job type (see ibctl job-types)")
	RefreshCmd.Flags().BoolVar(&refreshDryRun, "dry-run", false, "Run without recording the job")
	RefreshCmd.Flags().BoolVar(&refreshResume, "resume", true, "Follow a job already running for the location instead of starting another")
	_ = RefreshCmd.MarkFlagRequired("org")
	_ = RefreshCmd.MarkFlagRequired("location")

	for _, cmd := range []*cobra.Command{RefreshCmd, WatchCmd} {
		cmd.Flags().BoolVar(&followFacts, "facts", false, "Show fact cards about the location while waiting")
		cmd.Flags().BoolVar(&followReconnect, "reconnect", true, "Re-attach once if the connection drops")
		cmd.Flags().BoolVarP(&followQuiet, "quiet", "q", false, "Hide the progress bar")
		cmd.Flags().BoolVarP(&followInteractive, "interactive", "i", false, "Follow the job in a full-screen view")
		cmd.Flags().StringVarP(&followOutput, "output", "o", "", "Print the final state as json or yaml")
	}
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	if err := requireClient(); err != nil {
		return err
	}
	params := client.StartParams{
		OrganizationID: refreshOrg,
		LocationID:     refreshLocation,
		JobType:        refreshType,
		DryRun:         refreshDryRun,
		ResumeExisting: refreshResume,
	}
	return follow(cmd, refreshLocation, "Refreshing "+refreshLocation, func(ctx context.Context, r *client.JobRunner) error {
		return r.Start(ctx, params)
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := requireClient(); err != nil {
		return err
	}
	id := jobs.JobID(args[0])
	location := ""
	if followFacts {
		view, err := apiClient.GetJob(commandContext(cmd), id)
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		location = view.Job.LocationID
	}
	return follow(cmd, location, "Watching "+string(id), func(ctx context.Context, r *client.JobRunner) error {
		return r.Reconnect(ctx, id)
	})
}

// follow runs begin on a new JobRunner and renders the run until it
// finishes or the user interrupts.
func follow(cmd *cobra.Command, locationID, title string, begin func(context.Context, *client.JobRunner) error) error {
	ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt)
	defer cancel()

	if followInteractive && followOutput == "" {
		return followInteractively(ctx, cancel, cmd, locationID, title, begin)
	}

	out := cmd.OutOrStdout()
	var opts []client.RunnerOption
	if !followQuiet && followOutput == "" {
		view := newProgressView(cmd.ErrOrStderr())
		opts = append(opts, client.WithOnChange(view.update))
	}
	if followReconnect {
		opts = append(opts, client.WithAutoReconnect())
	}
	runner := client.NewJobRunner(apiClient, opts...)

	stopFacts := startFacts(ctx, out, locationID, func(card facts.Card) { renderCard(out, card) })
	err := begin(ctx, runner)
	if err == nil {
		select {
		case <-runner.Done():
		case <-ctx.Done():
		}
	}
	stopFacts()

	state := runner.State()
	if followOutput != "" && followOutput != string(printer.OutputTypeTable) {
		p, perr := newPrinter(cmd, followOutput)
		if perr != nil {
			return perr
		}
		if perr := p.Print(state, func(t *printer.TablePrinter) {}); perr != nil {
			return perr
		}
	} else {
		renderResult(out, state)
	}
	return finish(cmd, err, ctx.Err() != nil, state)
}

// followInteractively drives a bubbletea program from the runner's state
// changes and the fact stream.
func followInteractively(ctx context.Context, cancel context.CancelFunc, cmd *cobra.Command, locationID, title string, begin func(context.Context, *client.JobRunner) error) error {
	out := cmd.OutOrStdout()
	view := tui.NewFollowView(title)
	program := tea.NewProgram(view,
		tea.WithContext(ctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(out),
	)

	opts := []client.RunnerOption{client.WithOnChange(func(s client.State) { program.Send(tui.StateMsg(s)) })}
	if followReconnect {
		opts = append(opts, client.WithAutoReconnect())
	}
	runner := client.NewJobRunner(apiClient, opts...)

	ran := make(chan error, 1)
	go func() {
		_, err := program.Run()
		ran <- err
	}()

	stopFacts := startFacts(ctx, out, locationID, func(card facts.Card) { program.Send(tui.CardMsg(card)) })
	err := begin(ctx, runner)
	if err != nil {
		program.Send(tui.StateMsg(runner.State()))
	}
	if runErr := <-ran; runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		err = errors.Join(err, fmt.Errorf("failed to run TUI: %w", runErr))
	}
	if view.Interrupted() {
		cancel()
	}
	stopFacts()

	state := runner.State()
	renderResult(out, state)
	return finish(cmd, err, ctx.Err() != nil, state)
}

func finish(cmd *cobra.Command, err error, stopped bool, state client.State) error {
	switch {
	case err != nil:
		return err
	case stopped && !state.Status.IsTerminal():
		if state.JobID != "" {
			printer.PrintWarning(cmd.ErrOrStderr(), fmt.Sprintf("stopped following, job %s keeps running on the server", state.JobID))
		}
		return nil
	case state.Status == client.StatusFailed:
		return fmt.Errorf("job %s failed", state.JobID)
	default:
		return nil
	}
}

// startFacts passes fact cards for locationID to sink until the returned stop
// function is called. Fact stream errors are reported and otherwise ignored.
func startFacts(ctx context.Context, out io.Writer, locationID string, sink func(facts.Card)) func() {
	if !followFacts || locationID == "" {
		return func() {}
	}
	fs, err := apiClient.OpenFacts(ctx, locationID)
	if err != nil {
		printer.PrintWarning(out, fmt.Sprintf("fact stream unavailable: %v", err))
		return func() {}
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for card := range fs.Cards() {
			sink(card)
		}
	}()
	return func() {
		_ = fs.Close()
		wg.Wait()
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
