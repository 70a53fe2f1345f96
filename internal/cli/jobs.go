package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/intelboard/intelboard/internal/client"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/pkg/printer"
)

var (
	jobsOrg      string
	jobsLocation string
	jobsType     string
	jobsWithin   time.Duration
	outputFormat string
)

var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect refresh jobs",
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job with its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "List running jobs of an organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJobsList(cmd, apiClient.ListActive)
	},
}

var jobsRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently updated jobs of an organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJobsList(cmd, apiClient.ListRecent)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireClient(); err != nil {
			return err
		}
		if err := apiClient.CancelJob(commandContext(cmd), jobs.JobID(args[0])); err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		printer.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Cancellation requested for job %s", args[0]))
		return nil
	},
}

var JobTypesCmd = &cobra.Command{
	Use:   "job-types",
	Short: "List the job types the server can run",
	Args:  cobra.NoArgs,
	RunE:  runJobTypes,
}

func init() {
	for _, cmd := range []*cobra.Command{jobsActiveCmd, jobsRecentCmd} {
		cmd.Flags().StringVar(&jobsOrg, "org", "", "Organization id")
		cmd.Flags().StringVar(&jobsLocation, "location", "", "Only jobs for this location")
		cmd.Flags().StringVarP(&jobsType, "type", "t", "", "Only jobs of this type")
		_ = cmd.MarkFlagRequired("org")
	}
	jobsRecentCmd.Flags().DurationVar(&jobsWithin, "within", 0, "Trailing window, e.g. 1h (default: server setting)")

	for _, cmd := range []*cobra.Command{jobsGetCmd, jobsActiveCmd, jobsRecentCmd, JobTypesCmd} {
		cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format (table, wide, json, yaml)")
	}

	JobsCmd.AddCommand(jobsGetCmd, jobsActiveCmd, jobsRecentCmd, jobsCancelCmd)
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	if err := requireClient(); err != nil {
		return err
	}
	p, err := newPrinter(cmd, outputFormat)
	if err != nil {
		return err
	}
	view, err := apiClient.GetJob(commandContext(cmd), jobs.JobID(args[0]))
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	return p.Print(view, func(t *printer.TablePrinter) {
		job := view.Job
		t.SetHeaders("#", "Step", "Status", "Error")
		for i, s := range job.Steps {
			t.AddRow(i+1, s.Label, s.Status, printer.EmptyValueOrDefault(s.Error, "-"))
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "%s %s  %s  %s  %s\n",
			headingStyle.Render(string(job.ID)), job.Type, job.LocationID, job.Status,
			printer.FormatProgress(job.FinishedSteps(), job.TotalSteps, view.Progress))
		if job.Result != nil && job.Result.Error != "" {
			_, _ = fmt.Fprintln(out, failStyle.Render(job.Result.Error))
		}
	})
}

func runJobsList(cmd *cobra.Command, list func(ctx context.Context, org string, opts client.ListOptions) ([]client.JobView, error)) error {
	if err := requireClient(); err != nil {
		return err
	}
	p, err := newPrinter(cmd, outputFormat)
	if err != nil {
		return err
	}
	views, err := list(commandContext(cmd), jobsOrg, client.ListOptions{
		LocationID: jobsLocation,
		JobType:    jobsType,
		Within:     jobsWithin,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(views) == 0 && outputFormat == "" {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
		return nil
	}

	return p.Print(views, func(t *printer.TablePrinter) {
		headers := []string{"ID", "Type", "Location", "Status", "Progress", "Age"}
		if t.IsWide() {
			headers = append(headers, "Warnings", "Updated")
		}
		t.SetHeaders(headers...)
		for _, v := range views {
			j := v.Job
			row := []any{j.ID, j.Type, j.LocationID, j.Status,
				printer.FormatProgress(j.FinishedSteps(), j.TotalSteps, v.Progress),
				printer.FormatAge(j.CreatedAt)}
			if t.IsWide() {
				warnings := 0
				if j.Result != nil {
					warnings = len(j.Result.Warnings)
				}
				row = append(row, warnings, printer.FormatTimestamp(j.UpdatedAt))
			}
			t.AddRow(row...)
		}
	})
}

func runJobTypes(cmd *cobra.Command, _ []string) error {
	if err := requireClient(); err != nil {
		return err
	}
	p, err := newPrinter(cmd, outputFormat)
	if err != nil {
		return err
	}
	types, err := apiClient.JobTypes(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to list job types: %w", err)
	}
	return p.Print(types, func(t *printer.TablePrinter) {
		t.SetHeaders("Name", "Label", "Steps")
		for _, info := range types {
			names := make([]string, len(info.Steps))
			for i, s := range info.Steps {
				names[i] = s.Name
			}
			steps := strings.Join(names, ", ")
			if !t.IsWide() {
				steps = printer.TruncateString(steps, 60)
			}
			t.AddRow(info.Name, info.Label, steps)
		}
	})
}
