package pipeline

import (
	"context"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

// Supervisor builds a pipeline whose steps each run a whole sub-pipeline.
// A sub-pipeline whose context cannot be built is reported as skipped, and
// its step still completes, so one unavailable signal never fails the rest.
func Supervisor(name, label string, subs ...Definition) *Pipeline[Target] {
	steps := make([]Step[Target], len(subs))
	for i, sub := range subs {
		steps[i] = Step[Target]{
			Name:    sub.Name(),
			Label:   sub.Label(),
			Timeout: NoTimeout,
			Run: func(ctx context.Context, target Target) (*jobs.Preview, error) {
				return runSubPipeline(ctx, sub, target), nil
			},
		}
	}
	build := func(_ context.Context, target Target) (Target, error) {
		return target, nil
	}
	return New(name, label, build, steps...)
}

func runSubPipeline(ctx context.Context, sub Definition, target Target) *jobs.Preview {
	plan, err := sub.Plan(ctx, target)
	if err != nil {
		return &jobs.Preview{Pipeline: &jobs.PipelineSummary{
			Pipeline: sub.Name(),
			Skipped:  true,
			Reason:   rootCause(err),
		}}
	}

	res := RunnerFrom(ctx).RunLocal(ctx, plan.Tasks)
	summary := &jobs.PipelineSummary{
		Pipeline:   sub.Name(),
		TotalSteps: len(plan.Tasks),
		Completed:  res.Completed(),
		Failed:     res.Failed(),
	}
	if len(res.Warnings) > 0 {
		summary.Warnings = res.Warnings
	}
	return &jobs.Preview{Pipeline: summary}
}

// rootCause returns the innermost error message of a wrapped chain.
func rootCause(err error) string {
	for {
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			if len(errs) == 0 {
				return err.Error()
			}
			err = errs[len(errs)-1]
		case interface{ Unwrap() error }:
			next := u.Unwrap()
			if next == nil {
				return err.Error()
			}
			err = next
		default:
			return err.Error()
		}
	}
}
