// Package pipeline runs ordered lists of fallible steps against a shared,
// job-type specific context and reports their progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

var (
	// ErrUnknownJobType is returned when no pipeline is registered for a job type.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrContextUnavailable is returned when a pipeline's context cannot be built.
	ErrContextUnavailable = errors.New("pipeline context unavailable")
)

// NoTimeout disables the runner's per-step timeout for a step.
const NoTimeout time.Duration = -1

// Target identifies what a job runs against.
type Target struct {
	OrganizationID string `json:"organizationId"`
	LocationID     string `json:"locationId"`
}

// Step is one named unit of work operating on a context of type C.
// Steps may mutate C to hand data to later steps.
type Step[C any] struct {
	Name    string
	Label   string
	Timeout time.Duration // zero uses the runner default
	Run     func(ctx context.Context, c C) (*jobs.Preview, error)
}

// ContextBuilder creates the shared context once, before the first step.
type ContextBuilder[C any] func(ctx context.Context, target Target) (C, error)

// Definition is a job type: it knows its steps and how to bind them to a target.
type Definition interface {
	Name() string
	Label() string
	Specs() []jobs.StepSpec
	Plan(ctx context.Context, target Target) (*Plan, error)
}

// Pipeline pairs a context builder with its ordered steps.
type Pipeline[C any] struct {
	name  string
	label string
	build ContextBuilder[C]
	steps []Step[C]
}

var _ Definition = (*Pipeline[struct{}])(nil)

// New creates a pipeline. Steps without a label get one derived from their name.
func New[C any](name, label string, build ContextBuilder[C], steps ...Step[C]) *Pipeline[C] {
	if label == "" {
		label = DefaultLabel(name)
	}
	for i := range steps {
		if steps[i].Label == "" {
			steps[i].Label = DefaultLabel(steps[i].Name)
		}
	}
	return &Pipeline[C]{name: name, label: label, build: build, steps: steps}
}

func (p *Pipeline[C]) Name() string  { return p.name }
func (p *Pipeline[C]) Label() string { return p.label }

// Specs lists the step names and labels in order.
func (p *Pipeline[C]) Specs() []jobs.StepSpec {
	specs := make([]jobs.StepSpec, len(p.steps))
	for i, s := range p.steps {
		specs[i] = jobs.StepSpec{Name: s.Name, Label: s.Label}
	}
	return specs
}

// Plan builds the context for target and binds every step to it.
func (p *Pipeline[C]) Plan(ctx context.Context, target Target) (*Plan, error) {
	c, err := p.build(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrContextUnavailable, p.name, err)
	}
	return &Plan{JobType: p.name, Label: p.label, Tasks: Bind(c, p.steps)}, nil
}

// Task is a step bound to its context.
type Task struct {
	Name    string
	Label   string
	Timeout time.Duration
	Run     func(ctx context.Context) (*jobs.Preview, error)
}

// Plan is a ready-to-run list of tasks for one job.
type Plan struct {
	JobType string
	Label   string
	Tasks   []Task
}

// Specs lists the task names and labels in order.
func (p *Plan) Specs() []jobs.StepSpec {
	specs := make([]jobs.StepSpec, len(p.Tasks))
	for i, t := range p.Tasks {
		specs[i] = jobs.StepSpec{Name: t.Name, Label: t.Label}
	}
	return specs
}

// Bind hands c to the steps. At most one step holds the context at a time;
// a step that outlives its timeout keeps it until it returns, and the next
// step waits for it or for its own deadline.
func Bind[C any](c C, steps []Step[C]) []Task {
	owner := make(chan struct{}, 1)
	tasks := make([]Task, len(steps))
	for i, s := range steps {
		tasks[i] = Task{
			Name:    s.Name,
			Label:   s.Label,
			Timeout: s.Timeout,
			Run: func(ctx context.Context) (*jobs.Preview, error) {
				select {
				case owner <- struct{}{}:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				defer func() { <-owner }()
				return s.Run(ctx, c)
			},
		}
	}
	return tasks
}

// DefaultLabel turns a snake_case name into a title-cased label.
func DefaultLabel(name string) string {
	words := strings.ReplaceAll(name, "_", " ")
	return cases.Title(language.English).String(words)
}
