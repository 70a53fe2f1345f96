package service

import (
	"context"
	"time"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/stream"
)

// Resume attaches to a job's event stream. Jobs started by this process are
// replayed from the hub. Other jobs are rebuilt from the store and, while
// still running, followed by polling until they finish or ctx ends.
func (s *Service) Resume(ctx context.Context, id jobs.JobID) (*stream.Subscription, error) {
	if sub, ok := s.hub.Subscribe(id); ok {
		return sub, nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	topic := stream.NewTopic(id)
	seen := replayJob(topic, job)
	if job.IsTerminal() {
		return topic.Subscribe(), nil
	}

	go s.follow(ctx, topic, seen)
	return topic.Subscribe(), nil
}

// replayJob writes the events a subscriber would have seen so far and
// returns the step list they describe.
func replayJob(topic *stream.Topic, job *jobs.Job) []jobs.Step {
	_ = topic.Send(stream.EventInit, stream.InitPayload{JobID: job.ID, Steps: jobs.QueuedSteps(specsOf(job))})
	seen := jobs.QueuedSteps(specsOf(job))
	emitChanges(topic, job, seen)
	if job.IsTerminal() {
		finish(topic, job)
	}
	return seen
}

// emitChanges sends a step event for every step whose status differs from
// seen, then updates seen. A step seen as queued that is already terminal
// gets its running event first, so every step still reports running before
// its terminal status.
func emitChanges(topic *stream.Topic, job *jobs.Job, seen []jobs.Step) {
	done := 0
	for i, step := range job.Steps {
		if i >= len(seen) || step.Status == seen[i].Status {
			if step.Status.IsTerminal() {
				done++
			}
			continue
		}
		if seen[i].Status == jobs.StepQueued && step.Status.IsTerminal() {
			running := step.Clone()
			running.Status = jobs.StepRunning
			running.Preview = nil
			running.Error = ""
			running.CompletedAt = nil
			_ = topic.Send(stream.EventStep, stream.StepPayload{
				JobID:     job.ID,
				StepIndex: i,
				Step:      running,
				Progress:  jobs.Progress(done, job.TotalSteps),
			})
		}
		if step.Status.IsTerminal() {
			done++
		}
		seen[i] = step.Clone()
		_ = topic.Send(stream.EventStep, stream.StepPayload{
			JobID:     job.ID,
			StepIndex: i,
			Step:      step,
			Progress:  jobs.Progress(done, job.TotalSteps),
		})
	}
}

func finish(topic *stream.Topic, job *jobs.Job) {
	payload := stream.DonePayload{JobID: job.ID, Status: job.Status, Warnings: []string{}}
	if job.Result != nil {
		payload.Warnings = append(payload.Warnings, job.Result.Warnings...)
		payload.RedirectURL = job.Result.RedirectURL
	}
	_ = topic.Send(stream.EventDone, payload)
	_ = topic.Close()
}

func (s *Service) follow(ctx context.Context, topic *stream.Topic, seen []jobs.Step) {
	id := topic.JobID()
	ticker := time.NewTicker(s.cfg.ResumePollInterval)
	defer ticker.Stop()
	defer func() { _ = topic.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err := s.store.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Str("job_id", string(id)).Msg("Failed to poll job for resume")
			_ = topic.Send(stream.EventError, stream.ErrorPayload{Error: "job state unavailable"})
			return
		}
		emitChanges(topic, job, seen)
		if job.IsTerminal() {
			finish(topic, job)
			return
		}
	}
}

func specsOf(job *jobs.Job) []jobs.StepSpec {
	specs := make([]jobs.StepSpec, len(job.Steps))
	for i, s := range job.Steps {
		specs[i] = jobs.StepSpec{Name: s.Name, Label: s.Label}
	}
	return specs
}
