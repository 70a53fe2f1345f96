//nolint:testpackage
package jobs

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgress(t *testing.T) {
	cases := []struct {
		done, total, want int
	}{
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 8, 13},
		{0, 0, 100},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Progress(tc.done, tc.total), "%d/%d", tc.done, tc.total)
	}
}

func TestStepStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, StepQueued.CanTransitionTo(StepRunning))
	assert.True(t, StepQueued.CanTransitionTo(StepComplete))
	assert.True(t, StepQueued.CanTransitionTo(StepSkipped))
	assert.False(t, StepRunning.CanTransitionTo(StepQueued))
	assert.True(t, StepRunning.CanTransitionTo(StepComplete))
	assert.True(t, StepRunning.CanTransitionTo(StepFailed))
	assert.True(t, StepRunning.CanTransitionTo(StepSkipped))
	assert.False(t, StepComplete.CanTransitionTo(StepRunning))
	assert.False(t, StepSkipped.CanTransitionTo(StepFailed))
	assert.True(t, StepComplete.CanTransitionTo(StepComplete))
}

func TestJobID_IsEphemeral(t *testing.T) {
	assert.True(t, NewEphemeralJobID().IsEphemeral())
	assert.False(t, NewJobID().IsEphemeral())
	assert.True(t, JobID("preview-abc").IsEphemeral())
}

func TestJob_CloneIsDeep(t *testing.T) {
	job := &Job{
		Steps:  []Step{{Name: "a", Preview: CountPreview("n", 1)}},
		Result: &Result{Warnings: []string{"w"}},
	}
	c := job.Clone()
	c.Steps[0].Preview.Counts["n"] = 2
	c.Result.Warnings[0] = "x"

	assert.Equal(t, 1, job.Steps[0].Preview.Counts["n"])
	assert.Equal(t, "w", job.Result.Warnings[0])
}

func TestResult_RedirectLocation(t *testing.T) {
	t.Run("completed without warnings", func(t *testing.T) {
		loc := Result{RedirectURL: "/locations/loc-1"}.RedirectLocation(JobStatusCompleted)
		assert.Equal(t, "/locations/loc-1?refreshed=1", loc)
	})

	t.Run("completed with warnings reports a count", func(t *testing.T) {
		r := Result{RedirectURL: "/locations/loc-1?tab=seo", Warnings: []string{"a", "b"}}
		u, err := url.Parse(r.RedirectLocation(JobStatusCompleted))
		require.NoError(t, err)
		assert.Equal(t, "/locations/loc-1", u.Path)
		assert.Equal(t, "seo", u.Query().Get("tab"))
		assert.Equal(t, "2", u.Query().Get("warnings"))
	})

	t.Run("failed carries encoded error", func(t *testing.T) {
		r := Result{RedirectURL: "/locations/loc-1", Warnings: []string{"a", "b", "c"}}
		u, err := url.Parse(r.RedirectLocation(JobStatusFailed))
		require.NoError(t, err)
		assert.Equal(t, "3 steps failed", u.Query().Get("error"))
		assert.Empty(t, u.Query().Get("refreshed"))
	})

	t.Run("empty target falls back to root", func(t *testing.T) {
		assert.Equal(t, "/?refreshed=1", Result{}.RedirectLocation(JobStatusCompleted))
	})
}
