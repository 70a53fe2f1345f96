package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/intelboard/internal/client"
	"github.com/intelboard/intelboard/internal/refresh/api"
	"github.com/intelboard/intelboard/internal/refresh/api/router"
	"github.com/intelboard/intelboard/internal/refresh/facts"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/pipeline"
	"github.com/intelboard/intelboard/internal/refresh/service"
	"github.com/intelboard/intelboard/internal/refresh/stream"
)

// newServer runs the refresh API with a two-step "demo" job type. When gate
// is non-nil the second step waits for it.
func newServer(t *testing.T, gate chan struct{}) *client.Client {
	t.Helper()

	reg := pipeline.NewRegistry()
	reg.MustRegister(pipeline.New("demo", "Demo refresh",
		func(_ context.Context, target pipeline.Target) (string, error) {
			if target.LocationID == "nowhere" {
				return "", errors.New("location has no website configured")
			}
			return target.LocationID, nil
		},
		pipeline.Step[string]{Name: "fetch", Run: func(context.Context, string) (*jobs.Preview, error) {
			return jobs.CountPreview("fetched", 3), nil
		}},
		pipeline.Step[string]{Name: "save", Run: func(ctx context.Context, _ string) (*jobs.Preview, error) {
			if gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, nil
		}},
	))

	store := jobs.NewMemoryStore()
	svc := service.New(store, reg, pipeline.NewRunner(store), stream.NewHub(),
		service.Config{RedirectBase: "/locations"}, nil)

	deck, err := facts.DefaultDeck()
	require.NoError(t, err)
	streamer := facts.NewStreamer(facts.NewGenerator(deck, facts.NewIDGenerator("fact")),
		func(string) string { return "Trattoria Roma" }, 5*time.Millisecond, 2, nil)

	srv := api.NewServer(":0", router.Options{Service: svc, Streamer: streamer})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		if gate != nil {
			select {
			case <-gate:
			default:
				close(gate)
			}
		}
		_ = svc.Shutdown(context.Background())
		ts.Close()
	})
	return client.NewClient(ts.URL+"/v0", "")
}

func TestClient_RunnerAgainstServer(t *testing.T) {
	c := newServer(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	r := client.NewJobRunner(c)
	require.NoError(t, r.Start(ctx, client.StartParams{OrganizationID: "org-1", LocationID: "loc-1", JobType: "demo"}))
	state := wait(t, r)

	require.Equal(t, client.StatusComplete, state.Status, state.Error)
	assert.Equal(t, "/locations/loc-1", state.RedirectURL)
	assert.Equal(t, []string{"Fetch: 3 fetched"}, state.Summaries)

	view, err := c.GetJob(ctx, state.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusCompleted, view.Job.Status)
	assert.Equal(t, 100, view.Progress)

	recent, err := c.ListRecent(ctx, "org-1", client.ListOptions{Within: time.Hour})
	require.NoError(t, err)
	require.Len(t, recent, 1)

	// Reconnecting to a finished job replays it.
	require.NoError(t, r.Reconnect(ctx, state.JobID))
	assert.Equal(t, client.StatusComplete, wait(t, r).Status)

	types, err := c.JobTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "demo", types[0].Name)
}

func TestClient_DuplicateAndResumeExisting(t *testing.T) {
	gate := make(chan struct{})
	c := newServer(t, gate)
	ctx := context.Background()

	started, err := c.StartJob(ctx, client.StartRequest{OrganizationID: "org-1", LocationID: "loc-1", JobType: "demo"})
	require.NoError(t, err)

	_, err = c.StartJob(ctx, client.StartRequest{OrganizationID: "org-1", LocationID: "loc-1", JobType: "demo"})
	require.True(t, client.IsConflict(err))
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, string(started.JobID), apiErr.JobID)

	active, err := c.ListActive(ctx, "org-1", client.ListOptions{LocationID: "loc-1"})
	require.NoError(t, err)
	require.Len(t, active, 1)

	r := client.NewJobRunner(c)
	require.NoError(t, r.Start(ctx, client.StartParams{
		OrganizationID: "org-1", LocationID: "loc-1", JobType: "demo", ResumeExisting: true,
	}))
	assert.Eventually(t, func() bool { return r.State().Status == client.StatusRunning }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, started.JobID, r.State().JobID)

	close(gate)
	assert.Equal(t, client.StatusComplete, wait(t, r).Status)
}

func TestClient_ErrorResponses(t *testing.T) {
	c := newServer(t, nil)
	ctx := context.Background()

	_, err := c.GetJob(ctx, jobs.NewJobID())
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	r := client.NewJobRunner(c)
	err = r.Start(ctx, client.StartParams{OrganizationID: "org-1", LocationID: "nowhere", JobType: "demo"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	state := wait(t, r)
	assert.Equal(t, client.StatusFailed, state.Status)
	assert.Contains(t, state.Error, "location has no website configured")
}

func TestClient_FactStreamIsIndependent(t *testing.T) {
	c := newServer(t, nil)
	ctx := context.Background()

	r := client.NewJobRunner(c)
	fs, err := c.OpenFacts(ctx, "loc-1")
	require.NoError(t, err)

	var cards []facts.Card
	for card := range fs.Cards() {
		cards = append(cards, card)
	}
	require.Len(t, cards, 2)
	assert.Equal(t, "loc-1", cards[0].LocationID)
	assert.NotEqual(t, cards[0].ID, cards[1].ID)
	assert.NoError(t, fs.Err())
	assert.NoError(t, fs.Close())

	assert.Equal(t, client.StatusIdle, r.State().Status)
}

func TestClient_FactsURL(t *testing.T) {
	u, err := client.NewClient("https://api.example.com/v0", "").FactsURL("loc 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/v0/locations/loc%201/facts/ws", u)
}
