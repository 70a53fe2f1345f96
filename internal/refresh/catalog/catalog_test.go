package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/intelboard/internal/refresh/catalog"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/pipeline"
)

const locationsYAML = `
locations:
  - id: loc-1
    organization_id: org-1
    name: Trattoria Roma
    website: https://trattoria.example.com
    place_id: place-123
    latitude: 41.9
    longitude: 12.5
    schedule: "0 6 * * *"
  - id: loc-2
    organization_id: org-1
    name: Food Truck
`

func float(v float64) *float64 { return &v }

// fakeFetcher returns canned items per signal.
type fakeFetcher struct {
	mu    sync.Mutex
	items map[string][]catalog.Item
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, signal string, _ catalog.Location) ([]catalog.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, signal)
	if err := f.errs[signal]; err != nil {
		return nil, err
	}
	return f.items[signal], nil
}

func TestParseLocations(t *testing.T) {
	dir, err := catalog.ParseLocations([]byte(locationsYAML))
	require.NoError(t, err)

	loc, err := dir.Get(catalog.Target{OrganizationID: "org-1", LocationID: "loc-1"})
	require.NoError(t, err)
	assert.Equal(t, "Trattoria Roma", loc.Name)
	assert.True(t, loc.HasCoordinates())
	assert.Equal(t, catalog.FullRefresh, loc.JobType, "scheduled locations default to a full refresh")

	truck, err := dir.Get(catalog.Target{OrganizationID: "org-1", LocationID: "loc-2"})
	require.NoError(t, err)
	assert.Empty(t, truck.JobType)

	_, err = dir.Get(catalog.Target{OrganizationID: "org-2", LocationID: "loc-1"})
	assert.ErrorIs(t, err, catalog.ErrLocationNotFound)

	assert.Len(t, dir.All(), 2)
	assert.Equal(t, "Food Truck", dir.Name("loc-2"))
	assert.Equal(t, "loc-9", dir.Name("loc-9"))
}

func TestParseLocations_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing name":     "locations:\n  - id: a\n    organization_id: o\n",
		"bad website":      "locations:\n  - id: a\n    organization_id: o\n    name: n\n    website: not-a-url\n",
		"bad latitude":     "locations:\n  - id: a\n    organization_id: o\n    name: n\n    latitude: 123\n",
		"bad schedule":     "locations:\n  - id: a\n    organization_id: o\n    name: n\n    schedule: every day\n",
		"duplicate":        "locations:\n  - {id: a, organization_id: o, name: n}\n  - {id: a, organization_id: o, name: m}\n",
		"not yaml mapping": "locations: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := catalog.ParseLocations([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadLocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(locationsYAML), 0o600))

	dir, err := catalog.LoadLocations(path)
	require.NoError(t, err)
	assert.Len(t, dir.All(), 2)

	_, err = catalog.LoadLocations(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestProviderClient_Fetch(t *testing.T) {
	var gotPath, gotKey, gotLocation, gotLat string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		gotLocation = r.URL.Query().Get("location")
		gotLat = r.URL.Query().Get("lat")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []catalog.Item{{Key: "pizza near me", Title: "pizza near me", Value: 3}},
		})
	}))
	defer server.Close()

	client := catalog.NewProviderClient(catalog.ProviderConfig{
		BaseURL: server.URL + "/", APIKey: "secret", Timeout: time.Second, RatePerSecond: 100, Burst: 1,
	})
	items, err := client.Fetch(context.Background(), "seo", catalog.Location{ID: "loc-1", Latitude: float(41.9), Longitude: float(12.5)})
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, 3.0, items[0].Value)
	assert.Equal(t, "/v1/seo", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "loc-1", gotLocation)
	assert.Equal(t, "41.9", gotLat)
}

func TestProviderClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := catalog.NewProviderClient(catalog.ProviderConfig{BaseURL: server.URL})
	_, err := client.Fetch(context.Background(), "menus", catalog.Location{ID: "loc-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestProviderClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	client := catalog.NewProviderClient(catalog.ProviderConfig{BaseURL: server.URL, Timeout: 20 * time.Millisecond})
	_, err := client.Fetch(context.Background(), "events", catalog.Location{ID: "loc-1"})
	assert.Error(t, err)
}

func TestNormalizeAndCompare(t *testing.T) {
	items := catalog.Normalize([]catalog.Item{
		{Key: " Pizza ", Value: 1},
		{Key: "", Value: 9},
		{Key: "pasta", Title: "Pasta", Value: 2},
		{Key: "PIZZA", Value: 4},
	})
	require.Len(t, items, 2)
	assert.Equal(t, "pasta", items[0].Key)
	assert.Equal(t, "pizza", items[1].Key)
	assert.Equal(t, 4.0, items[1].Value, "last duplicate wins")

	diff := catalog.Compare(
		[]catalog.Item{{Key: "pizza", Value: 1}, {Key: "salad", Value: 1}},
		items,
	)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "pasta", diff.Added[0].Key)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "salad", diff.Removed[0].Key)
	require.Len(t, diff.Changed, 1)
	assert.Equal(t, 1.0, diff.Changed[0].Previous)
}

func TestInsights(t *testing.T) {
	sig := catalog.Signals[0]
	first := catalog.Insights(sig, true, catalog.Diff{Added: make([]catalog.Item, 3)})
	assert.Equal(t, []string{"Search rankings: started tracking 3 keywords"}, first)

	none := catalog.Insights(sig, false, catalog.Diff{})
	assert.Equal(t, []string{"Search rankings: no changes since the last refresh"}, none)

	changed := catalog.Insights(sig, false, catalog.Diff{
		Changed: []catalog.Change{{Item: catalog.Item{Title: "pizza near me", Value: 2}, Previous: 5}},
	})
	assert.Equal(t, []string{"Search rankings: pizza near me moved from 5 to 2"}, changed)
}

func newDeps(t *testing.T, fetcher catalog.Fetcher) (catalog.Deps, *catalog.MemorySnapshotStore) {
	t.Helper()
	dir, err := catalog.ParseLocations([]byte(locationsYAML))
	require.NoError(t, err)
	snaps := catalog.NewMemorySnapshotStore()
	return catalog.Deps{Locations: dir, Provider: fetcher, Snapshots: snaps}, snaps
}

func TestSignalPipeline_RunsAndRecordsHistory(t *testing.T) {
	fetcher := &fakeFetcher{items: map[string][]catalog.Item{
		catalog.SignalSEO: {{Key: "pizza near me", Value: 5}, {Key: "best pasta", Value: 8}},
	}}
	deps, snaps := newDeps(t, fetcher)
	reg := pipeline.NewRegistry()
	require.NoError(t, catalog.RegisterDefaults(reg, deps))

	target := catalog.Target{OrganizationID: "org-1", LocationID: "loc-1"}
	runner := pipeline.NewRunner(nil)

	plan, err := reg.Plan(context.Background(), "seo", target)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch_seo", "normalize", "diff_history", "save_snapshot", "generate_insights"},
		[]string{plan.Tasks[0].Name, plan.Tasks[1].Name, plan.Tasks[2].Name, plan.Tasks[3].Name, plan.Tasks[4].Name})

	res, err := runner.Run(context.Background(), pipeline.RunParams{JobID: "job-1", Tasks: plan.Tasks})
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusCompleted, res.Status)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 2, res.StepResults[0].Counts["fetched"])
	assert.Equal(t, 2, res.StepResults[2].Counts["added"])

	key := catalog.SnapshotKey{OrganizationID: "org-1", LocationID: "loc-1", Signal: "seo"}
	snap, err := snaps.Latest(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Items, 2)
	assert.Equal(t, []string{"Search rankings: started tracking 2 keywords"}, snap.Insights)

	// A second run diffs against the saved snapshot.
	fetcher.items[catalog.SignalSEO] = []catalog.Item{{Key: "pizza near me", Value: 3}}
	plan, err = reg.Plan(context.Background(), "seo", target)
	require.NoError(t, err)
	res, err = runner.Run(context.Background(), pipeline.RunParams{JobID: "job-2", Tasks: plan.Tasks})
	require.NoError(t, err)
	assert.Equal(t, 1, res.StepResults[2].Counts["removed"])
	assert.Equal(t, 1, res.StepResults[2].Counts["changed"])
}

func TestSignalPipeline_FetchFailureCascades(t *testing.T) {
	fetcher := &fakeFetcher{errs: map[string]error{catalog.SignalWeather: errors.New("provider down")}}
	deps, snaps := newDeps(t, fetcher)
	reg := pipeline.NewRegistry()
	require.NoError(t, catalog.RegisterDefaults(reg, deps))

	plan, err := reg.Plan(context.Background(), "weather", catalog.Target{OrganizationID: "org-1", LocationID: "loc-1"})
	require.NoError(t, err)
	res, err := pipeline.NewRunner(nil).Run(context.Background(), pipeline.RunParams{JobID: "job", Tasks: plan.Tasks})
	require.NoError(t, err)

	assert.Equal(t, jobs.JobStatusFailed, res.Status)
	assert.Equal(t, "Fetch weather outlook: provider down", res.Warnings[0])

	snap, err := snaps.Latest(context.Background(), catalog.SnapshotKey{OrganizationID: "org-1", LocationID: "loc-1", Signal: "weather"})
	require.NoError(t, err)
	assert.Nil(t, snap, "history is not overwritten after a failed fetch")
}

func TestSignalPipeline_ContextRequirements(t *testing.T) {
	deps, _ := newDeps(t, &fakeFetcher{})
	reg := pipeline.NewRegistry()
	require.NoError(t, catalog.RegisterDefaults(reg, deps))
	truck := catalog.Target{OrganizationID: "org-1", LocationID: "loc-2"}

	for _, jobType := range []string{"seo", "menus", "events", "photos", "weather", "foot_traffic"} {
		_, err := reg.Plan(context.Background(), jobType, truck)
		assert.ErrorIs(t, err, pipeline.ErrContextUnavailable, jobType)
	}

	_, err := reg.Plan(context.Background(), "seo", catalog.Target{OrganizationID: "org-1", LocationID: "nope"})
	assert.ErrorIs(t, err, catalog.ErrLocationNotFound)
}

func TestFullRefresh_SkipsUnavailableSignals(t *testing.T) {
	fetcher := &fakeFetcher{items: map[string][]catalog.Item{}}
	deps, _ := newDeps(t, fetcher)
	deps.Locations.Put(catalog.Location{
		ID: "loc-3", OrganizationID: "org-1", Name: "Cafe", PlaceID: "place-9",
	})
	reg := pipeline.NewRegistry()
	require.NoError(t, catalog.RegisterDefaults(reg, deps))

	plan, err := reg.Plan(context.Background(), catalog.FullRefresh, catalog.Target{OrganizationID: "org-1", LocationID: "loc-3"})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, len(catalog.Signals))

	res, err := pipeline.NewRunner(nil).Run(context.Background(), pipeline.RunParams{JobID: "job", Tasks: plan.Tasks})
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusCompleted, res.Status)

	skipped := map[string]bool{}
	for _, preview := range res.StepResults {
		require.NotNil(t, preview)
		require.NotNil(t, preview.Pipeline)
		skipped[preview.Pipeline.Pipeline] = preview.Pipeline.Skipped
	}
	assert.True(t, skipped["seo"])
	assert.True(t, skipped["weather"])
	assert.False(t, skipped["photos"])
	assert.False(t, skipped["foot_traffic"])
	assert.ElementsMatch(t, []string{"photos", "foot_traffic"}, fetcher.calls)
}

func TestRegisterDefaults_RequiresDeps(t *testing.T) {
	assert.Error(t, catalog.RegisterDefaults(pipeline.NewRegistry(), catalog.Deps{}))
}
