package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/pipeline"
)

// Job types.
const (
	SignalSEO         = "seo"
	SignalMenus       = "menus"
	SignalEvents      = "events"
	SignalPhotos      = "photos"
	SignalWeather     = "weather"
	SignalFootTraffic = "foot_traffic"

	FullRefresh = "full_refresh"
)

// Signal describes one competitive-intelligence data source.
type Signal struct {
	Name  string
	Label string
	// Noun names the items in insights, e.g. "keywords".
	Noun string
	// Requires reports why a location cannot provide the signal, or nil.
	Requires func(loc Location) error
}

var (
	errNoWebsite     = errors.New("location has no website configured")
	errNoMenu        = errors.New("location has no website or menu url configured")
	errNoCoordinates = errors.New("location has no coordinates configured")
	errNoPlaceID     = errors.New("location has no place id configured")
)

// Signals lists every signal in full-refresh order.
var Signals = []Signal{
	{Name: SignalSEO, Label: "Search rankings", Noun: "keywords", Requires: func(l Location) error {
		if l.Website == "" {
			return errNoWebsite
		}
		return nil
	}},
	{Name: SignalMenus, Label: "Competitor menus", Noun: "menu items", Requires: func(l Location) error {
		if l.Website == "" && l.MenuURL == "" {
			return errNoMenu
		}
		return nil
	}},
	{Name: SignalEvents, Label: "Local events", Noun: "events", Requires: requireCoordinates},
	{Name: SignalPhotos, Label: "Listing photos", Noun: "photos", Requires: requirePlaceID},
	{Name: SignalWeather, Label: "Weather outlook", Noun: "forecast periods", Requires: requireCoordinates},
	{Name: SignalFootTraffic, Label: "Foot traffic", Noun: "hourly readings", Requires: requirePlaceID},
}

func requireCoordinates(l Location) error {
	if !l.HasCoordinates() {
		return errNoCoordinates
	}
	return nil
}

func requirePlaceID(l Location) error {
	if l.PlaceID == "" {
		return errNoPlaceID
	}
	return nil
}

// Diff is the change between the previous and current snapshot.
type Diff struct {
	Added   []Item
	Removed []Item
	Changed []Change
}

// Change is an item whose value moved.
type Change struct {
	Item     Item
	Previous float64
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// signalRun is the shared context of one signal pipeline run.
type signalRun struct {
	Signal   Signal
	Location Location
	Key      SnapshotKey

	Fetched    bool
	Raw        []Item
	Normalized []Item
	Diffed     bool
	Previous   *Snapshot
	Diff       Diff
	Insights   []string
}

var (
	errNotFetched    = errors.New("no fetched data")
	errNotNormalized = errors.New("no normalized data")
	errNotDiffed     = errors.New("history comparison did not run")
)

// Deps are the collaborators the catalog's steps use.
type Deps struct {
	Locations *Directory
	Provider  Fetcher
	Snapshots SnapshotStore
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// SignalPipeline builds the pipeline for one signal:
// fetch, normalize, diff against history, save, generate insights.
func SignalPipeline(sig Signal, deps Deps) pipeline.Definition {
	build := func(_ context.Context, target Target) (*signalRun, error) {
		loc, err := deps.Locations.Get(target)
		if err != nil {
			return nil, err
		}
		if sig.Requires != nil {
			if err := sig.Requires(loc); err != nil {
				return nil, err
			}
		}
		return &signalRun{
			Signal:   sig,
			Location: loc,
			Key:      SnapshotKey{OrganizationID: loc.OrganizationID, LocationID: loc.ID, Signal: sig.Name},
		}, nil
	}

	return pipeline.New(sig.Name, sig.Label, build,
		pipeline.Step[*signalRun]{
			Name:  "fetch_" + sig.Name,
			Label: "Fetch " + strings.ToLower(sig.Label),
			Run: func(ctx context.Context, r *signalRun) (*jobs.Preview, error) {
				items, err := deps.Provider.Fetch(ctx, sig.Name, r.Location)
				if err != nil {
					return nil, err
				}
				r.Raw = items
				r.Fetched = true
				return jobs.CountPreview("fetched", len(items)), nil
			},
		},
		pipeline.Step[*signalRun]{
			Name:  "normalize",
			Label: "Normalize " + sig.Noun,
			Run: func(_ context.Context, r *signalRun) (*jobs.Preview, error) {
				if !r.Fetched {
					return nil, errNotFetched
				}
				r.Normalized = Normalize(r.Raw)
				return &jobs.Preview{Counts: map[string]int{
					"kept":    len(r.Normalized),
					"dropped": len(r.Raw) - len(r.Normalized),
				}}, nil
			},
		},
		pipeline.Step[*signalRun]{
			Name:  "diff_history",
			Label: "Compare with history",
			Run: func(ctx context.Context, r *signalRun) (*jobs.Preview, error) {
				if r.Normalized == nil {
					return nil, errNotNormalized
				}
				prev, err := deps.Snapshots.Latest(ctx, r.Key)
				if err != nil {
					return nil, fmt.Errorf("load previous snapshot: %w", err)
				}
				r.Previous = prev
				var before []Item
				if prev != nil {
					before = prev.Items
				}
				r.Diff = Compare(before, r.Normalized)
				r.Diffed = true
				return &jobs.Preview{Counts: map[string]int{
					"added":   len(r.Diff.Added),
					"removed": len(r.Diff.Removed),
					"changed": len(r.Diff.Changed),
				}}, nil
			},
		},
		pipeline.Step[*signalRun]{
			Name:  "save_snapshot",
			Label: "Save snapshot",
			Run: func(ctx context.Context, r *signalRun) (*jobs.Preview, error) {
				if r.Normalized == nil {
					return nil, errNotNormalized
				}
				if err := deps.Snapshots.Save(ctx, r.Key, Snapshot{Items: r.Normalized, TakenAt: deps.now()}); err != nil {
					return nil, err
				}
				return jobs.CountPreview("saved", len(r.Normalized)), nil
			},
		},
		pipeline.Step[*signalRun]{
			Name:  "generate_insights",
			Label: "Generate insights",
			Run: func(ctx context.Context, r *signalRun) (*jobs.Preview, error) {
				if !r.Diffed {
					return nil, errNotDiffed
				}
				r.Insights = Insights(sig, r.Previous == nil, r.Diff)
				if err := deps.Snapshots.AttachInsights(ctx, r.Key, r.Insights); err != nil {
					return nil, err
				}
				return jobs.CountPreview("insights", len(r.Insights)), nil
			},
		},
	)
}

// Normalize trims and lower-cases keys, drops items without a key and keeps
// the last occurrence of duplicate keys. The result is sorted by key.
func Normalize(items []Item) []Item {
	byKey := make(map[string]Item, len(items))
	for _, it := range items {
		key := strings.ToLower(strings.TrimSpace(it.Key))
		if key == "" {
			continue
		}
		it.Key = key
		it.Title = strings.TrimSpace(it.Title)
		if it.Title == "" {
			it.Title = key
		}
		byKey[key] = it
	}
	out := make([]Item, 0, len(byKey))
	for _, it := range byKey {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Compare diffs two normalized item lists by key.
func Compare(previous, current []Item) Diff {
	prev := make(map[string]Item, len(previous))
	for _, it := range previous {
		prev[it.Key] = it
	}
	var d Diff
	seen := make(map[string]struct{}, len(current))
	for _, it := range current {
		seen[it.Key] = struct{}{}
		old, ok := prev[it.Key]
		switch {
		case !ok:
			d.Added = append(d.Added, it)
		case old.Value != it.Value:
			d.Changed = append(d.Changed, Change{Item: it, Previous: old.Value})
		}
	}
	for _, it := range previous {
		if _, ok := seen[it.Key]; !ok {
			d.Removed = append(d.Removed, it)
		}
	}
	return d
}

// maxChangeInsights caps per-item insight lines for one signal.
const maxChangeInsights = 5

// Insights turns a diff into short human-readable lines.
func Insights(sig Signal, firstRun bool, d Diff) []string {
	if firstRun {
		return []string{fmt.Sprintf("%s: started tracking %d %s", sig.Label, len(d.Added), sig.Noun)}
	}
	if d.Empty() {
		return []string{fmt.Sprintf("%s: no changes since the last refresh", sig.Label)}
	}
	var out []string
	if n := len(d.Added); n > 0 {
		out = append(out, fmt.Sprintf("%s: %d new %s", sig.Label, n, sig.Noun))
	}
	if n := len(d.Removed); n > 0 {
		out = append(out, fmt.Sprintf("%s: %d %s no longer listed", sig.Label, n, sig.Noun))
	}
	for i, c := range d.Changed {
		if i == maxChangeInsights {
			out = append(out, fmt.Sprintf("%s: %d more changes", sig.Label, len(d.Changed)-i))
			break
		}
		out = append(out, fmt.Sprintf("%s: %s moved from %g to %g", sig.Label, c.Item.Title, c.Previous, c.Item.Value))
	}
	return out
}
