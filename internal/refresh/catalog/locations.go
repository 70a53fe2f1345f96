// Package catalog defines the refresh job types: one pipeline per
// competitive-intelligence signal plus a full refresh that runs them all.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/intelboard/intelboard/internal/refresh/pipeline"
)

// ErrLocationNotFound is returned when a location is not in the directory.
var ErrLocationNotFound = errors.New("location not found")

// Target identifies the tenant and location a job runs against.
type Target = pipeline.Target

// Location is a business location whose signals are refreshed.
type Location struct {
	ID             string   `yaml:"id" json:"id" validate:"required"`
	OrganizationID string   `yaml:"organization_id" json:"organizationId" validate:"required"`
	Name           string   `yaml:"name" json:"name" validate:"required"`
	Website        string   `yaml:"website,omitempty" json:"website,omitempty" validate:"omitempty,url"`
	MenuURL        string   `yaml:"menu_url,omitempty" json:"menuUrl,omitempty" validate:"omitempty,url"`
	PlaceID        string   `yaml:"place_id,omitempty" json:"placeId,omitempty"`
	Latitude       *float64 `yaml:"latitude,omitempty" json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude      *float64 `yaml:"longitude,omitempty" json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Timezone       string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// Schedule is a standard five-field cron expression for periodic refreshes.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	// JobType is the job type the schedule starts. Defaults to full_refresh.
	JobType string `yaml:"job_type,omitempty" json:"jobType,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are set.
func (l *Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// Target returns the job target for the location.
func (l *Location) Target() Target {
	return Target{OrganizationID: l.OrganizationID, LocationID: l.ID}
}

type locationsFile struct {
	Locations []Location `yaml:"locations" validate:"dive"`
}

// Directory is the set of known locations keyed by organization and id.
type Directory struct {
	mu        sync.RWMutex
	locations map[Target]Location
}

// NewDirectory creates a directory holding locs.
func NewDirectory(locs ...Location) *Directory {
	d := &Directory{locations: make(map[Target]Location, len(locs))}
	for _, l := range locs {
		d.locations[l.Target()] = l
	}
	return d
}

// LoadLocations reads and validates a YAML locations file.
func LoadLocations(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locations file: %w", err)
	}
	return ParseLocations(data)
}

// ParseLocations decodes and validates YAML location data.
func ParseLocations(data []byte) (*Directory, error) {
	var file locationsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse locations: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid locations: %w", err)
	}

	seen := make(map[Target]struct{}, len(file.Locations))
	for i, l := range file.Locations {
		if _, dup := seen[l.Target()]; dup {
			return nil, fmt.Errorf("duplicate location %s/%s", l.OrganizationID, l.ID)
		}
		seen[l.Target()] = struct{}{}
		if l.Schedule != "" {
			if _, err := cron.ParseStandard(l.Schedule); err != nil {
				return nil, fmt.Errorf("location %s: invalid schedule %q: %w", l.ID, l.Schedule, err)
			}
		}
		if l.Schedule != "" && l.JobType == "" {
			file.Locations[i].JobType = FullRefresh
		}
	}
	return NewDirectory(file.Locations...), nil
}

// Get returns the location for target.
func (d *Directory) Get(target Target) (Location, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.locations[target]
	if !ok {
		return Location{}, fmt.Errorf("%w: %s/%s", ErrLocationNotFound, target.OrganizationID, target.LocationID)
	}
	return l, nil
}

// Put adds or replaces a location.
func (d *Directory) Put(l Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locations[l.Target()] = l
}

// All returns every location sorted by organization and id.
func (d *Directory) All() []Location {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Location, 0, len(d.locations))
	for _, l := range d.locations {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrganizationID != out[j].OrganizationID {
			return out[i].OrganizationID < out[j].OrganizationID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Name returns the display name of the first location with id, or the id
// itself when no location matches.
func (d *Directory) Name(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for target, l := range d.locations {
		if target.LocationID == id {
			return l.Name
		}
	}
	return id
}
