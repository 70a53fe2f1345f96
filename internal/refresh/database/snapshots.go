package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/intelboard/intelboard/internal/refresh/catalog"
)

// SnapshotStore keeps the full signal history in signal_snapshots.
type SnapshotStore struct {
	db *PostgreSQL
}

var _ catalog.SnapshotStore = (*SnapshotStore)(nil)

func (s *SnapshotStore) Latest(ctx context.Context, key catalog.SnapshotKey) (*catalog.Snapshot, error) {
	var (
		snap         catalog.Snapshot
		itemsJSON    []byte
		insightsJSON []byte
	)
	err := s.db.pool.QueryRow(ctx, `
		SELECT items, insights, taken_at
		FROM signal_snapshots
		WHERE organization_id = $1 AND location_id = $2 AND signal = $3
		ORDER BY taken_at DESC, id DESC
		LIMIT 1`,
		key.OrganizationID, key.LocationID, key.Signal,
	).Scan(&itemsJSON, &insightsJSON, &snap.TakenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &snap.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot items: %w", err)
	}
	if len(insightsJSON) > 0 {
		if err := json.Unmarshal(insightsJSON, &snap.Insights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot insights: %w", err)
		}
	}
	snap.TakenAt = snap.TakenAt.UTC()
	return &snap, nil
}

func (s *SnapshotStore) Save(ctx context.Context, key catalog.SnapshotKey, snap catalog.Snapshot) error {
	items := snap.Items
	if items == nil {
		items = []catalog.Item{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot items: %w", err)
	}
	_, err = s.db.pool.Exec(ctx, `
		INSERT INTO signal_snapshots (organization_id, location_id, signal, items, taken_at)
		VALUES ($1, $2, $3, $4, $5)`,
		key.OrganizationID, key.LocationID, key.Signal, itemsJSON, snap.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) AttachInsights(ctx context.Context, key catalog.SnapshotKey, insights []string) error {
	insightsJSON, err := json.Marshal(insights)
	if err != nil {
		return fmt.Errorf("failed to marshal insights: %w", err)
	}
	_, err = s.db.pool.Exec(ctx, `
		UPDATE signal_snapshots SET insights = $4
		WHERE id = (
			SELECT id FROM signal_snapshots
			WHERE organization_id = $1 AND location_id = $2 AND signal = $3
			ORDER BY taken_at DESC, id DESC
			LIMIT 1
		)`,
		key.OrganizationID, key.LocationID, key.Signal, insightsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to attach insights: %w", err)
	}
	return nil
}
