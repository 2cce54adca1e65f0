package store

import (
	"context"
	"fmt"
	"time"
)

// EntityCount pairs an entity with its durable event count.
type EntityCount struct {
	EntityID string
	Events   int64
}

// EntityEventCounts returns the durable event count per entity, ordered
// by entity id. Buffered events are not counted.
func (s *Store) EntityEventCounts(ctx context.Context) ([]EntityCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, COUNT(*)
		FROM events
		GROUP BY entity_id
		ORDER BY entity_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("entity event counts: %w", err)
	}
	defer rows.Close()

	var counts []EntityCount
	for rows.Next() {
		var c EntityCount
		if err := rows.Scan(&c.EntityID, &c.Events); err != nil {
			return nil, fmt.Errorf("entity event counts: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity event counts: %w", err)
	}

	return counts, nil
}

// PruneSnapshots deletes snapshots saved before the cutoff. Events are
// never pruned; a pruned entity rebuilds by full replay. Returns the
// number of snapshots removed.
func (s *Store) PruneSnapshots(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE saved_at_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return int(n), nil
}
