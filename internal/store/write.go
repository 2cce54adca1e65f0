package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/foundry/internal/codec"
)

// Append buffers an event for entityID and assigns it the next version
// optimistically. The event becomes durable on the next Flush. The
// returned Event carries its content-addressed id and hash; Seq stays 0
// until flushed.
func (s *Store) Append(ctx context.Context, entityID, eventType string, payload json.RawMessage) (Event, error) {
	return s.append(ctx, entityID, eventType, payload, 0)
}

// AppendAt is Append with an explicit expected version. Returns a
// *VersionConflictError if expectedVersion is not the entity's next
// version (durable plus buffered).
func (s *Store) AppendAt(ctx context.Context, entityID, eventType string, payload json.RawMessage, expectedVersion int64) (Event, error) {
	if expectedVersion < 1 {
		return Event{}, fmt.Errorf("append %s: version must be >= 1", entityID)
	}
	return s.append(ctx, entityID, eventType, payload, expectedVersion)
}

func (s *Store) append(ctx context.Context, entityID, eventType string, payload json.RawMessage, expectedVersion int64) (Event, error) {
	if entityID == "" {
		return Event{}, fmt.Errorf("append: empty entity id")
	}
	if eventType == "" {
		return Event{}, fmt.Errorf("append %s: empty event type", entityID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.nextVersionLocked(ctx, entityID)
	if err != nil {
		return Event{}, fmt.Errorf("append %s: %w", entityID, err)
	}

	if expectedVersion != 0 && expectedVersion != next {
		return Event{}, &VersionConflictError{
			EntityID: entityID,
			Expected: expectedVersion,
			Next:     next,
		}
	}

	id, err := codec.EventID(entityID, eventType, payload, next)
	if err != nil {
		return Event{}, fmt.Errorf("append %s: %w", entityID, err)
	}

	ts := s.clock()
	hash, err := codec.EventHash(id, entityID, eventType, payload, next, ts.UnixNano())
	if err != nil {
		return Event{}, fmt.Errorf("append %s: %w", entityID, err)
	}

	e := Event{
		ID:        id,
		EntityID:  entityID,
		Type:      eventType,
		Payload:   payload,
		Version:   next,
		Timestamp: ts,
		Hash:      hash,
	}

	s.buffer = append(s.buffer, e)
	s.versions[entityID] = next + 1

	return e, nil
}

// nextVersionLocked returns the entity's next version, consulting the
// durable maximum on first contact. Caller holds s.mu.
func (s *Store) nextVersionLocked(ctx context.Context, entityID string) (int64, error) {
	if next, ok := s.versions[entityID]; ok {
		return next, nil
	}

	var max int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE entity_id = ?`,
		entityID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("load current version: %w", err)
	}

	next := max + 1
	s.versions[entityID] = next
	return next, nil
}

// Buffered returns the number of appended-but-unflushed events.
func (s *Store) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Flush makes all buffered events durable in a single transaction, in
// append order, and returns the number written. On error the buffer is
// retained so a later Flush can retry.
func (s *Store) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("flush: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for i := range s.buffer {
		e := &s.buffer[i]
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events
			(id, entity_id, type, payload, version, timestamp_ns, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID,
			e.EntityID,
			e.Type,
			string(e.Payload),
			e.Version,
			e.Timestamp.UnixNano(),
			e.Hash,
		)
		if err != nil {
			return 0, fmt.Errorf("flush: insert event %s v%d: %w", e.EntityID, e.Version, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("flush: last insert id: %w", err)
		}
		e.Seq = seq
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("flush: commit: %w", err)
	}

	n := len(s.buffer)
	s.buffer = s.buffer[:0]

	slog.Debug("event buffer flushed", "events", n)
	return n, nil
}

// SaveSnapshot overwrites the entity's snapshot. At most one snapshot
// per entity exists at any time.
func (s *Store) SaveSnapshot(ctx context.Context, entityID string, state json.RawMessage, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (entity_id, state, version, saved_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			state = excluded.state,
			version = excluded.version,
			saved_at_ns = excluded.saved_at_ns
	`,
		entityID,
		string(state),
		version,
		s.clock().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", entityID, err)
	}
	return nil
}
