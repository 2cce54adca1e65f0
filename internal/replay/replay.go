// Package replay implements deterministic re-execution of an entity's
// event history, plus saga orchestration with compensation.
//
// While an entity is under replay, business logic that reads time or
// randomness through the engine's Now and Random accessors observes the
// recorded history instead of the live environment, so a replay runs
// bit-for-bit identically to the original execution.
package replay

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/foundry/internal/codec"
	"github.com/roach88/foundry/internal/store"
)

// State is the caller-visible view of one entity's replay session.
type State struct {
	EntityID    string
	EventCount  int
	Position    int
	IsReplaying bool
}

type session struct {
	events []store.Event
	pos    int
	// randomCalls counts Random draws per seed so repeated draws with the
	// same seed advance deterministically.
	randomCalls map[string]int64
}

// Engine drives replay sessions. One session per entity at a time; all
// methods are safe for concurrent use.
type Engine struct {
	store *store.Store
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used outside replay.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates a replay engine over st.
func NewEngine(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		clock:    time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartReplay loads the entity's durable events and opens a session with
// the cursor at the start. Errors if the entity is already under replay.
func (e *Engine) StartReplay(ctx context.Context, entityID string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[entityID]; ok {
		return State{}, fmt.Errorf("start replay: entity %s already replaying", entityID)
	}

	events, err := e.store.LoadEvents(ctx, entityID)
	if err != nil {
		return State{}, fmt.Errorf("start replay: %w", err)
	}

	e.sessions[entityID] = &session{
		events:      events,
		randomCalls: make(map[string]int64),
	}

	slog.Debug("replay started", "entity_id", entityID, "events", len(events))
	return State{
		EntityID:    entityID,
		EventCount:  len(events),
		IsReplaying: true,
	}, nil
}

// NextEvent delivers the event at the cursor and advances it. Returns
// (zero, false) when the history is exhausted or the entity is not under
// replay.
func (e *Engine) NextEvent(entityID string) (store.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[entityID]
	if !ok || sess.pos >= len(sess.events) {
		return store.Event{}, false
	}

	ev := sess.events[sess.pos]
	sess.pos++
	return ev, true
}

// EndReplay destroys the entity's session. No-op if none exists.
func (e *Engine) EndReplay(entityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[entityID]; ok {
		delete(e.sessions, entityID)
		slog.Debug("replay ended", "entity_id", entityID)
	}
}

// Position returns the cursor position, or (0, false) if the entity is
// not under replay.
func (e *Engine) Position(entityID string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[entityID]
	if !ok {
		return 0, false
	}
	return sess.pos, true
}

// IsReplaying reports whether the entity has an open session.
func (e *Engine) IsReplaying(entityID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[entityID]
	return ok
}

// Now returns the recorded timestamp of the most recently delivered
// event while the entity is under replay (the first event's timestamp
// before any delivery), and wall-clock time otherwise.
func (e *Engine) Now(entityID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[entityID]
	if !ok || len(sess.events) == 0 {
		return e.clock()
	}

	idx := sess.pos - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sess.events) {
		idx = len(sess.events) - 1
	}
	return sess.events[idx].Timestamp
}

// Random returns a value in [0, 1). Under replay the value derives
// deterministically from (seed, entity, draw counter), so the Nth draw
// with a given seed is identical on every replay. Outside replay the
// draw additionally mixes in wall-clock entropy.
func (e *Engine) Random(entityID, seed string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[entityID]
	if !ok {
		nonce := strconv.FormatInt(e.clock().UnixNano(), 10)
		return derivedFloat(seed, entityID, nonce)
	}

	n := sess.randomCalls[seed]
	sess.randomCalls[seed] = n + 1
	return derivedFloat(seed, entityID, strconv.FormatInt(n, 10))
}

// derivedFloat maps a domain-separated hash of the inputs onto [0, 1).
func derivedFloat(seed, entityID, counter string) float64 {
	digest := codec.HashWithDomain(codec.DomainRandom, []byte(seed+"\x00"+entityID+"\x00"+counter))
	raw, err := hex.DecodeString(digest[:16])
	if err != nil {
		// Hex output of the hash cannot fail to decode.
		panic(err)
	}
	u := binary.BigEndian.Uint64(raw)
	return float64(u) / (1 << 64)
}

// Checkpoint saves state as the entity's snapshot at its current durable
// version. Overwrites any previous snapshot.
func (e *Engine) Checkpoint(ctx context.Context, entityID string, state []byte) error {
	version, err := e.store.CurrentVersion(ctx, entityID)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", entityID, err)
	}
	if err := e.store.SaveSnapshot(ctx, entityID, state, version); err != nil {
		return fmt.Errorf("checkpoint %s: %w", entityID, err)
	}
	return nil
}

// Restore returns the entity's snapshot plus the durable events appended
// after it, in version order. The caller applies the trailing events on
// top of the snapshot state. Returns store.ErrNoSnapshot if the entity
// was never checkpointed.
func (e *Engine) Restore(ctx context.Context, entityID string) (store.Snapshot, []store.Event, error) {
	snap, err := e.store.LoadSnapshot(ctx, entityID)
	if err != nil {
		return store.Snapshot{}, nil, err
	}

	events, err := e.store.LoadEventsFrom(ctx, entityID, snap.Version)
	if err != nil {
		return store.Snapshot{}, nil, fmt.Errorf("restore %s: %w", entityID, err)
	}

	return snap, events, nil
}
