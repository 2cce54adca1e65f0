package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/foundry/internal/store"
)

// OpenStore opens an event store backed by a temp file, closed when the
// test ends. Returns the store and its database path.
func OpenStore(t *testing.T, opts ...store.Option) (*store.Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "events.db")
	st, err := store.Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, path
}

// SeedEvents appends n events of the given type to the entity and
// flushes them durable. Payloads carry the event index.
func SeedEvents(t *testing.T, st *store.Store, entityID, eventType string, n int) []store.Event {
	t.Helper()

	ctx := context.Background()
	var events []store.Event
	for i := 0; i < n; i++ {
		e, err := st.Append(ctx, entityID, eventType, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		events = append(events, e)
	}
	_, err := st.Flush(ctx)
	require.NoError(t, err)
	return events
}
