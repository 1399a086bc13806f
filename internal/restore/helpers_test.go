package restore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/metrics"
	"github.com/roach88/lifeboat/internal/snapshot"
	"github.com/roach88/lifeboat/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingClock struct {
	mu       sync.Mutex
	observed []string
}

func (c *recordingClock) Observe(hlc string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed = append(c.observed, hlc)
	return nil
}

func (c *recordingClock) Observed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.observed...)
}

func openStore(t testing.TB, name string) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, *recordingClock) {
	t.Helper()
	st := openStore(t, "target.db")
	clk := &recordingClock{}
	c := NewCoordinator(st, clk, snapshot.NewBuilder(st, nil), Options{
		Metrics: metrics.New(),
		Now:     func() time.Time { return testNow },
	})
	return c, st, clk
}

func singleBatch(sessionID string, events []event.Event) Batch {
	return Batch{
		RestoreSessionID: sessionID,
		SourceDeviceID:   "source-device",
		BatchNumber:      1,
		TotalBatches:     1,
		IsFinalBatch:     true,
		Events:           events,
		EventsCount:      len(events),
	}
}

func countEvents(t *testing.T, st *store.Store) int64 {
	t.Helper()
	n, err := st.Count(context.Background())
	require.NoError(t, err)
	return n
}
