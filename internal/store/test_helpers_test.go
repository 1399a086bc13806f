package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/testutil"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedEvents appends n factory events and returns them as stored.
func seedEvents(t *testing.T, s *Store, n int, entityTypes ...string) []event.Event {
	t.Helper()
	f := testutil.NewEventFactory("seed-device")
	stored := make([]event.Event, 0, n)
	for _, e := range f.Batch(n, entityTypes...) {
		got, err := s.Append(context.Background(), e)
		if err != nil {
			t.Fatalf("Append(%s) failed: %v", e.EventID, err)
		}
		stored = append(stored, got)
	}
	return stored
}
