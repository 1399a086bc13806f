package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeboat/internal/api"
	"github.com/roach88/lifeboat/internal/config"
	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/export"
	"github.com/roach88/lifeboat/internal/guard"
	"github.com/roach88/lifeboat/internal/metrics"
	"github.com/roach88/lifeboat/internal/projection"
	"github.com/roach88/lifeboat/internal/restore"
	"github.com/roach88/lifeboat/internal/snapshot"
	"github.com/roach88/lifeboat/internal/store"
	"github.com/roach88/lifeboat/internal/testutil"
)

const secret = "s3cret"

type identity string

func (i identity) NodeID() string         { return string(i) }
func (identity) Observe(hlc string) error { return nil }

type node struct {
	url   string
	store *store.Store
}

func newNode(t *testing.T, id string) *node {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), id+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := metrics.New()
	builder := snapshot.NewBuilder(st, nil)
	schema, err := restore.NewSchema()
	require.NoError(t, err)
	app := api.NewApplication(
		config.HTTPConfig{MaxBodyBytes: 8 << 20},
		st,
		export.NewService(st, identity(id), builder, export.Config{}, m, nil),
		restore.NewCoordinator(st, identity(id), builder, restore.Options{Metrics: m}),
		schema,
		guard.New(secret, nil, m, nil),
		m, nil,
	)
	srv := httptest.NewServer(app.Mount())
	t.Cleanup(srv.Close)
	return &node{url: srv.URL, store: st}
}

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

func seed(t *testing.T, st *store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	types := []string{"shipment", "patient"}
	for _, e := range testutil.NewEventFactory("source-device").Batch(n, types...) {
		_, err := st.Append(ctx, e)
		require.NoError(t, err)
	}
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := projection.Rebuild(ctx, tx, types)
		return err
	}))
}

func TestPullPushRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := newNode(t, "node-source")
	target := newNode(t, "node-target")
	seed(t, source.store, 25)

	sc := New(source.url, WithBackOff(noWait))
	b, err := sc.Pull(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "node-source", b.NodeIdentity)
	assert.Len(t, b.Events, 25)
	assert.Equal(t, int64(25), b.TotalCount)
	assert.Equal(t, 20, b.Snapshot.RowCount())

	path := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, WriteBackup(path, b))
	loaded, err := ReadBackup(path)
	require.NoError(t, err)
	assert.Equal(t, b.StateFingerprint, loaded.StateFingerprint)
	require.Len(t, loaded.Events, 25)
	assert.Equal(t, b.Events[24].PayloadHash, loaded.Events[24].PayloadHash)

	tc := New(target.url, WithSecret(secret), WithBackOff(noWait))
	health, err := tc.Health(ctx)
	require.NoError(t, err)
	decision := NeedsRestore(health, loaded)
	assert.True(t, decision.Restore, decision.Reason)

	result, err := tc.Push(ctx, loaded, "", 10)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, result.Status)
	assert.Len(t, result.Batches, 3)
	assert.Equal(t, 25, result.EventsInserted)
	assert.Empty(t, result.RejectedEventIDs)

	health, err = tc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), health.EventsCount)
	assert.Equal(t, b.StateFingerprint, health.DBFingerprint)
	assert.False(t, NeedsRestore(health, loaded).Restore)

	again, err := tc.Push(ctx, loaded, result.RestoreSessionID, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, again.EventsInserted)
	assert.Equal(t, 25, again.EventsAlreadyPresent)

	sessions, err := tc.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, result.RestoreSessionID, sessions[0].SessionID)

	rejects, err := tc.Rejects(ctx, result.RestoreSessionID)
	require.NoError(t, err)
	assert.Empty(t, rejects)
}

func TestPush_WrongSecretIsNotRetried(t *testing.T) {
	target := newNode(t, "node-target")
	c := New(target.url, WithSecret("nope"), WithBackOff(noWait))

	b := &Backup{NodeIdentity: "node-source", Events: testutil.NewEventFactory("d").Batch(1)}
	_, err := c.Push(context.Background(), b, "sess", 10)
	require.Error(t, err)
	assert.True(t, IsAPIError(err, http.StatusForbidden))

	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, api.CodeForbidden, ae.Code)
}

func TestRestoreBatch_RetriesTransientFailures(t *testing.T) {
	var (
		calls  atomic.Int32
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		var b restore.Batch
		assert.NoError(t, json.Unmarshal(raw, &b))
		mu.Lock()
		bodies = append(bodies, string(raw))
		mu.Unlock()

		if n < 3 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Internal Server Error", Code: "STORAGE_FAILURE", Retryable: true})
			return
		}
		_ = json.NewEncoder(w).Encode(restore.Response{Status: store.SessionCompleted, BatchNumber: b.BatchNumber, EventsInserted: len(b.Events)})
	}))
	defer srv.Close()

	c := New(srv.URL, WithSecret(secret), WithBackOff(noWait))
	batch := restore.Batch{RestoreSessionID: "s", SourceDeviceID: "d", BatchNumber: 1, TotalBatches: 1, IsFinalBatch: true,
		Events: testutil.NewEventFactory("d").Batch(2), EventsCount: 2}

	resp, err := c.RestoreBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.EventsInserted)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, bodies, 3)
	assert.Equal(t, bodies[0], bodies[2])
}

func TestRestoreBatch_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, WithMaxTries(3), WithBackOff(noWait))
	_, err := c.RestoreBatch(context.Background(), restore.Batch{})
	require.Error(t, err)
	assert.True(t, IsAPIError(err, http.StatusServiceUnavailable))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRestoreBatch_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := New(srv.URL, WithMaxTries(1000), WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(20 * time.Millisecond)
	}))
	_, err := c.RestoreBatch(ctx, restore.Batch{})
	require.Error(t, err)
}

func TestBackupBatches(t *testing.T) {
	events := testutil.NewEventFactory("d").Batch(25)
	b := &Backup{NodeIdentity: "node-a", Events: events, Snapshot: snapshot.Snapshot{"entity_state": {}}}

	batches := b.Batches("sess", 10)
	require.Len(t, batches, 3)
	for i, batch := range batches {
		assert.Equal(t, i+1, batch.BatchNumber)
		assert.Equal(t, 3, batch.TotalBatches)
		assert.Equal(t, i == 2, batch.IsFinalBatch)
		assert.Equal(t, len(batch.Events), batch.EventsCount)
		assert.Equal(t, "node-a", batch.SourceDeviceID)
	}
	assert.NotNil(t, batches[0].Snapshot)
	assert.Nil(t, batches[1].Snapshot)
	assert.Len(t, batches[2].Events, 5)

	empty := (&Backup{NodeIdentity: "node-a"}).Batches("sess", 10)
	require.Len(t, empty, 1)
	assert.True(t, empty[0].IsFinalBatch)
	assert.Equal(t, 0, empty[0].EventsCount)
}

func TestNeedsRestore(t *testing.T) {
	events := testutil.NewEventFactory("d").Batch(10)
	b := &Backup{NodeIdentity: "node-a", StateFingerprint: event.Fingerprint(events[9].EventID), Events: events}

	tests := []struct {
		name   string
		health api.HealthResponse
		backup *Backup
		want   bool
	}{
		{"no backup", api.HealthResponse{}, nil, false},
		{"empty backup", api.HealthResponse{}, &Backup{}, false},
		{"empty node", api.HealthResponse{NodeIdentity: "node-b", DBFingerprint: event.EmptyFingerprint}, b, true},
		{"replaced node behind", api.HealthResponse{NodeIdentity: "node-b", EventsCount: 3}, b, true},
		{"replaced node ahead", api.HealthResponse{NodeIdentity: "node-b", EventsCount: 30}, b, false},
		{"same node unchanged", api.HealthResponse{NodeIdentity: "node-a", DBFingerprint: b.StateFingerprint, EventsCount: 10}, b, false},
		{"same node advanced", api.HealthResponse{NodeIdentity: "node-a", DBFingerprint: "0123456789abcdef", EventsCount: 12}, b, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NeedsRestore(tt.health, tt.backup)
			assert.Equal(t, tt.want, d.Restore)
			assert.NotEmpty(t, d.Reason)
		})
	}
}
