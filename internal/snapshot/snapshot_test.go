package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeboat/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stateRow(id string) store.Row {
	return store.Row{
		"entity_type": "shipment", "entity_id": id, "last_event_id": "e-" + id,
		"last_event_type": "shipment.created", "last_sort_key": "k", "last_ts_device": int64(1),
		"event_count": int64(1), "state": `{"a":1}`, "updated_at": int64(1),
	}
}

func TestBuilder_DefaultsToEntityState(t *testing.T) {
	b := NewBuilder(openStore(t), nil)
	require.Len(t, b.Tables(), 1)
	assert.Equal(t, "entity_state", b.Tables()[0].Name)
	assert.NoError(t, b.Validate(context.Background()))
}

func TestBuilder_ValidateRejectsInternalTable(t *testing.T) {
	b := NewBuilder(openStore(t), []store.TableSpec{{Name: "node_config", PrimaryKey: []string{"key"}}})
	assert.True(t, store.IsValidationError(b.Validate(context.Background())))
}

func TestBuilder_ApplyThenBuild(t *testing.T) {
	s := openStore(t)
	b := NewBuilder(s, nil)
	ctx := context.Background()

	empty, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.RowCount())
	assert.Contains(t, empty, "entity_state")

	var written int
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		written, err = b.Apply(ctx, tx, Snapshot{"entity_state": {stateRow("s-1"), stateRow("s-2")}})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	snap, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.RowCount())
	assert.Equal(t, "s-1", snap["entity_state"][0]["entity_id"])
}

func TestBuilder_ApplyUnknownTable(t *testing.T) {
	s := openStore(t)
	b := NewBuilder(s, nil)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := b.Apply(ctx, tx, Snapshot{"events": {{"event_id": "x"}}})
		return err
	})
	assert.True(t, store.IsValidationError(err))
}

func TestSnapshot_RowCount(t *testing.T) {
	snap := Snapshot{"a": {{}, {}}, "b": {{}}}
	assert.Equal(t, 3, snap.RowCount())
}
