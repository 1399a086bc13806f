// Package projection derives entity_state from the event log.
//
// Project is a pure function of the events it is given: the same events in
// any input order always produce the same rows. The snapshot tables a
// restore upserts are a cache; Rebuild replaces them with what the log says.
package projection

import (
	"context"
	"slices"
	"strings"

	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/store"
)

// Project folds events into one state row per (entity_type, entity_id).
//
// The row records the last event in log order, the number of events, and
// the last payload as the opaque entity state. Rows are sorted by entity
// type then entity id.
func Project(events []event.Event) []store.EntityState {
	ordered := slices.Clone(events)
	slices.SortStableFunc(ordered, func(a, b event.Event) int {
		if c := strings.Compare(a.SortKey(), b.SortKey()); c != 0 {
			return c
		}
		return strings.Compare(a.EventID, b.EventID)
	})

	type key struct{ entityType, entityID string }
	index := map[key]int{}
	states := []store.EntityState{}

	for _, e := range ordered {
		k := key{e.EntityType, e.EntityID}
		i, ok := index[k]
		if !ok {
			i = len(states)
			index[k] = i
			states = append(states, store.EntityState{EntityType: e.EntityType, EntityID: e.EntityID})
		}

		st := &states[i]
		st.EventCount++
		st.LastEventID = e.EventID
		st.LastEventType = e.EventType
		st.LastSortKey = e.SortKey()
		st.LastTsDevice = e.TsDevice
		st.State = string(e.Payload)
		if st.State == "" {
			st.State = "{}"
		}
		st.UpdatedAt = e.TsDevice
		if e.TsServer != nil {
			st.UpdatedAt = *e.TsServer
		}
	}

	slices.SortFunc(states, func(a, b store.EntityState) int {
		if c := strings.Compare(a.EntityType, b.EntityType); c != 0 {
			return c
		}
		return strings.Compare(a.EntityID, b.EntityID)
	})
	return states
}

// Tx is the slice of a store transaction Rebuild needs.
type Tx interface {
	EventsByEntityTypes(ctx context.Context, entityTypes []string) ([]event.Event, error)
	ReplaceEntityState(ctx context.Context, entityTypes []string, states []store.EntityState) error
}

// Rebuild recomputes entity_state for the given entity types from the log,
// inside the caller's transaction. Returns the number of rows written.
func Rebuild(ctx context.Context, tx Tx, entityTypes []string) (int, error) {
	events, err := tx.EventsByEntityTypes(ctx, entityTypes)
	if err != nil {
		return 0, err
	}
	states := Project(events)
	if err := tx.ReplaceEntityState(ctx, entityTypes, states); err != nil {
		return 0, err
	}
	return len(states), nil
}
