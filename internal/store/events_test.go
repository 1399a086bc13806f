package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/testutil"
)

func TestAppend_ComputesHashAndNormalizesPayload(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := testutil.NewEventFactory("dev").Next("shipment", "s-1")
	e.Payload = json.RawMessage(`{ "b": 2, "a": 1 }`)
	e.PayloadHash = ""

	stored, err := s.Append(ctx, e)
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if string(stored.Payload) != `{"a":1,"b":2}` {
		t.Errorf("payload = %s, want normalized", stored.Payload)
	}
	if stored.PayloadHash != event.MustPayloadHash(stored) {
		t.Errorf("payload_hash not computed")
	}

	got, err := s.GetEvent(ctx, e.EventID)
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if got.PayloadHash != stored.PayloadHash || string(got.Payload) != string(stored.Payload) {
		t.Errorf("GetEvent() = %+v, want %+v", got, stored)
	}
	if got.HLC == nil || *got.HLC != *e.HLC {
		t.Errorf("hlc not round-tripped")
	}
	if got.TsServer != nil {
		t.Errorf("ts_server = %v, want nil", *got.TsServer)
	}
}

func TestAppend_DuplicateID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := testutil.NewEventFactory("dev").Next("shipment", "s-1")
	if _, err := s.Append(ctx, e); err != nil {
		t.Fatalf("first Append() failed: %v", err)
	}

	_, err := s.Append(ctx, e)
	if !IsDuplicateIDError(err) {
		t.Fatalf("second Append() error = %v, want DuplicateIDError", err)
	}
}

func TestAppend_RejectsInvalidEvent(t *testing.T) {
	s := createTestStore(t)

	e := testutil.NewEventFactory("dev").Next("shipment", "s-1")
	e.EntityType = ""
	if _, err := s.Append(context.Background(), e); !IsValidationError(err) {
		t.Errorf("Append() error = %v, want ValidationError", err)
	}

	e = testutil.NewEventFactory("dev").Next("shipment", "s-1")
	e.Payload = json.RawMessage(`{broken`)
	if _, err := s.Append(context.Background(), e); !IsValidationError(err) {
		t.Errorf("Append() error = %v, want ValidationError", err)
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetEvent(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetEvent() error = %v, want sql.ErrNoRows", err)
	}
}

func TestEventsAreImmutable(t *testing.T) {
	s := createTestStore(t)
	stored := seedEvents(t, s, 1)

	_, err := s.db.Exec(`UPDATE events SET payload = '{}' WHERE event_id = ?`, stored[0].EventID)
	if err == nil {
		t.Error("updating payload succeeded, want trigger abort")
	}
	_, err = s.db.Exec(`DELETE FROM events WHERE event_id = ?`, stored[0].EventID)
	if err == nil {
		t.Error("deleting event succeeded, want trigger abort")
	}
}

func TestMarkSyncedAndAcknowledged(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	stored := seedEvents(t, s, 3)

	n, err := s.MarkSynced(ctx, []string{stored[0].EventID, stored[1].EventID, "missing"})
	if err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("MarkSynced() = %d, want 2", n)
	}

	// Already synced rows do not count again.
	n, err = s.MarkSynced(ctx, []string{stored[0].EventID})
	if err != nil || n != 0 {
		t.Errorf("repeat MarkSynced() = %d, %v, want 0", n, err)
	}

	if _, err := s.MarkAcknowledged(ctx, []string{stored[0].EventID}); err != nil {
		t.Fatalf("MarkAcknowledged() failed: %v", err)
	}

	got, err := s.GetEvent(ctx, stored[0].EventID)
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if !got.Synced || !got.Acknowledged {
		t.Errorf("flags = synced %v acknowledged %v, want both set", got.Synced, got.Acknowledged)
	}
	if got.PayloadHash != stored[0].PayloadHash {
		t.Error("payload_hash changed by flag update")
	}
}

func TestQuery_OrderAndPagination(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	stored := seedEvents(t, s, 25, "shipment", "stock")

	var all []event.Event
	cursor := ""
	pages := 0
	for {
		page, err := s.Query(ctx, cursor, 10)
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		pages++
		all = append(all, page.Events...)
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if len(all) != len(stored) {
		t.Fatalf("paged %d events, want %d", len(all), len(stored))
	}
	for i := range stored {
		if all[i].EventID != stored[i].EventID {
			t.Fatalf("event %d = %s, want %s", i, all[i].EventID, stored[i].EventID)
		}
	}
}

func TestQuery_EmptyLog(t *testing.T) {
	s := createTestStore(t)

	page, err := s.Query(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if page.Events == nil || len(page.Events) != 0 || page.HasMore || page.NextCursor != "" {
		t.Errorf("Query() on empty log = %+v", page)
	}
}

func TestQuery_ExactMultipleOfLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedEvents(t, s, 20)

	page, err := s.Query(ctx, "", 20)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if page.HasMore {
		t.Error("HasMore = true with exactly limit events")
	}

	next, err := s.Query(ctx, page.NextCursor, 20)
	if err != nil {
		t.Fatalf("Query() from last cursor failed: %v", err)
	}
	if len(next.Events) != 0 {
		t.Errorf("resume from last cursor returned %d events, want 0", len(next.Events))
	}
}

func TestQuery_NoGapsWhenAppendingConcurrently(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	f := testutil.NewEventFactory("dev")
	for _, e := range f.Batch(15) {
		if _, err := s.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.Query(ctx, "", 10)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}

	// Later events sort after the cursor and show up on the next pages.
	for _, e := range f.Batch(5) {
		if _, err := s.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]bool{}
	for _, e := range first.Events {
		seen[e.EventID] = true
	}
	cursor := first.NextCursor
	for {
		page, err := s.Query(ctx, cursor, 10)
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		for _, e := range page.Events {
			if seen[e.EventID] {
				t.Fatalf("duplicate event %s", e.EventID)
			}
			seen[e.EventID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 20 {
		t.Errorf("saw %d events, want 20", len(seen))
	}
}

func TestQuery_TiesBrokenByEventID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// No HLC and identical ts_device: order falls back to event_id.
	for _, id := range []string{"c", "a", "b"} {
		e := event.Event{
			EventID: id, EntityType: "t", EntityID: "e", EventType: "x",
			TsDevice: 1767225600000, SchemaVersion: 1,
		}
		if _, err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s) failed: %v", id, err)
		}
	}

	page, err := s.Query(ctx, "", 2)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	next, err := s.Query(ctx, page.NextCursor, 2)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}

	got := fmt.Sprintf("%s %s %s", page.Events[0].EventID, page.Events[1].EventID, next.Events[0].EventID)
	if got != "a b c" {
		t.Errorf("order = %q, want \"a b c\"", got)
	}
}

func TestQuery_MalformedCursor(t *testing.T) {
	s := createTestStore(t)

	for _, cursor := range []string{"!!!", EncodeCursor("", "x"), "bm8tc2VwYXJhdG9y"} {
		_, err := s.Query(context.Background(), cursor, 10)
		if !IsValidationError(err) {
			t.Errorf("Query(%q) error = %v, want ValidationError", cursor, err)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	cursor := EncodeCursor("1767225600001-000000-dev", "00000000-0000-7000-8000-000000000001")
	sortKey, eventID, err := DecodeCursor(cursor)
	if err != nil {
		t.Fatalf("DecodeCursor() failed: %v", err)
	}
	if sortKey != "1767225600001-000000-dev" || eventID != "00000000-0000-7000-8000-000000000001" {
		t.Errorf("DecodeCursor() = %q, %q", sortKey, eventID)
	}
}

func TestCountLatestAndStats(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.LatestEventID(ctx)
	if err != nil || id != "" {
		t.Fatalf("LatestEventID() on empty = %q, %v", id, err)
	}
	hlc, err := s.LatestHLC(ctx)
	if err != nil || hlc != "" {
		t.Fatalf("LatestHLC() on empty = %q, %v", hlc, err)
	}

	stored := seedEvents(t, s, 9, "shipment", "stock", "order")

	n, err := s.Count(ctx)
	if err != nil || n != 9 {
		t.Errorf("Count() = %d, %v, want 9", n, err)
	}

	last := stored[len(stored)-1]
	id, err = s.LatestEventID(ctx)
	if err != nil || id != last.EventID {
		t.Errorf("LatestEventID() = %q, %v, want %q", id, err, last.EventID)
	}
	hlc, err = s.LatestHLC(ctx)
	if err != nil || hlc != *last.HLC {
		t.Errorf("LatestHLC() = %q, %v, want %q", hlc, err, *last.HLC)
	}

	stats, err := s.StatsByEntityType(ctx)
	if err != nil {
		t.Fatalf("StatsByEntityType() failed: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("len(stats) = %d, want 3", len(stats))
	}
	if stats[0].EntityType != "order" || stats[0].Count != 3 {
		t.Errorf("stats[0] = %+v", stats[0])
	}
	if stats[0].FirstTsDevice > stats[0].LastTsDevice {
		t.Errorf("first ts after last ts: %+v", stats[0])
	}
}

func TestInsertEventIfAbsent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	e := testutil.NewEventFactory("dev").Next("shipment", "s-1")

	var inserted bool
	var stored string
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		inserted, stored, err = tx.InsertEventIfAbsent(ctx, e)
		return err
	})
	if err != nil || !inserted || stored != e.PayloadHash {
		t.Fatalf("first InsertEventIfAbsent() = %v %q %v", inserted, stored, err)
	}

	conflicting := e
	conflicting.Payload = json.RawMessage(`{"other":true}`)
	conflicting.PayloadHash = event.MustPayloadHash(conflicting)
	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		inserted, stored, err = tx.InsertEventIfAbsent(ctx, conflicting)
		return err
	})
	if err != nil || inserted || stored != e.PayloadHash {
		t.Fatalf("conflicting InsertEventIfAbsent() = %v %q %v, want stored hash", inserted, stored, err)
	}
}
