package testutil

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/lifeboat/internal/event"
)

// BaseTsDevice is the ts_device of the first event built by an EventFactory.
const BaseTsDevice int64 = 1767225600000

// EventFactory builds deterministic, strictly ordered events for tests.
//
// Event ids and HLCs both encode a running sequence number, so the n-th
// event from a factory always sorts after the (n-1)-th and two factories
// with the same device produce byte-identical logs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type EventFactory struct {
	mu     sync.Mutex
	device string
	seq    int64
}

// NewEventFactory creates a factory stamping events with the given device id.
func NewEventFactory(device string) *EventFactory {
	if device == "" {
		device = "test-device"
	}
	return &EventFactory{device: device}
}

// Next returns the next event for the given entity.
// The payload hash is already computed.
func (f *EventFactory) Next(entityType, entityID string) event.Event {
	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	ts := BaseTsDevice + seq
	hlc := fmt.Sprintf("%013d-%06d-%s", ts, 0, f.device)
	e := event.Event{
		EventID:       fmt.Sprintf("00000000-0000-7000-8000-%012d", seq),
		EntityType:    entityType,
		EntityID:      entityID,
		ActorID:       "test-actor",
		DeviceID:      f.device,
		TsDevice:      ts,
		HLC:           &hlc,
		EventType:     entityType + ".updated",
		SchemaVersion: 1,
		Payload:       json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
	}
	e.PayloadHash = event.MustPayloadHash(e)
	return e
}

// Batch returns n events spread round-robin over the given entity types,
// ten entities per type.
func (f *EventFactory) Batch(n int, entityTypes ...string) []event.Event {
	if len(entityTypes) == 0 {
		entityTypes = []string{"shipment"}
	}
	events := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		entityType := entityTypes[i%len(entityTypes)]
		events = append(events, f.Next(entityType, fmt.Sprintf("%s-%d", entityType, (i/len(entityTypes))%10)))
	}
	return events
}
