// Package ledger records events that originate on this node.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/lifeboat/internal/clock"
	"github.com/roach88/lifeboat/internal/event"
)

// Appender stores a new event.
type Appender interface {
	Append(ctx context.Context, e event.Event) (event.Event, error)
}

// Identity stamps ids, timestamps and the device id of this node.
type Identity interface {
	NodeID() string
	NewEventID() (string, error)
	NextHLC() (string, error)
}

// Input is the caller-supplied part of a new event.
type Input struct {
	EntityType    string
	EntityID      string
	ActorID       string
	EventType     string
	SchemaVersion int64
	Payload       json.RawMessage
	// TsDevice overrides the device timestamp; zero means the HLC wall time.
	TsDevice int64
}

// Recorder appends locally originated events.
type Recorder struct {
	store    Appender
	identity Identity
	logger   *zap.SugaredLogger
}

// NewRecorder creates a recorder. A nil logger discards log output.
func NewRecorder(store Appender, identity Identity, logger *zap.SugaredLogger) *Recorder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Recorder{store: store, identity: identity, logger: logger}
}

// Record stamps in with a UUIDv7 id, the next HLC, this node's device id
// and the server time, then appends it.
//
// Nothing is stored when the time gate rejects the system clock.
func (r *Recorder) Record(ctx context.Context, in Input) (event.Event, error) {
	id, err := r.identity.NewEventID()
	if err != nil {
		return event.Event{}, fmt.Errorf("record: %w", err)
	}
	hlc, err := r.identity.NextHLC()
	if err != nil {
		return event.Event{}, fmt.Errorf("record: %w", err)
	}
	ts, err := clock.Parse(hlc)
	if err != nil {
		return event.Event{}, fmt.Errorf("record: %w", err)
	}
	wall := ts.Wall

	schemaVersion := in.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = 1
	}
	tsDevice := in.TsDevice
	if tsDevice == 0 {
		tsDevice = wall
	}
	tsServer := wall

	e := event.Event{
		EventID:       id,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		ActorID:       in.ActorID,
		DeviceID:      r.identity.NodeID(),
		TsDevice:      tsDevice,
		TsServer:      &tsServer,
		HLC:           &hlc,
		EventType:     in.EventType,
		SchemaVersion: schemaVersion,
		Payload:       in.Payload,
	}

	stored, err := r.store.Append(ctx, e)
	if err != nil {
		return event.Event{}, fmt.Errorf("record: %w", err)
	}

	r.logger.Debugw("event recorded",
		"event_id", stored.EventID,
		"entity_type", stored.EntityType,
		"entity_id", stored.EntityID,
		"hlc", hlc,
	)
	return stored, nil
}
