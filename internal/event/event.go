package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event is one immutable fact in the append-only log.
//
// Logical fields and PayloadHash never change after insert. Only Synced and
// Acknowledged may be updated in place.
type Event struct {
	EventID       string          `json:"event_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	ActorID       string          `json:"actor_id"`
	DeviceID      string          `json:"device_id"`
	TsDevice      int64           `json:"ts_device"`
	TsServer      *int64          `json:"ts_server"`
	HLC           *string         `json:"hlc"`
	EventType     string          `json:"event_type"`
	SchemaVersion int64           `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payload_hash"`
	Synced        bool            `json:"synced"`
	Acknowledged  bool            `json:"acknowledged"`
}

// SortKey returns the primary ordering key: the HLC when present, otherwise
// ts_device zero-padded to the width of the HLC wall component so both
// forms compare correctly as strings.
func (e Event) SortKey() string {
	if e.HLC != nil && *e.HLC != "" {
		return *e.HLC
	}
	return fmt.Sprintf("%013d", e.TsDevice)
}

// Validate checks that the identifying fields are present.
func (e Event) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case e.EntityType == "":
		return fmt.Errorf("event %s: entity_type is required", e.EventID)
	case e.EntityID == "":
		return fmt.Errorf("event %s: entity_id is required", e.EventID)
	case e.EventType == "":
		return fmt.Errorf("event %s: event_type is required", e.EventID)
	case e.TsDevice < 0:
		return fmt.Errorf("event %s: ts_device must not be negative", e.EventID)
	}
	return nil
}

// Normalize rewrites the payload into its normalized form and recomputes
// PayloadHash. It returns the hash the event carried before normalization.
func (e *Event) Normalize() (claimed string, err error) {
	claimed = e.PayloadHash
	payload, err := NormalizePayload(e.Payload)
	if err != nil {
		return claimed, fmt.Errorf("event %s: %w", e.EventID, err)
	}
	e.Payload = payload

	hash, err := PayloadHash(*e)
	if err != nil {
		return claimed, err
	}
	e.PayloadHash = hash
	return claimed, nil
}

// NormalizePayload returns the stored form of an opaque payload.
//
// The payload is decoded and re-encoded without HTML escaping, with object
// keys sorted and numbers kept as written. Escaping or whitespace applied by
// any JSON encoder along the way therefore never changes the payload hash.
// An absent or null payload becomes {}.
func NormalizePayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid payload: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.RawMessage(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}
