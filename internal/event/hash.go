package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/lifeboat/internal/canon"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainEvent       = "lifeboat/event/v1"
	DomainFingerprint = "lifeboat/fingerprint/v1"
)

// EmptyFingerprint is reported by a node that holds no events.
const EmptyFingerprint = "empty"

// fingerprintLen is the number of hex characters kept in a fingerprint.
const fingerprintLen = 16

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalBytes returns the canonical JSON of the event's logical fields.
//
// ts_server, payload_hash, synced and acknowledged are excluded: ts_server
// is stamped by whichever node accepts the event, the rest are not facts.
// The hlc key is omitted when the event has no HLC. The payload is hashed
// byte for byte: payloads that differ only in Unicode normalization are
// different facts.
func CanonicalBytes(e Event) ([]byte, error) {
	payload, err := NormalizePayload(e.Payload)
	if err != nil {
		return nil, err
	}

	obj := canon.Object{
		"event_id":       canon.String(e.EventID),
		"entity_type":    canon.String(e.EntityType),
		"entity_id":      canon.String(e.EntityID),
		"actor_id":       canon.String(e.ActorID),
		"device_id":      canon.String(e.DeviceID),
		"ts_device":      canon.Int(e.TsDevice),
		"event_type":     canon.String(e.EventType),
		"schema_version": canon.Int(e.SchemaVersion),
		"payload":        canon.Raw(payload),
	}
	if e.HLC != nil {
		obj["hlc"] = canon.String(*e.HLC)
	}

	return canon.Marshal(obj)
}

// PayloadHash computes the deterministic content hash of an event.
// Two nodes holding the same fact always compute the same hash.
func PayloadHash(e Event) (string, error) {
	canonical, err := CanonicalBytes(e)
	if err != nil {
		return "", fmt.Errorf("PayloadHash: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// MustPayloadHash is like PayloadHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPayloadHash(e Event) string {
	h, err := PayloadHash(e)
	if err != nil {
		panic(err)
	}
	return h
}

// Fingerprint summarizes the latest known event id. An empty id means an
// empty store and yields EmptyFingerprint.
func Fingerprint(latestEventID string) string {
	if latestEventID == "" {
		return EmptyFingerprint
	}
	return hashWithDomain(DomainFingerprint, []byte(latestEventID))[:fingerprintLen]
}
