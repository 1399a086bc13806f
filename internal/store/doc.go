// Package store provides SQLite-backed durable storage for the Lifeboat
// event log.
//
// The store holds:
//   - Events: the append-only log, immutable apart from synced/acknowledged
//   - Node config: key/value pairs such as the persisted node identity
//   - Restore audit: sessions, applied batches, rejected events and the
//     entity types each session touched
//   - Snapshot tables: entity_state and any configured projection table
//
// # Ordering
//
// Every event carries a sort_key: its HLC when present, otherwise ts_device
// zero-padded to 13 digits. All log reads use
//
//	ORDER BY sort_key ASC, event_id COLLATE BINARY ASC
//
// which is total and stable, so cursor pagination never skips or repeats an
// event while new events are being appended.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - _txlock=immediate: Writers take the lock at BEGIN
//
// Schema changes are goose migrations embedded from migrations/.
package store
