// Package restore applies exported batches to a node.
//
// A restore session moves through AWAITING_BATCH, VALIDATING and APPLYING
// once per batch, and through FINALIZING to COMPLETED after its final
// batch. Each batch is applied in one transaction: a storage failure leaves
// no trace of the batch, and replaying an applied batch changes nothing.
package restore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/metrics"
	"github.com/roach88/lifeboat/internal/projection"
	"github.com/roach88/lifeboat/internal/snapshot"
	"github.com/roach88/lifeboat/internal/store"
)

// DefaultMaxBatchSize bounds the events accepted in one batch.
const DefaultMaxBatchSize = 1000

var tracer = otel.Tracer("lifeboat/restore")

// State is the coordinator's view of a restore session.
type State string

const (
	StateAwaitingBatch State = "AWAITING_BATCH"
	StateValidating    State = "VALIDATING"
	StateApplying      State = "APPLYING"
	StateFinalizing    State = "FINALIZING"
	StateCompleted     State = "COMPLETED"
)

// Store runs batch transactions and reads session records.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *store.Tx) error) error
	GetSession(ctx context.Context, sessionID string) (store.RestoreSession, bool, error)
}

// Clock merges HLCs of restored events into the node clock.
type Clock interface {
	Observe(hlc string) error
}

// Options configures a Coordinator.
type Options struct {
	MaxBatchSize int
	Metrics      *metrics.Metrics
	Logger       *zap.SugaredLogger
	// Now stamps ts_server and audit rows. Defaults to time.Now.
	Now func() time.Time
}

type session struct {
	mu    sync.Mutex
	state State
}

// Coordinator applies restore batches.
//
// Batches of one session are serialized by a per-session lock. Batches of
// different sessions then queue on a node-wide apply lock, always taken
// after the session lock, so at most one batch is applied at a time.
type Coordinator struct {
	store     Store
	clock     Clock
	snapshots *snapshot.Builder
	opts      Options

	mu       sync.Mutex
	sessions map[string]*session

	apply sync.Mutex
}

// NewCoordinator creates a coordinator.
func NewCoordinator(st Store, clock Clock, snapshots *snapshot.Builder, opts Options) *Coordinator {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:     st,
		clock:     clock,
		snapshots: snapshots,
		opts:      opts,
		sessions:  make(map[string]*session),
	}
}

func (c *Coordinator) session(id string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		s = &session{state: StateAwaitingBatch}
		c.sessions[id] = s
	}
	return s
}

// forget drops a completed session. State then answers from the store, and
// a late batch starts from a fresh entry.
func (c *Coordinator) forget(id string, s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[id] == s {
		delete(c.sessions, id)
	}
}

// State reports where a session is. Sessions this process has not seen
// are derived from the store: COMPLETED or AWAITING_BATCH.
func (c *Coordinator) State(ctx context.Context, sessionID string) (State, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.state, nil
	}

	rs, found, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if found && rs.Completed() {
		return StateCompleted, nil
	}
	return StateAwaitingBatch, nil
}

func (s *session) set(state State) {
	s.state = state
}

// ApplyBatch validates and applies one batch.
//
// Returns *ValidationError when the batch is rejected before anything is
// committed and *StorageError when its transaction was rolled back. Hash
// conflicts are not errors: they are recorded and listed in the response.
func (c *Coordinator) ApplyBatch(ctx context.Context, b Batch) (resp Response, err error) {
	ctx, span := tracer.Start(ctx, "restore.batch")
	span.SetAttributes(
		attribute.String("restore.session_id", b.RestoreSessionID),
		attribute.Int("restore.batch_number", b.BatchNumber),
		attribute.Int("restore.events", len(b.Events)),
	)
	start := time.Now()
	defer func() {
		status := metrics.BatchApplied
		switch {
		case IsValidationError(err):
			status = metrics.BatchInvalid
		case err != nil:
			status = metrics.BatchFailed
		}
		c.opts.Metrics.ObserveBatch(status, time.Since(start), resp.EventsInserted, resp.EventsAlreadyPresent, resp.EventsRejected)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s := c.session(b.RestoreSessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(StateValidating)
	if err := c.validate(b); err != nil {
		s.set(StateAwaitingBatch)
		c.opts.Logger.Warnw("restore batch rejected",
			"restore_session_id", b.RestoreSessionID,
			"batch_number", b.BatchNumber,
			"error", err,
		)
		return Response{}, err
	}

	c.apply.Lock()
	defer c.apply.Unlock()

	s.set(StateApplying)
	resp, inserted, err := c.applyTx(ctx, s, b)
	if err != nil {
		s.set(StateAwaitingBatch)
		if IsValidationError(err) {
			return Response{}, err
		}
		c.opts.Logger.Errorw("restore batch rolled back",
			"restore_session_id", b.RestoreSessionID,
			"batch_number", b.BatchNumber,
			"error", err,
		)
		return Response{}, &StorageError{SessionID: b.RestoreSessionID, BatchNumber: b.BatchNumber, Err: err}
	}

	if resp.Status == store.SessionCompleted {
		s.set(StateCompleted)
		c.forget(b.RestoreSessionID, s)
	} else {
		s.set(StateAwaitingBatch)
	}

	for _, e := range inserted {
		if e.HLC == nil {
			continue
		}
		if err := c.clock.Observe(*e.HLC); err != nil {
			c.opts.Logger.Warnw("hlc not merged", "event_id", e.EventID, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("restore.inserted", resp.EventsInserted),
		attribute.Int("restore.already_present", resp.EventsAlreadyPresent),
		attribute.Int("restore.rejected", resp.EventsRejected),
		attribute.String("restore.status", resp.Status),
	)
	c.opts.Logger.Infow("restore batch applied",
		"restore_session_id", b.RestoreSessionID,
		"batch_number", b.BatchNumber,
		"total_batches", b.TotalBatches,
		"inserted", resp.EventsInserted,
		"already_present", resp.EventsAlreadyPresent,
		"rejected", resp.EventsRejected,
		"status", resp.Status,
	)
	return resp, nil
}

// validate runs the checks that need no storage access.
func (c *Coordinator) validate(b Batch) error {
	switch {
	case b.RestoreSessionID == "":
		return invalid("restore_session_id", "is required")
	case b.SourceDeviceID == "":
		return invalid("source_device_id", "is required")
	case b.BatchNumber < 1:
		return invalid("batch_number", "must be at least 1")
	case b.TotalBatches < 1:
		return invalid("total_batches", "must be at least 1")
	case b.BatchNumber > b.TotalBatches:
		return invalid("batch_number", "%d exceeds total_batches %d", b.BatchNumber, b.TotalBatches)
	case b.IsFinalBatch && b.BatchNumber != b.TotalBatches:
		return invalid("is_final_batch", "batch %d of %d cannot be final", b.BatchNumber, b.TotalBatches)
	case b.EventsCount != len(b.Events):
		return invalid("events_count", "is %d but batch carries %d events", b.EventsCount, len(b.Events))
	case len(b.Events) > c.opts.MaxBatchSize:
		return &ValidationError{
			Code:    ErrCodeBatchTooLarge,
			Field:   "events",
			Message: fmt.Sprintf("%d events exceed the limit of %d", len(b.Events), c.opts.MaxBatchSize),
		}
	}

	for i, e := range b.Events {
		if err := e.Validate(); err != nil {
			return invalid(fmt.Sprintf("events.%d", i), "%v", err)
		}
	}

	for table := range b.Snapshot {
		if c.snapshots == nil {
			return invalid("snapshot", "snapshots are not accepted by this node")
		}
		if _, ok := c.snapshots.Lookup(table); !ok {
			return invalid("snapshot."+table, "unknown snapshot table")
		}
	}
	return nil
}

// applyTx applies the batch in one transaction and returns the events it
// inserted.
func (c *Coordinator) applyTx(ctx context.Context, s *session, b Batch) (Response, []event.Event, error) {
	now := c.opts.Now().UnixMilli()
	resp := Response{
		RestoreSessionID: b.RestoreSessionID,
		BatchNumber:      b.BatchNumber,
		EventsReceived:   len(b.Events),
		RejectedEventIDs: []string{},
	}
	var inserted []event.Event

	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		resp.EventsInserted, resp.EventsAlreadyPresent, resp.EventsRejected = 0, 0, 0
		resp.RejectedEventIDs = resp.RejectedEventIDs[:0]
		inserted = inserted[:0]

		rs, found, err := tx.GetSession(ctx, b.RestoreSessionID)
		if err != nil {
			return err
		}
		if !found {
			rs = store.RestoreSession{
				SessionID:      b.RestoreSessionID,
				SourceDeviceID: b.SourceDeviceID,
				TotalBatches:   b.TotalBatches,
				Status:         store.SessionInProgress,
				CreatedAt:      now,
			}
			if err := tx.CreateSession(ctx, rs); err != nil {
				return err
			}
		} else if err := checkSession(rs, b); err != nil {
			return err
		}

		snapshotRows := 0
		if len(b.Snapshot) > 0 {
			n, err := c.snapshots.Apply(ctx, tx, b.Snapshot)
			if err != nil {
				if store.IsValidationError(err) {
					return invalid("snapshot", "%v", err)
				}
				return err
			}
			snapshotRows = n
		}

		var entityTypes []string
		for _, e := range b.Events {
			claimed, err := e.Normalize()
			if err != nil {
				return invalid("events", "%v", err)
			}
			if claimed != "" && claimed != e.PayloadHash {
				if err := c.reject(ctx, tx, &resp, b, e.EventID, claimed, e.PayloadHash, store.RejectHashInvalid, now); err != nil {
					return err
				}
				continue
			}
			if e.TsServer == nil {
				ts := now
				e.TsServer = &ts
			}

			ok, storedHash, err := tx.InsertEventIfAbsent(ctx, e)
			if err != nil {
				return err
			}
			switch {
			case ok:
				resp.EventsInserted++
				inserted = append(inserted, e)
			case storedHash == e.PayloadHash:
				resp.EventsAlreadyPresent++
			default:
				if err := c.reject(ctx, tx, &resp, b, e.EventID, storedHash, e.PayloadHash, store.RejectHashMismatch, now); err != nil {
					return err
				}
				continue
			}
			if !slices.Contains(entityTypes, e.EntityType) {
				entityTypes = append(entityTypes, e.EntityType)
			}
		}

		if err := tx.AddSessionEntityTypes(ctx, b.RestoreSessionID, entityTypes); err != nil {
			return err
		}
		err = tx.RecordBatch(ctx, store.BatchRecord{
			SessionID:            b.RestoreSessionID,
			BatchNumber:          b.BatchNumber,
			EventsReceived:       resp.EventsReceived,
			EventsInserted:       resp.EventsInserted,
			EventsAlreadyPresent: resp.EventsAlreadyPresent,
			EventsRejected:       resp.EventsRejected,
			SnapshotRows:         snapshotRows,
			AppliedAt:            now,
		})
		if err != nil {
			return err
		}

		// A batch arriving after completion still refreshes the projections
		// it touched.
		if !b.IsFinalBatch && !rs.Completed() {
			resp.Status = store.SessionInProgress
			return nil
		}

		s.set(StateFinalizing)
		types, err := tx.SessionEntityTypes(ctx, b.RestoreSessionID)
		if err != nil {
			return err
		}
		if _, err := projection.Rebuild(ctx, tx, types); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
		if !rs.Completed() {
			if err := tx.CompleteSession(ctx, b.RestoreSessionID, now); err != nil {
				return err
			}
		}
		resp.Status = store.SessionCompleted
		return nil
	})
	if err != nil {
		return Response{}, nil, err
	}
	return resp, inserted, nil
}

// reject lists the event in the response. The audit row is written the
// first time the session meets this conflict; a resent batch reports it
// again without a second row.
func (c *Coordinator) reject(ctx context.Context, tx *store.Tx, resp *Response, b Batch, eventID, oldHash, newHash, reason string, now int64) error {
	audited, err := tx.InsertReject(ctx, store.RejectRecord{
		SessionID:   b.RestoreSessionID,
		BatchNumber: b.BatchNumber,
		EventID:     eventID,
		OldHash:     oldHash,
		NewHash:     newHash,
		Reason:      reason,
		CreatedAt:   now,
	})
	if err != nil {
		return err
	}
	resp.EventsRejected++
	resp.RejectedEventIDs = append(resp.RejectedEventIDs, eventID)
	if !audited {
		return nil
	}
	c.opts.Logger.Warnw("restored event rejected",
		"restore_session_id", b.RestoreSessionID,
		"event_id", eventID,
		"reason", reason,
		"old_hash", oldHash,
		"new_hash", newHash,
	)
	return nil
}

func checkSession(rs store.RestoreSession, b Batch) error {
	if rs.SourceDeviceID != b.SourceDeviceID {
		return &ValidationError{
			Code:    ErrCodeSessionMismatch,
			Field:   "source_device_id",
			Message: fmt.Sprintf("session %s belongs to %s", rs.SessionID, rs.SourceDeviceID),
		}
	}
	if rs.TotalBatches != b.TotalBatches {
		return &ValidationError{
			Code:    ErrCodeSessionMismatch,
			Field:   "total_batches",
			Message: fmt.Sprintf("session %s expects %d batches", rs.SessionID, rs.TotalBatches),
		}
	}
	return nil
}
