package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/lifeboat/internal/client"
	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/projection"
	"github.com/roach88/lifeboat/internal/restore"
	"github.com/roach88/lifeboat/internal/snapshot"
	"github.com/roach88/lifeboat/internal/store"
	"github.com/roach88/lifeboat/internal/testutil"
)

// DrillTime is the fixed wall clock restores run on during a drill.
var DrillTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// badHash is a well-formed payload hash that matches no event.
var badHash = strings.Repeat("0", 64)

const faultTrigger = "drill_fault"

// Harness holds the two nodes of one drill.
type Harness struct {
	scenario *Scenario
	source   *store.Store
	target   *store.Store
	events   []event.Event
	logger   *zap.SugaredLogger
}

type discardClock struct{}

func (discardClock) Observe(string) error { return nil }

// Run executes a drill and returns the result.
//
// Both nodes live in a fresh temporary directory removed on return.
// Execution flow:
// 1. Seed the source log and rebuild its projections
// 2. Prepare the target with present and tampered events
// 3. Cut the backup into batches the way the backup client does
// 4. Push each flow step through a restore coordinator
// 5. Evaluate assertions against the target
func Run(ctx context.Context, scenario *Scenario, logger *zap.SugaredLogger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	scenario.applyDefaults()

	dir, err := os.MkdirTemp("", "lifeboat-drill-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create drill directory: %w", err)
	}
	defer os.RemoveAll(dir)

	source, err := store.Open(filepath.Join(dir, "source.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open source store: %w", err)
	}
	defer source.Close()

	target, err := store.Open(filepath.Join(dir, "target.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open target store: %w", err)
	}
	defer target.Close()

	h := &Harness{scenario: scenario, source: source, target: target, logger: logger}

	if err := h.seedSource(ctx); err != nil {
		return nil, fmt.Errorf("failed to seed source: %w", err)
	}
	if err := h.prepareTarget(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare target: %w", err)
	}
	batches, err := h.batches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build batches: %w", err)
	}

	result := NewResult(scenario.SessionID)
	coordinator := restore.NewCoordinator(target, discardClock{}, snapshot.NewBuilder(target, nil), restore.Options{
		MaxBatchSize: scenario.Target.MaxBatchSize,
		Logger:       logger,
		Now:          func() time.Time { return DrillTime },
	})

	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, coordinator, i+1, step, batches, result); err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i+1, err)
		}
	}

	if result.SourceFingerprint, err = fingerprint(ctx, source); err != nil {
		return nil, err
	}
	if result.TargetFingerprint, err = fingerprint(ctx, target); err != nil {
		return nil, err
	}

	actx := &AssertionContext{Ctx: ctx, Target: target, SessionID: scenario.SessionID}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) seedSource(ctx context.Context) error {
	spec := h.scenario.Source
	h.events = testutil.NewEventFactory(spec.Device).Batch(spec.Events, spec.EntityTypes...)
	for _, e := range h.events {
		if _, err := h.source.Append(ctx, e); err != nil {
			return err
		}
	}
	return h.source.WithTx(ctx, func(tx *store.Tx) error {
		_, err := projection.Rebuild(ctx, tx, spec.EntityTypes)
		return err
	})
}

func (h *Harness) prepareTarget(ctx context.Context) error {
	for _, p := range h.scenario.Target.Present {
		if _, err := h.target.Append(ctx, h.events[p-1]); err != nil {
			return err
		}
	}
	for _, p := range h.scenario.Target.Tampered {
		e := h.events[p-1]
		e.Payload = json.RawMessage(fmt.Sprintf(`{"tampered":%d}`, p))
		e.PayloadHash = ""
		if _, err := h.target.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) batches(ctx context.Context) ([]restore.Batch, error) {
	events := slices.Clone(h.events)
	for _, p := range h.scenario.Backup.BadHashes {
		events[p-1].PayloadHash = badHash
	}

	backup := &client.Backup{NodeIdentity: h.scenario.Source.Device, Events: events}
	if !h.scenario.Backup.NoSnapshot {
		snap, err := snapshot.NewBuilder(h.source, nil).Build(ctx)
		if err != nil {
			return nil, err
		}
		backup.Snapshot = snap
	}
	return backup.Batches(h.scenario.SessionID, h.scenario.Backup.BatchSize), nil
}

func (h *Harness) executeStep(ctx context.Context, c *restore.Coordinator, stepNum int, step FlowStep, batches []restore.Batch, result *Result) error {
	numbers := step.Batches
	if len(numbers) == 0 {
		for i := range batches {
			numbers = append(numbers, i+1)
		}
	}

	if step.Fault != nil {
		if err := h.installFault(ctx, step.Fault.AfterEvents); err != nil {
			return err
		}
		defer h.removeFault(ctx)
	}

	var last BatchOutcome
	for _, n := range numbers {
		outcome, err := applyBatch(ctx, c, batches[n-1])
		if err != nil {
			return err
		}
		outcome.Step = stepNum
		result.Trace = append(result.Trace, outcome)
		last = outcome

		h.logger.Debugw("drill batch applied",
			"step", stepNum,
			"batch_number", n,
			"status", outcome.Status,
			"error", outcome.Error,
		)
	}

	if step.Expect != nil {
		for _, msg := range checkExpect(stepNum, *step.Expect, last) {
			result.AddError(msg)
		}
	}
	return nil
}

// applyBatch pushes one batch. Refused batches become outcomes carrying
// the restore error code; any other error aborts the drill.
func applyBatch(ctx context.Context, c *restore.Coordinator, b restore.Batch) (BatchOutcome, error) {
	outcome := BatchOutcome{BatchNumber: b.BatchNumber}

	resp, err := c.ApplyBatch(ctx, b)
	var ve *restore.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &ve):
		outcome.Error = string(ve.Code)
		return outcome, nil
	case restore.IsStorageError(err):
		outcome.Error = string(restore.ErrCodeStorageFailure)
		return outcome, nil
	default:
		return outcome, err
	}

	outcome.Status = resp.Status
	outcome.Inserted = resp.EventsInserted
	outcome.AlreadyPresent = resp.EventsAlreadyPresent
	outcome.Rejected = resp.EventsRejected
	if len(resp.RejectedEventIDs) > 0 {
		outcome.RejectedEventIDs = slices.Clone(resp.RejectedEventIDs)
	}
	return outcome, nil
}

func checkExpect(step int, want ExpectClause, got BatchOutcome) []string {
	var errs []string
	mismatch := func(field string, w, g any) {
		errs = append(errs, fmt.Sprintf("flow[%d] batch %d: expected %s %v, got %v", step, got.BatchNumber, field, w, g))
	}

	if want.Error != "" && want.Error != got.Error {
		mismatch("error", want.Error, got.Error)
	}
	if want.Error == "" && got.Error != "" {
		mismatch("error", "none", got.Error)
	}
	if want.Status != "" && want.Status != got.Status {
		mismatch("status", want.Status, got.Status)
	}
	if want.Inserted != nil && *want.Inserted != got.Inserted {
		mismatch("inserted", *want.Inserted, got.Inserted)
	}
	if want.AlreadyPresent != nil && *want.AlreadyPresent != got.AlreadyPresent {
		mismatch("already_present", *want.AlreadyPresent, got.AlreadyPresent)
	}
	if want.Rejected != nil && *want.Rejected != got.Rejected {
		mismatch("rejected", *want.Rejected, got.Rejected)
	}
	return errs
}

func (h *Harness) installFault(ctx context.Context, afterEvents int) error {
	_, err := h.target.DB().ExecContext(ctx, fmt.Sprintf(`
		CREATE TRIGGER %s BEFORE INSERT ON events
		WHEN (SELECT COUNT(*) FROM events) >= %d
		BEGIN SELECT RAISE(ABORT, 'injected fault'); END
	`, faultTrigger, afterEvents))
	if err != nil {
		return fmt.Errorf("install fault: %w", err)
	}
	return nil
}

func (h *Harness) removeFault(ctx context.Context) {
	if _, err := h.target.DB().ExecContext(ctx, `DROP TRIGGER IF EXISTS `+faultTrigger); err != nil {
		h.logger.Warnw("failed to remove fault trigger", "error", err)
	}
}

func fingerprint(ctx context.Context, st *store.Store) (string, error) {
	latest, err := st.LatestEventID(ctx)
	if err != nil {
		return "", err
	}
	return event.Fingerprint(latest), nil
}
