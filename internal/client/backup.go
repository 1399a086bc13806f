package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lifeboat/internal/api"
	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/export"
	"github.com/roach88/lifeboat/internal/restore"
	"github.com/roach88/lifeboat/internal/snapshot"
)

// Backup is a full export of one node, as written to disk.
type Backup struct {
	NodeIdentity     string            `json:"node_identity"`
	StateFingerprint string            `json:"state_fingerprint"`
	ExportedAt       int64             `json:"exported_at"`
	TotalCount       int64             `json:"total_count"`
	Snapshot         snapshot.Snapshot `json:"snapshot,omitempty"`
	Events           []event.Event     `json:"events"`
}

// Pull pages through the node's whole log. The snapshot is requested with
// the first page only.
func (c *Client) Pull(ctx context.Context, pageSize int) (*Backup, error) {
	b := &Backup{ExportedAt: time.Now().UnixMilli(), Events: []event.Event{}}

	cursor := ""
	for page := 1; ; page++ {
		resp, err := c.ExportPage(ctx, export.Request{
			SinceCursor:     cursor,
			Limit:           pageSize,
			IncludeSnapshot: page == 1,
		})
		if err != nil {
			return nil, fmt.Errorf("export page %d: %w", page, err)
		}
		if page == 1 {
			b.NodeIdentity = resp.NodeIdentity
			b.Snapshot = resp.Snapshot
		}
		b.StateFingerprint = resp.StateFingerprint
		b.TotalCount = resp.Pagination.TotalCount
		b.Events = append(b.Events, resp.Events...)

		c.logger.Debugw("export page pulled", "page", page, "events", resp.EventsCount, "has_more", resp.Pagination.HasMore)
		if !resp.Pagination.HasMore || resp.Pagination.NextCursor == nil {
			break
		}
		cursor = *resp.Pagination.NextCursor
	}

	c.logger.Infow("backup pulled",
		"node_identity", b.NodeIdentity,
		"state_fingerprint", b.StateFingerprint,
		"events", len(b.Events),
	)
	return b, nil
}

// PushResult summarizes a multi-batch restore.
type PushResult struct {
	RestoreSessionID     string             `json:"restore_session_id" yaml:"restore_session_id"`
	Status               string             `json:"status" yaml:"status"`
	EventsInserted       int                `json:"events_inserted" yaml:"events_inserted"`
	EventsAlreadyPresent int                `json:"events_already_present" yaml:"events_already_present"`
	EventsRejected       int                `json:"events_rejected" yaml:"events_rejected"`
	RejectedEventIDs     []string           `json:"rejected_event_ids" yaml:"rejected_event_ids"`
	Batches              []restore.Response `json:"batches" yaml:"batches"`
}

// Batches splits a backup into restore batches of at most batchSize
// events. The snapshot rides on the first batch and only the last is final.
// An empty backup still yields one batch so the session completes.
func (b *Backup) Batches(sessionID string, batchSize int) []restore.Batch {
	if batchSize <= 0 {
		batchSize = restore.DefaultMaxBatchSize
	}
	total := max((len(b.Events)+batchSize-1)/batchSize, 1)

	batches := make([]restore.Batch, 0, total)
	for i := 0; i < total; i++ {
		lo := i * batchSize
		hi := min(lo+batchSize, len(b.Events))
		events := b.Events[lo:hi]
		batch := restore.Batch{
			RestoreSessionID: sessionID,
			SourceDeviceID:   b.NodeIdentity,
			BatchNumber:      i + 1,
			TotalBatches:     total,
			IsFinalBatch:     i == total-1,
			Events:           events,
			EventsCount:      len(events),
		}
		if i == 0 {
			batch.Snapshot = b.Snapshot
		}
		batches = append(batches, batch)
	}
	return batches
}

// Push restores a backup into the node in batches. An empty sessionID
// starts a new session; passing the id of an interrupted session resumes
// it, since batches already applied are no-ops.
func (c *Client) Push(ctx context.Context, b *Backup, sessionID string, batchSize int) (*PushResult, error) {
	if sessionID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate session id: %w", err)
		}
		sessionID = id.String()
	}

	result := &PushResult{RestoreSessionID: sessionID, RejectedEventIDs: []string{}}
	for _, batch := range b.Batches(sessionID, batchSize) {
		resp, err := c.RestoreBatch(ctx, batch)
		if err != nil {
			return result, fmt.Errorf("restore batch %d of %d: %w", batch.BatchNumber, batch.TotalBatches, err)
		}
		result.Batches = append(result.Batches, resp)
		result.Status = resp.Status
		result.EventsInserted += resp.EventsInserted
		result.EventsAlreadyPresent += resp.EventsAlreadyPresent
		result.EventsRejected += resp.EventsRejected
		result.RejectedEventIDs = append(result.RejectedEventIDs, resp.RejectedEventIDs...)

		c.logger.Infow("restore batch pushed",
			"restore_session_id", sessionID,
			"batch_number", batch.BatchNumber,
			"total_batches", batch.TotalBatches,
			"inserted", resp.EventsInserted,
			"rejected", resp.EventsRejected,
		)
	}
	return result, nil
}

// Decision explains whether a node should be restored from a backup.
type Decision struct {
	Restore bool   `json:"restore" yaml:"restore"`
	Reason  string `json:"reason" yaml:"reason"`
}

// NeedsRestore compares a node's health with a backup. A node is restored
// when it holds nothing, or when it is a different node than the one
// backed up and holds fewer events than the backup.
func NeedsRestore(target api.HealthResponse, b *Backup) Decision {
	switch {
	case b == nil || (len(b.Events) == 0 && b.Snapshot.RowCount() == 0):
		return Decision{Reason: "backup is empty"}
	case target.EventsCount == 0:
		return Decision{Restore: true, Reason: "node holds no events"}
	case target.NodeIdentity != b.NodeIdentity && target.EventsCount < int64(len(b.Events)):
		return Decision{Restore: true, Reason: fmt.Sprintf(
			"node %s replaced %s and holds %d of %d events",
			target.NodeIdentity, b.NodeIdentity, target.EventsCount, len(b.Events))}
	case target.NodeIdentity == b.NodeIdentity && target.DBFingerprint == b.StateFingerprint:
		return Decision{Reason: "node is unchanged since the backup"}
	default:
		return Decision{Reason: "node already holds the backed up state"}
	}
}

// WriteBackup writes b to path atomically.
func WriteBackup(path string, b *Backup) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".lifeboat-backup-*")
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename backup: %w", err)
	}
	return nil
}

// ReadBackup loads a backup written by WriteBackup. Snapshot numbers are
// kept as json.Number.
func ReadBackup(path string) (*Backup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var b Backup
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", path, err)
	}
	return &b, nil
}
