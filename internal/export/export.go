// Package export serves pages of the event log to backup clients.
package export

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/metrics"
	"github.com/roach88/lifeboat/internal/snapshot"
	"github.com/roach88/lifeboat/internal/store"
)

const (
	DefaultLimit = 1000
	MaxLimit     = 5000
)

var tracer = otel.Tracer("lifeboat/export")

// Request selects one page of the log.
type Request struct {
	SinceCursor     string
	Limit           int
	IncludeSnapshot bool
}

// Pagination describes where a page sits in the log.
// NextCursor is null when the page is empty.
type Pagination struct {
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
	TotalCount int64   `json:"total_count"`
}

// Response is one export page.
type Response struct {
	NodeIdentity     string            `json:"node_identity"`
	StateFingerprint string            `json:"state_fingerprint"`
	Events           []event.Event     `json:"events"`
	EventsCount      int               `json:"events_count"`
	Pagination       Pagination        `json:"pagination"`
	Snapshot         snapshot.Snapshot `json:"snapshot,omitempty"`
}

// Store is the read-only view of the log export needs.
type Store interface {
	Query(ctx context.Context, cursor string, limit int) (store.Page, error)
	Count(ctx context.Context) (int64, error)
	LatestEventID(ctx context.Context) (string, error)
}

// Identity reports the node identity.
type Identity interface {
	NodeID() string
}

// Config bounds page sizes.
type Config struct {
	DefaultLimit int
	MaxLimit     int
}

// Service builds export pages. It never writes and is safe for concurrent
// use alongside restores and other exports.
type Service struct {
	store     Store
	identity  Identity
	snapshots *snapshot.Builder
	cfg       Config
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
}

// NewService creates an export service. Zero limits take the package
// defaults; m and logger may be nil.
func NewService(st Store, identity Identity, snapshots *snapshot.Builder, cfg Config, m *metrics.Metrics, logger *zap.SugaredLogger) *Service {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxLimit
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: st, identity: identity, snapshots: snapshots, cfg: cfg, metrics: m, logger: logger}
}

// Export returns the page of events strictly after req.SinceCursor.
// A limit of zero takes the default; limits above the maximum are clamped.
func (s *Service) Export(ctx context.Context, req Request) (resp Response, err error) {
	ctx, span := tracer.Start(ctx, "export.page")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	limit := req.Limit
	switch {
	case limit < 0:
		return Response{}, &store.ValidationError{Field: "limit", Message: "must not be negative"}
	case limit == 0:
		limit = s.cfg.DefaultLimit
	case limit > s.cfg.MaxLimit:
		limit = s.cfg.MaxLimit
	}

	page, err := s.store.Query(ctx, req.SinceCursor, limit)
	if err != nil {
		return Response{}, err
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return Response{}, err
	}
	fingerprint, err := s.Fingerprint(ctx)
	if err != nil {
		return Response{}, err
	}

	resp = Response{
		NodeIdentity:     s.identity.NodeID(),
		StateFingerprint: fingerprint,
		Events:           page.Events,
		EventsCount:      len(page.Events),
		Pagination: Pagination{
			HasMore:    page.HasMore,
			TotalCount: total,
		},
	}
	if page.NextCursor != "" {
		next := page.NextCursor
		resp.Pagination.NextCursor = &next
	}

	if req.IncludeSnapshot && s.snapshots != nil {
		snap, err := s.snapshots.Build(ctx)
		if err != nil {
			return Response{}, fmt.Errorf("export: %w", err)
		}
		resp.Snapshot = snap
	}

	span.SetAttributes(
		attribute.Int("export.limit", limit),
		attribute.Int("export.events", resp.EventsCount),
		attribute.Bool("export.has_more", page.HasMore),
		attribute.Bool("export.snapshot", req.IncludeSnapshot),
	)
	s.metrics.ObserveExport(req.IncludeSnapshot)
	s.metrics.SetStoredEvents(total)
	s.logger.Debugw("export page served",
		"events", resp.EventsCount,
		"has_more", page.HasMore,
		"snapshot", req.IncludeSnapshot,
	)
	return resp, nil
}

// Fingerprint summarizes the most recent event, or returns the empty-store
// sentinel.
func (s *Service) Fingerprint(ctx context.Context) (string, error) {
	latest, err := s.store.LatestEventID(ctx)
	if err != nil {
		return "", err
	}
	return event.Fingerprint(latest), nil
}

// NodeID returns the identity reported in every page.
func (s *Service) NodeID() string {
	return s.identity.NodeID()
}
