package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/lifeboat/internal/export"
	"github.com/roach88/lifeboat/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HealthResponse identifies the node and summarizes its log.
type HealthResponse struct {
	NodeIdentity  string `json:"node_identity" yaml:"node_identity"`
	DBFingerprint string `json:"db_fingerprint" yaml:"db_fingerprint"`
	EventsCount   int64  `json:"events_count" yaml:"events_count"`
}

// StatsResponse lists event counts per entity type.
type StatsResponse struct {
	EntityTypes []store.EntityTypeStats `json:"entity_types" yaml:"entity_types"`
}

// HistoryResponse lists past restore sessions, newest first.
type HistoryResponse struct {
	Sessions []store.RestoreSession `json:"sessions" yaml:"sessions"`
}

// SessionResponse is one restore session with its applied batches.
type SessionResponse struct {
	Session store.RestoreSession `json:"session" yaml:"session"`
	Batches []store.BatchRecord  `json:"batches" yaml:"batches"`
}

// RejectsResponse lists the audit rows of events a session refused.
type RejectsResponse struct {
	RestoreSessionID string               `json:"restore_session_id" yaml:"restore_session_id"`
	Rejects          []store.RejectRecord `json:"rejects" yaml:"rejects"`
}

func (app *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fingerprint, err := app.exporter.Fingerprint(ctx)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	count, err := app.store.Count(ctx)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.metrics.SetStoredEvents(count)

	writeJSON(w, http.StatusOK, HealthResponse{
		NodeIdentity:  app.exporter.NodeID(),
		DBFingerprint: fingerprint,
		EventsCount:   count,
	})
}

func (app *Application) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := app.store.StatsByEntityType(r.Context())
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{EntityTypes: stats})
}

func (app *Application) exportHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := export.Request{SinceCursor: q.Get("since_cursor")}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, "limit must be an integer", false)
			return
		}
		req.Limit = limit
	}
	if v := q.Get("include_snapshot"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, "include_snapshot must be a boolean", false)
			return
		}
		req.IncludeSnapshot = include
	}

	resp, err := app.exporter.Export(r.Context(), req)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (app *Application) restoreHandler(w http.ResponseWriter, r *http.Request) {
	limit := app.config.MaxBodyBytes
	if limit <= 0 {
		limit = 64 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		app.writeError(w, r, err)
		return
	}

	batch, err := app.schema.DecodeBatch(body)
	if err != nil {
		app.writeError(w, r, err)
		return
	}

	// A batch that has started applying runs to commit or rollback even if
	// the client goes away.
	resp, err := app.restorer.ApplyBatch(context.WithoutCancel(r.Context()), batch)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (app *Application) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, "limit must be a positive integer", false)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	sessions, err := app.store.ListSessions(r.Context(), limit)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Sessions: sessions})
}

// lookupSession writes 404 and returns false for an unknown session.
func (app *Application) lookupSession(w http.ResponseWriter, r *http.Request) (store.RestoreSession, bool) {
	id := chi.URLParam(r, "session_id")
	rs, found, err := app.store.GetSession(r.Context(), id)
	if err != nil {
		app.writeError(w, r, err)
		return store.RestoreSession{}, false
	}
	if !found {
		writeErrorResponse(w, http.StatusNotFound, CodeNotFound, "unknown restore session "+id, false)
		return store.RestoreSession{}, false
	}
	return rs, true
}

func (app *Application) sessionHandler(w http.ResponseWriter, r *http.Request) {
	rs, ok := app.lookupSession(w, r)
	if !ok {
		return
	}
	batches, err := app.store.ListBatches(r.Context(), rs.SessionID)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: rs, Batches: batches})
}

func (app *Application) rejectsHandler(w http.ResponseWriter, r *http.Request) {
	rs, ok := app.lookupSession(w, r)
	if !ok {
		return
	}
	rejects, err := app.store.ListRejects(r.Context(), rs.SessionID)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RejectsResponse{RestoreSessionID: rs.SessionID, Rejects: rejects})
}
