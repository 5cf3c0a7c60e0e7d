// Package api is the admin HTTP surface: register owners, kick pulls, enqueue
// sync work and read per-owner queue state.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/deltasync/internal/delta"
	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/queue"
)

type OwnerRegistry interface {
	RegisterOwner(ctx context.Context, ownerID string) error
}

type Options struct {
	Queue   queue.ClaimStore
	Cursors delta.CursorStore
	Owners  OwnerRegistry
	// Pull and Sync hand the owner to the worker pool.
	Pull   queue.Trigger
	Sync   queue.Trigger
	Logger *zap.Logger
}

type server struct {
	queue   queue.ClaimStore
	cursors delta.CursorStore
	owners  OwnerRegistry
	pull    queue.Trigger
	sync    queue.Trigger
	log     *zap.Logger
}

func NewRouter(opts Options) http.Handler {
	s := &server{
		queue:   opts.Queue,
		cursors: opts.Cursors,
		owners:  opts.Owners,
		pull:    opts.Pull,
		sync:    opts.Sync,
		log:     opts.Logger,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)
	rtr.Use(s.accessLog)

	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rtr.Put("/v1/owners/{owner}", s.registerOwner)
	rtr.Post("/v1/owners/{owner}/pull", s.kickPull)
	rtr.Post("/v1/owners/{owner}/items", s.enqueueItems)
	rtr.Get("/v1/owners/{owner}/status", s.status)
	return rtr
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) registerOwner(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if s.owners == nil {
		writeError(w, http.StatusNotImplemented, "owner registry not configured")
		return
	}
	if err := s.owners.RegisterOwner(r.Context(), owner); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner_id": owner})
}

func (s *server) kickPull(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if err := s.pull.Enqueue(r.Context(), owner); err != nil {
		s.fail(w, errors.Wrap(err, "kick pull"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"owner_id": owner, "status": "queued"})
}

type enqueueRequest struct {
	Keys []string `json:"keys"`
}

type enqueueResponse struct {
	OwnerID  string `json:"owner_id"`
	Enqueued int    `json:"enqueued"`
}

// enqueueItems adds sync items and kicks the sync drain, the way a pull does.
func (s *server) enqueueItems(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys must not be empty")
		return
	}
	items := make([]domain.NewItem, 0, len(req.Keys))
	for _, key := range req.Keys {
		item := domain.NewItem{Queue: domain.SyncQueue, OwnerID: owner, DedupeKey: key}
		if err := item.Validate(); err != nil {
			s.fail(w, err)
			return
		}
		items = append(items, item)
	}
	resp := enqueueResponse{OwnerID: owner}
	for _, item := range items {
		ok, err := s.queue.Enqueue(r.Context(), item)
		if err != nil {
			s.fail(w, err)
			return
		}
		if ok {
			resp.Enqueued++
		}
	}
	if err := s.sync.Enqueue(r.Context(), owner); err != nil {
		s.fail(w, errors.Wrap(err, "kick sync"))
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type statusResponse struct {
	OwnerID string         `json:"owner_id"`
	Cursor  *string        `json:"cursor"`
	Queued  map[string]int `json:"queued"`
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	resp := statusResponse{OwnerID: owner, Queued: map[string]int{}}
	for _, q := range []string{domain.SyncQueue, domain.WorkQueue, domain.PlanQueue} {
		n, err := s.queue.Depth(r.Context(), q, owner)
		if err != nil {
			s.fail(w, err)
			return
		}
		resp.Queued[q] = n
	}
	cursor, ok, err := s.cursors.GetCursor(r.Context(), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	if ok {
		resp.Cursor = &cursor
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
