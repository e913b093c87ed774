// Package admin serves the operator HTTP API: health, namespace status and
// migration control. Namespaces are addressed by token, never by user id.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flarebyte/redstore/internal/migrate"
	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/flarebyte/redstore/internal/store"
)

// Operator is the set of namespace operations the router calls.
type Operator interface {
	Records(ctx context.Context) ([]*namespace.Record, error)
	StatusToken(ctx context.Context, token string) (*namespace.Record, error)
	MigrateToken(ctx context.Context, token string, target store.BackendKind) (*migrate.Report, error)
	RollbackToken(ctx context.Context, token string) (*namespace.Record, error)
	RecoverToken(ctx context.Context, token string) (*namespace.Record, error)
	RecoverAll(ctx context.Context) ([]*namespace.Record, error)
	Prune(ctx context.Context) ([]migrate.Pruned, error)
}

// MigrateRequest is the body of POST /admin/v1/namespaces/{token}/migrate.
type MigrateRequest struct {
	Target store.BackendKind `json:"target"`
}

// Handler bundles dependencies for the admin endpoints.
type Handler struct {
	op Operator
}

func New(op Operator) *Handler {
	return &Handler{op: op}
}

// Router wires the handler into a chi router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.health)
	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/namespaces", h.list)
		r.Get("/namespaces/{token}", h.status)
		r.Post("/namespaces/{token}/migrate", h.migrate)
		r.Post("/namespaces/{token}/rollback", h.rollback)
		r.Post("/namespaces/{token}/recover", h.recoverOne)
		r.Post("/recover", h.recoverAll)
		r.Post("/prune", h.prune)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	recs, err := h.op.Records(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*namespace.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": recs})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.op.StatusToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) migrate(w http.ResponseWriter, r *http.Request) {
	var req MigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, store.Wrap(store.ErrInvalidArgument, "admin.migrate", store.Namespace{}, err))
		return
	}
	rep, err := h.op.MigrateToken(r.Context(), chi.URLParam(r, "token"), req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) rollback(w http.ResponseWriter, r *http.Request) {
	rec, err := h.op.RollbackToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// recoverOne rolls back a migration orphaned by a crashed process.
func (h *Handler) recoverOne(w http.ResponseWriter, r *http.Request) {
	rec, err := h.op.RecoverToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) recoverAll(w http.ResponseWriter, r *http.Request) {
	recs, err := h.op.RecoverAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*namespace.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered": recs})
}

func (h *Handler) prune(w http.ResponseWriter, r *http.Request) {
	pruned, err := h.op.Prune(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if pruned == nil {
		pruned = []migrate.Pruned{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pruned": pruned})
}

// writeJSON writes a value as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	var e errorBody
	e.Error.Code = store.Code(err)
	e.Error.Message = err.Error()
	status := http.StatusInternalServerError
	switch e.Error.Code {
	case "not_found":
		status = http.StatusNotFound
	case "invalid_argument":
		status = http.StatusBadRequest
	case "migration_in_progress":
		status = http.StatusConflict
	case "migration_validation_failed":
		status = http.StatusUnprocessableEntity
	case "backend_unavailable":
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, e)
}
