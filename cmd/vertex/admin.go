package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/linkflow/stream/internal/flow"
	"github.com/linkflow/stream/internal/vertex"
)

// adminHandler exposes the control operations of a vertex. Start runs the
// processor under base so it outlives the request.
type adminHandler struct {
	vertex *vertex.Vertex
	base   context.Context
	logger *slog.Logger
}

func (h *adminHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("POST /control/start", h.start)
	mux.HandleFunc("POST /control/halt", h.halt)
	mux.HandleFunc("POST /control/restore", h.restore)
	mux.HandleFunc("POST /control/block", h.connectionControl("block", h.vertex.Block))
	mux.HandleFunc("POST /control/unblock", h.connectionControl("unblock", withoutContext(h.vertex.Unblock)))
	mux.HandleFunc("POST /control/priority", h.connectionControl("priority", h.vertex.Prioritize))
	mux.HandleFunc("POST /control/release", h.connectionControl("release", withoutContext(h.vertex.Deprioritize)))
}

func (h *adminHandler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.vertex.Status())
}

func (h *adminHandler) start(w http.ResponseWriter, _ *http.Request) {
	if err := h.vertex.Start(h.base); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, h.vertex.Status())
}

// halt accepts ?upstream=op-a,op-b naming the halted upstream instances.
func (h *adminHandler) halt(w http.ResponseWriter, r *http.Request) {
	upstream := splitList(r.URL.Query().Get("upstream"), ",")
	if err := h.vertex.Halt(r.Context(), upstream); err != nil {
		h.logger.Error("halt failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h.vertex.Status())
}

func (h *adminHandler) restore(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("checkpoint")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.vertex.Restore(r.Context(), id); err != nil {
		h.logger.Error("restore failed",
			slog.String("checkpoint_id", id.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, h.vertex.Status())
}

func withoutContext(fn func(flow.ConnectionKey) error) func(context.Context, flow.ConnectionKey) error {
	return func(_ context.Context, key flow.ConnectionKey) error { return fn(key) }
}

// connectionControl applies fn to the inbound connection named by
// ?connection=op-a/0.
func (h *adminHandler) connectionControl(op string, fn func(context.Context, flow.ConnectionKey) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := parseInputs(r.URL.Query().Get("connection"))
		if err == nil && len(keys) != 1 {
			err = fmt.Errorf("exactly one connection is required, got %d", len(keys))
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if err := fn(r.Context(), keys[0]); err != nil {
			h.logger.Error(op+" failed",
				slog.String("connection", keys[0].String()),
				slog.String("error", err.Error()),
			)
			code := http.StatusConflict
			if errors.Is(err, flow.ErrUnknownConnection) {
				code = http.StatusNotFound
			}
			writeError(w, code, err)
			return
		}
		writeJSON(w, http.StatusOK, h.vertex.Status())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
