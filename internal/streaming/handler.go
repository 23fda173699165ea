package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the scheduler's operations over HTTP using go-chi.
type Handler struct {
	sched *Scheduler
	log   *slog.Logger
}

// NewHandler returns a Handler for sched.
func NewHandler(sched *Scheduler, log *slog.Logger) *Handler {
	return &Handler{sched: sched, log: log}
}

// Routes mounts the stream endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/streams", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/status", h.Status)
		r.Post("/prepare", h.Prepare)
		r.Post("/prepared/{stream_id}", h.AddPrepared)
		r.Delete("/prepared/{stream_id}", h.DiscardPrepared)
		r.Post("/pause-all", h.PauseAll)
		r.Route("/{stream_id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.Update)
			r.Delete("/", h.Delete)
			r.Get("/parts", h.Parts)
			r.Post("/start", h.Start)
			r.Post("/pause", h.Pause)
			r.Post("/finish", h.Finish)
		})
	})
}

// Prepare handles POST /streams/prepare.
func (h *Handler) Prepare(w http.ResponseWriter, r *http.Request) {
	var req PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid prepare body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sp, err := h.sched.Prepare(r.Context(), req)
	if err != nil {
		h.fail(w, "prepare stream failed", "", err)
		return
	}
	writeJSON(w, http.StatusCreated, sp)
}

// AddPrepared handles POST /streams/prepared/{stream_id}.
func (h *Handler) AddPrepared(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	sp, err := h.sched.AddPrepared(r.Context(), id)
	if err != nil {
		h.fail(w, "add prepared stream failed", id, err)
		return
	}
	writeJSON(w, http.StatusCreated, sp)
}

// DiscardPrepared handles DELETE /streams/prepared/{stream_id}.
func (h *Handler) DiscardPrepared(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	if err := h.sched.DiscardPrepared(id); err != nil {
		h.fail(w, "discard prepared stream failed", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /streams.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"streams": h.sched.List()})
}

// Status handles GET /streams/status. The UI uses it to gate flows that
// conflict with an active stream.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	n := h.sched.StreamingCount()
	writeJSON(w, http.StatusOK, map[string]any{"streaming": n > 0, "active": n})
}

// Get handles GET /streams/{stream_id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sp, ok := h.sched.Get(streamID(r))
	if !ok {
		writeError(w, http.StatusNotFound, ErrRecordNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

// Parts handles GET /streams/{stream_id}/parts.
func (h *Handler) Parts(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	parts, err := h.sched.Parts(r.Context(), id)
	if err != nil {
		h.fail(w, "list parts failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parts": parts})
}

// Update handles PATCH /streams/{stream_id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	var upd StreamUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sp, err := h.sched.Update(r.Context(), id, upd)
	if err != nil {
		h.fail(w, "update stream failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

// Delete handles DELETE /streams/{stream_id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	if err := h.sched.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete stream failed", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start handles POST /streams/{stream_id}/start.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "start", h.sched.Start)
}

// Pause handles POST /streams/{stream_id}/pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pause", h.sched.Pause)
}

// Finish handles POST /streams/{stream_id}/finish.
func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "finish", h.sched.Finish)
}

// PauseAll handles POST /streams/pause-all.
func (h *Handler) PauseAll(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.PauseAll(r.Context()); err != nil {
		h.fail(w, "pause all failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": h.sched.List()})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id StreamID) error) {
	id := streamID(r)
	if err := fn(r.Context(), id); err != nil {
		h.fail(w, op+" stream failed", id, err)
		return
	}
	sp, _ := h.sched.Get(id)
	writeJSON(w, http.StatusOK, sp)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, id StreamID, err error) {
	status := statusFor(err)
	attrs := []any{slog.String("error", err.Error()), slog.Int("status", status)}
	if id != "" {
		attrs = append(attrs, slog.String("stream_id", string(id)))
	}
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, attrs...)
	} else {
		h.log.Info(msg, attrs...)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrNoConnectivity), errors.Is(err, ErrConversionUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNodeCallFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func streamID(r *http.Request) StreamID {
	return StreamID(chi.URLParam(r, "stream_id"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]string{"error": err.Error()}
	if reason := ReasonOf(err); reason != ReasonUnknown {
		body["reason"] = reason
	}
	writeJSON(w, status, body)
}
