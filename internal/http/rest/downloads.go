// Package rest exposes the download queue over a small JSON API.
// Authentication is left to the reverse proxy in front; the proxy
// identifies the caller through the X-Ripqueue-User header.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ripqueue/ripqueue/internal/download"
	"github.com/ripqueue/ripqueue/internal/logctx"
	"github.com/ripqueue/ripqueue/internal/queue"
	"github.com/ripqueue/ripqueue/internal/telemetry"
)

// OwnerHeader carries the authenticated caller identity, set by the
// auth proxy in front of this service.
const OwnerHeader = "X-Ripqueue-User"

type SubmitRequest struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

type SpeedLimitRequest struct {
	BytesPerSecond int64 `json:"bytes_per_second"`
}

type ItemResponse struct {
	ID            string  `json:"id"`
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Priority      int     `json:"priority"`
	State         string  `json:"state"`
	Progress      float64 `json:"progress"`
	Error         string  `json:"error,omitempty"`
	ErrorCategory string  `json:"error_category,omitempty"`
	Retryable     *bool   `json:"retryable,omitempty"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     string  `json:"started_at,omitempty"`
	FinishedAt    string  `json:"finished_at,omitempty"`
	OutputPath    string  `json:"output_path,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newItemResponse(item *download.Item) *ItemResponse {
	resp := &ItemResponse{
		ID:        item.ID,
		URL:       item.SourceURL,
		Title:     item.Title,
		Priority:  item.Priority,
		State:     item.State.String(),
		Progress:  item.Progress,
		Error:     item.Error,
		CreatedAt: item.CreatedAt.Format(time.RFC3339),
	}

	if item.ErrorCategory != "" {
		resp.ErrorCategory = string(item.ErrorCategory)
		retryable := item.ErrorCategory.Retryable()
		resp.Retryable = &retryable
	}

	if !item.StartedAt.IsZero() {
		resp.StartedAt = item.StartedAt.Format(time.RFC3339)
	}

	if !item.FinishedAt.IsZero() {
		resp.FinishedAt = item.FinishedAt.Format(time.RFC3339)
	}

	if item.OutputPath != "" {
		resp.OutputPath = item.OutputPath
	}

	return resp
}

// DownloadsHandler serves the queue API backed by the engine.
type DownloadsHandler struct {
	engine    *queue.Engine
	telemetry *telemetry.Telemetry
}

func NewDownloadsHandler(engine *queue.Engine, tel *telemetry.Telemetry) *DownloadsHandler {
	return &DownloadsHandler{engine: engine, telemetry: tel}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requireOwner)

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleSubmit)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Post("/{id}/pause", h.HandlePause)
		r.Post("/{id}/resume", h.HandleResume)
		r.Post("/{id}/cancel", h.HandleCancel)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Post("/pause", h.HandlePauseAll)
		r.Post("/resume", h.HandleResumeAll)
		r.Put("/speed-limit", h.HandleSetSpeedLimit)
		r.Get("/speed-limit", h.HandleGetSpeedLimit)
	})

	return r
}

func (h *DownloadsHandler) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(OwnerHeader) == "" {
			respondError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *DownloadsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	item, err := h.engine.Submit(r.Context(), r.Header.Get(OwnerHeader), req.URL, req.Priority)
	if err != nil {
		h.respondEngineError(w, r, err)

		return
	}

	h.telemetry.RecordSubmission()

	respondJSON(w, http.StatusCreated, newItemResponse(item))
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	items := h.engine.List(r.Context(), r.Header.Get(OwnerHeader))

	resp := make([]*ItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, newItemResponse(item))
	}

	respondJSON(w, http.StatusOK, resp)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	item, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondEngineError(w, r, err)

		return
	}

	// Records are not shared across owners.
	if item.Owner != r.Header.Get(OwnerHeader) {
		h.respondEngineError(w, r, &download.NotFoundError{ID: item.ID})

		return
	}

	respondJSON(w, http.StatusOK, newItemResponse(item))
}

func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.engine.Pause)
}

func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.engine.Resume)
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.engine.Cancel)
}

func (h *DownloadsHandler) handleTransition(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, id string) error,
) {
	id := chi.URLParam(r, "id")

	item, err := h.engine.Get(r.Context(), id)
	if err != nil || item.Owner != r.Header.Get(OwnerHeader) {
		h.respondEngineError(w, r, &download.NotFoundError{ID: id})

		return
	}

	if err := op(r.Context(), id); err != nil {
		h.respondEngineError(w, r, err)

		return
	}

	item, err = h.engine.Get(r.Context(), id)
	if err != nil {
		h.respondEngineError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, newItemResponse(item))
}

func (h *DownloadsHandler) HandlePauseAll(w http.ResponseWriter, r *http.Request) {
	h.engine.PauseAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) HandleResumeAll(w http.ResponseWriter, r *http.Request) {
	h.engine.ResumeAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) HandleSetSpeedLimit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req SpeedLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if err := h.engine.SetSpeedLimit(r.Context(), req.BytesPerSecond); err != nil {
		h.respondEngineError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, SpeedLimitRequest{BytesPerSecond: h.engine.SpeedLimit()})
}

func (h *DownloadsHandler) HandleGetSpeedLimit(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, SpeedLimitRequest{BytesPerSecond: h.engine.SpeedLimit()})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// respondEngineError maps the engine's error taxonomy onto HTTP status
// codes.
func (h *DownloadsHandler) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *download.ValidationError
		nerr *download.NotFoundError
		cerr *download.ConflictError
		serr *download.SystemError
	)

	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &nerr):
		respondError(w, http.StatusNotFound, nerr.Error())
	case errors.As(err, &cerr):
		respondError(w, http.StatusConflict, cerr.Error())
	case errors.As(err, &serr):
		logctx.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		h.telemetry.RecordSystemError("api", serr.Operation)
		respondError(w, http.StatusServiceUnavailable, "temporarily unable to accept the request")
	default:
		logctx.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
