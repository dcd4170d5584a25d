package webhook

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/taskbot/pkg/cerr"
)

// Handler exposes the queue over the admin API.
type Handler struct {
	queue *Queue
}

func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

type publishRequest struct {
	ProjectID string          `json:"projectId"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

type publishResponse struct {
	Deliveries []*Delivery `json:"deliveries"`
}

// Routes mounts the handlers on r, which is expected to sit under /api.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events", h.publish)
	r.Get("/deliveries/{id}", h.get)
	r.Post("/deliveries/{id}/retry", h.retry)
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		cerr.WriteJSONError(ctx, w, cerr.NewError(cerr.InvalidArgument, "invalid request body", err))
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.Event) == "" {
		cerr.WriteJSONError(ctx, w, cerr.NewError(cerr.InvalidArgument, "projectId and event are required", nil))
		return
	}
	deliveries, err := h.queue.FanOut(ctx, req.ProjectID, req.Event, req.Data)
	if err != nil && len(deliveries) == 0 {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	if deliveries == nil {
		deliveries = []*Delivery{}
	}
	cerr.WriteJSON(ctx, w, http.StatusAccepted, publishResponse{Deliveries: deliveries})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	d, err := h.queue.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.WriteJSONError(r.Context(), w, err)
		return
	}
	cerr.WriteJSON(r.Context(), w, http.StatusOK, d)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	d, err := h.queue.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.WriteJSONError(r.Context(), w, err)
		return
	}
	cerr.WriteJSON(r.Context(), w, http.StatusOK, d)
}
