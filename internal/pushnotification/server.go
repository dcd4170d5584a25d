package pushnotification

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/taskbot/pkg/cerr"
)

// Handler lets browsers register for notices.
type Handler struct {
	repo   Repository
	sender *Sender
}

func NewHandler(repo Repository, sender *Sender) *Handler {
	return &Handler{repo: repo, sender: sender}
}

type subscriptionRequest struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dhKey"`
	AuthKey   string `json:"authKey"`
}

// Routes mounts the handlers on r, which is expected to sit under /api.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/push/vapid-public-key", h.publicKey)
	r.Post("/push/subscriptions", h.register)
	r.Delete("/push/subscriptions", h.unregister)
	r.Post("/push/test", h.test)
}

func (h *Handler) publicKey(w http.ResponseWriter, r *http.Request) {
	if h.sender.PublicKey() == "" {
		cerr.WriteJSONError(r.Context(), w, cerr.NewError(cerr.FailedPrecondition, "VAPID keys not configured", nil))
		return
	}
	cerr.WriteJSON(r.Context(), w, http.StatusOK, map[string]string{"publicKey": h.sender.PublicKey()})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req subscriptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		cerr.WriteJSONError(ctx, w, cerr.NewError(cerr.InvalidArgument, "invalid request body", err))
		return
	}
	switch {
	case req.Endpoint == "":
		cerr.WriteJSONError(ctx, w, cerr.NewError(cerr.InvalidArgument, "endpoint is required", nil))
		return
	case req.P256dhKey == "":
		cerr.WriteJSONError(ctx, w, cerr.NewError(cerr.InvalidArgument, "p256dhKey is required", nil))
		return
	case req.AuthKey == "":
		cerr.WriteJSONError(ctx, w, cerr.NewError(cerr.InvalidArgument, "authKey is required", nil))
		return
	}

	sub, err := h.repo.Upsert(ctx, &Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  req.Endpoint,
		P256dhKey: req.P256dhKey,
		AuthKey:   req.AuthKey,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	cerr.WriteJSON(ctx, w, http.StatusOK, sub)
}

func (h *Handler) unregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req subscriptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil || req.Endpoint == "" {
		cerr.WriteJSONError(ctx, w, cerr.NewError(cerr.InvalidArgument, "endpoint is required", err))
		return
	}
	if err := h.repo.DeleteByEndpoint(ctx, req.Endpoint); err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) test(w http.ResponseWriter, r *http.Request) {
	sent, err := h.sender.SendToAll(r.Context(), &NotificationPayload{
		Title: "taskbot test",
		Body:  "Push notifications are working!",
	})
	if err != nil {
		cerr.WriteJSONError(r.Context(), w, cerr.NewError(cerr.Unavailable, "some notifications failed", err))
		return
	}
	cerr.WriteJSON(r.Context(), w, http.StatusOK, map[string]int{"sent": sent})
}
