package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	core "github.com/baddiejournal/billing/pkg/billing"
)

// DefaultSignatureHeader is where the stub gateway carries its HMAC.
// Paddle deployments set RouterOptions.SignatureHeader to "Paddle-Signature".
const DefaultSignatureHeader = "X-Signature"

// maxWebhookBody bounds webhook payload reads. Gateway events are small.
const maxWebhookBody = 1 << 20

// RouterOptions configures the billing HTTP module.
type RouterOptions struct {
	Service    *core.Service
	Reconciler *core.Reconciler
	Logger     *slog.Logger

	// SignatureHeader overrides the webhook signature header name.
	SignatureHeader string
}

// Router mounts the billing endpoints.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", billing.Router(billing.RouterOptions{
//	    Service:    svc,
//	    Reconciler: reconciler,
//	}))
func Router(opts RouterOptions) chi.Router {
	if opts.Service == nil {
		panic("billing: Service is required")
	}
	if opts.Reconciler == nil {
		panic("billing: Reconciler is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = DefaultSignatureHeader
	}

	h := &handlers{
		service:         opts.Service,
		reconciler:      opts.Reconciler,
		logger:          opts.Logger,
		signatureHeader: opts.SignatureHeader,
	}

	r := chi.NewRouter()
	r.Post("/webhooks/payment", h.handleWebhook)
	r.Post("/signup", h.handleSignup)
	r.Route("/subscriptions/{subscriptionID}", func(sr chi.Router) {
		sr.Get("/access", h.handleAccess)
		sr.Post("/upgrade", h.handleUpgrade)
		sr.Post("/cancel", h.handleCancel)
	})
	return r
}

type handlers struct {
	service         *core.Service
	reconciler      *core.Reconciler
	logger          *slog.Logger
	signatureHeader string
}

// handleWebhook acknowledges everything except a bad signature or payload:
// a non-2xx response makes the gateway redeliver, and redelivery only helps
// when the delivery itself was unreadable.
func (h *handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	err = h.reconciler.Handle(r.Context(), payload, r.Header.Get(h.signatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, core.ErrInvalidSignature), errors.Is(err, core.ErrInvalidWebhookPayload):
		writeError(w, http.StatusBadRequest, "invalid webhook")
	default:
		// Transient internal failure: let the gateway redeliver.
		h.logger.ErrorContext(r.Context(), "webhook processing failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "processing failed")
	}
}

func (h *handlers) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, sub, err := h.service.CreateUserWithTrial(r.Context(), req.Email, req.Name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"user":         user,
		"subscription": sub,
	})
}

func (h *handlers) handleAccess(w http.ResponseWriter, r *http.Request) {
	subID, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), subID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	access := h.service.CheckAccess(sub)
	writeJSON(w, http.StatusOK, map[string]any{
		"has_access":    access.HasAccess,
		"features":      access.Features,
		"needs_upgrade": access.NeedsUpgrade,
	})
}

func (h *handlers) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	subID, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}

	sub, err := h.service.UpgradeTrialToPaid(r.Context(), subID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

func (h *handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	subID, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}

	var req struct {
		AtPeriodEnd bool `json:"at_period_end"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sub, err := h.service.CancelSubscription(r.Context(), subID, req.AtPeriodEnd)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

func (h *handlers) subscriptionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, "invalid email address")
	case errors.Is(err, core.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, core.ErrUserNotFound), errors.Is(err, core.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, core.ErrGatewayUnavailable):
		// Retryable: the billing provider is down, nothing was changed.
		writeError(w, http.StatusBadGateway, "billing provider unavailable, try again")
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
