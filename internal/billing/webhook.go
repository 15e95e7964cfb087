package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/tallyworks/gatekeeper/internal/metrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// CheckoutCompleted carries the fields of a completed checkout session.
type CheckoutCompleted struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	IdentityID     string
	Email          string
}

// EventSink applies billing events to local state. Both methods must be
// idempotent; Stripe redelivers events.
type EventSink interface {
	SyncSubscription(ctx context.Context, subscriptionID string) error
	AttachCheckout(ctx context.Context, c CheckoutCompleted) error
}

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret string
	sink   EventSink
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, sink EventSink) *WebhookHandler {
	return &WebhookHandler{secret: secret, sink: sink}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"

	event, status, reason := h.verify(w, r)
	if event != nil {
		eventType = string(event.Type)
		if err := h.handleEvent(context.WithoutCancel(r.Context()), event); err != nil {
			log.Error().Err(err).
				Str("event_id", event.ID).
				Str("type", eventType).
				Msg("Stripe webhook processing failed")
			status, reason = http.StatusInternalServerError, "processing failed"
		}
	}

	metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())

	if reason != "" {
		writeJSON(w, status, webhookErrorResponse{Error: reason})
		return
	}
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

// verify returns the signed event, or the status and reason to reject the
// delivery with.
func (h *WebhookHandler) verify(w http.ResponseWriter, r *http.Request) (*stripe.Event, int, string) {
	switch {
	case r.Method != http.MethodPost:
		return nil, http.StatusMethodNotAllowed, "method not allowed"
	case strings.TrimSpace(h.secret) == "":
		return nil, http.StatusServiceUnavailable, "webhook secret not configured"
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookBodyLimit))
	if err != nil {
		return nil, http.StatusBadRequest, "failed to read request body"
	}
	sig := strings.TrimSpace(r.Header.Get("Stripe-Signature"))
	if sig == "" {
		return nil, http.StatusBadRequest, "missing Stripe signature"
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, http.StatusBadRequest, "invalid Stripe signature"
	}
	return &event, http.StatusOK, ""
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSessionEvent
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		if session.Mode != "" && session.Mode != string(stripe.CheckoutSessionModeSubscription) {
			log.Info().Str("session_id", session.ID).Str("mode", session.Mode).Msg("Ignoring non-subscription checkout")
			return nil
		}
		return h.sink.AttachCheckout(ctx, session.completed())

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub subscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		if !IsSafeStripeID(sub.ID) {
			return fmt.Errorf("subscription event has invalid id %q", sub.ID)
		}
		// The event body may be stale by the time it arrives; the sink re-reads
		// the subscription from the provider.
		return h.sink.SyncSubscription(ctx, sub.ID)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

type checkoutSessionEvent struct {
	ID                string `json:"id"`
	Mode              string `json:"mode"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

func (s checkoutSessionEvent) completed() CheckoutCompleted {
	identityID := strings.TrimSpace(s.ClientReferenceID)
	if identityID == "" && s.Metadata != nil {
		identityID = strings.TrimSpace(s.Metadata["identity_id"])
	}
	email := strings.TrimSpace(s.CustomerDetails.Email)
	if email == "" {
		email = strings.TrimSpace(s.CustomerEmail)
	}
	return CheckoutCompleted{
		SessionID:      s.ID,
		CustomerID:     strings.TrimSpace(s.Customer),
		SubscriptionID: strings.TrimSpace(s.Subscription),
		IdentityID:     identityID,
		Email:          email,
	}
}

type subscriptionEvent struct {
	ID string `json:"id"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
