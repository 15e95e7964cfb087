package api

import (
	"net/http"

	"github.com/tallyworks/gatekeeper/internal/identity"
	"github.com/tallyworks/gatekeeper/internal/reconcile"
)

type checkoutRequest struct {
	PriceID string `json:"priceId"`
}

type cancelResponse struct {
	Success bool `json:"success"`
	*reconcile.CancelResult
}

func handleCreateCheckout(ops BillingOps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var req checkoutRequest
		if err := decodeJSON(w, r, "api.checkout", &req); err != nil {
			writeError(w, r, err)
			return
		}

		url, err := ops.CreateCheckout(r.Context(), identity.FromContext(r.Context()), req.PriceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, urlResponse{URL: url})
	}
}

func handleCreatePortal(ops BillingOps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		url, err := ops.CreatePortal(r.Context(), identity.FromContext(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, urlResponse{URL: url})
	}
}

// handleCancelSubscription ignores the request body; the subscription is
// always the authenticated caller's.
func handleCancelSubscription(ops BillingOps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		res, err := ops.CancelSubscription(r.Context(), identity.FromContext(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cancelResponse{Success: true, CancelResult: res})
	}
}

func handleDeleteAccount(ops BillingOps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := ops.DeleteAccount(r.Context(), identity.FromContext(r.Context())); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse{Success: true})
	}
}
