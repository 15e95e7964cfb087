package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	gkerrors "github.com/tallyworks/gatekeeper/internal/errors"
	"github.com/tallyworks/gatekeeper/internal/logging"
)

const maxRequestBody = 64 * 1024

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	UpgradeURL string `json:"upgrade_url,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type urlResponse struct {
	URL string `json:"url"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("api: encode response")
	}
}

// writeError maps err onto the error envelope. Server-side failures are
// logged with the request ID; the client only sees the public message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorResponse(w, r, err, errorResponse{})
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, err error, resp errorResponse) {
	status := gkerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	resp.Error = gkerrors.PublicMessage(err)
	resp.Code = gkerrors.CodeOf(err)
	writeJSON(w, status, resp)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, op string, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return gkerrors.Validation(op, "Invalid JSON body")
	}
	return nil
}
