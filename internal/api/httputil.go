package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/apperr"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write JSON response")
	}
}

// httpError sends a JSON error response. The clientMsg is returned to the caller.
// Optional internalDetails are logged server-side but never sent to the client.
func httpError(w http.ResponseWriter, status int, code, clientMsg string, internalDetails ...string) {
	if len(internalDetails) > 0 {
		log.Error().
			Int("status", status).
			Str("code", code).
			Str("clientMsg", clientMsg).
			Strs("internalDetails", internalDetails).
			Msg("HTTP error with internal details")
	}
	respondJSON(w, status, errorBody{Error: clientMsg, Code: code})
}

// writeError maps err through the apperr taxonomy. Validation, not-found
// and state errors are the caller's to fix and keep their message; every
// other kind is reported generically and logged in full.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindStateTransition:
		var ae *apperr.Error
		msg := err.Error()
		if errors.As(err, &ae) && ae.Message != "" {
			msg = ae.Message
		}
		httpError(w, kind.HTTPStatus(), kind.Code(), msg)
	default:
		httpError(w, kind.HTTPStatus(), kind.Code(), "the request could not be completed, try again later", err.Error())
	}
}

// decodeJSON reads a single JSON object from the request body into v.
// Unknown fields are rejected.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("api.decodeJSON", "invalid JSON body: %v", err)
	}
	if dec.More() {
		return apperr.Validation("api.decodeJSON", "request body must contain a single JSON object")
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("api.queryInt", "%s must be a non-negative integer", name)
	}
	return n, nil
}
