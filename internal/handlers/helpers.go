// Package handlers implements the FileGate HTTP operation handlers.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// metaHeaderPrefix marks request headers carried through as opaque upload
// metadata. The prefix is stripped and the key lowercased.
const metaHeaderPrefix = "x-filegate-meta-"

// errorBody is the JSON error envelope returned for every failed request.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON serializes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("encoding response body failed", "error", err)
		}
	}
}

// writeError maps an error to its HTTP status and JSON envelope. Unclassified
// errors become an internal error with no cause detail leaked to the caller.
func writeError(w http.ResponseWriter, err error) {
	var fe *fgerr.Error
	if e, ok := err.(*fgerr.Error); ok {
		fe = e
	} else {
		fe = fgerr.ErrInternal.WithCause(err)
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, fe.HTTPStatus, errorBody{Code: fe.Code, Message: fe.Message})
}

// decodeJSON parses the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fgerr.Validationf("InvalidBody", "malformed JSON request body: %v", err)
	}
	return nil
}

// formatInt renders an int64 for a header value.
func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

// userMetadata extracts x-filegate-meta-* request headers as a map. Returns
// nil when none are present.
func userMetadata(r *http.Request) map[string]string {
	var meta map[string]string
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, metaHeaderPrefix) && len(values) > 0 {
			k := lower[len(metaHeaderPrefix):]
			if k == "" {
				continue
			}
			if meta == nil {
				meta = make(map[string]string)
			}
			meta[k] = values[0]
		}
	}
	return meta
}

// formInt reads a positive integer form value; zero plus an error for
// anything missing or non-numeric.
func formInt(r *http.Request, name string) (int64, error) {
	raw := r.FormValue(name)
	if raw == "" {
		return 0, fgerr.Validationf("MissingParameter", "missing form parameter %q", name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fgerr.Validationf("InvalidParameter", "form parameter %q is not an integer", name)
	}
	return n, nil
}

// formIntOptional reads an optional integer form value; absent yields zero.
func formIntOptional(r *http.Request, name string) (int64, error) {
	if r.FormValue(name) == "" {
		return 0, nil
	}
	return formInt(r, name)
}
