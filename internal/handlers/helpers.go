// Package handlers provides the raw object ingestion and fetch handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	apierr "github.com/dicombuffer/dicombuffer/internal/errors"
)

// errorBody is the JSON envelope of an error response.
type errorBody struct {
	Error    *apierr.APIError `json:"error"`
	Resource string           `json:"resource"`
}

// writeErrorResponse renders an APIError as JSON.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, e *apierr.APIError) {
	writeJSON(w, e.HTTPStatus, errorBody{Error: e, Resource: r.URL.Path})
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Writing JSON response failed", "error", err)
	}
}

// parseRange parses an HTTP Range header value and returns the byte range
// [start, end] inclusive. Supports three formats:
//   - bytes=0-4   (first 5 bytes)
//   - bytes=5-    (from byte 5 to end)
//   - bytes=-10   (last 10 bytes)
//
// Returns an error for unsatisfiable ranges or invalid syntax.
func parseRange(rangeHeader string, objectSize int64) (start, end int64, err error) {
	if objectSize == 0 {
		return 0, 0, fmt.Errorf("empty object")
	}

	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range header: missing bytes= prefix")
	}
	rangeSpec := strings.TrimPrefix(rangeHeader, "bytes=")

	// Only a single range is supported.
	if strings.Contains(rangeSpec, ",") {
		return 0, 0, fmt.Errorf("multi-range not supported")
	}

	startStr, endStr, ok := strings.Cut(rangeSpec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range spec: %q", rangeSpec)
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" && endStr == "" {
		return 0, 0, fmt.Errorf("invalid range: both start and end are empty")
	}

	if startStr == "" {
		// Suffix range: bytes=-N (last N bytes).
		suffixLen, parseErr := strconv.ParseInt(endStr, 10, 64)
		if parseErr != nil || suffixLen <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix length: %q", endStr)
		}
		if suffixLen >= objectSize {
			return 0, objectSize - 1, nil
		}
		return objectSize - suffixLen, objectSize - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start: %q", startStr)
	}
	if start >= objectSize {
		return 0, 0, fmt.Errorf("range start %d beyond object size %d", start, objectSize)
	}

	if endStr == "" {
		return start, objectSize - 1, nil
	}

	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, fmt.Errorf("invalid range end: %q", endStr)
	}
	// Clamp end to last byte.
	if end >= objectSize {
		end = objectSize - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("range start %d > end %d", start, end)
	}
	return start, end, nil
}
