package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"revealguard.org/internal/errs"
	"revealguard.org/internal/links"
	"revealguard.org/internal/obs"
	"revealguard.org/internal/policy"
	"revealguard.org/internal/rotation"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorCode(w, r, code, msg, "")
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, code int, msg, reason string) {
	payload := map[string]any{
		"error": msg,
	}
	if reason != "" {
		payload["code"] = reason
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// handleServiceError maps the error taxonomy onto HTTP. Internal causes are
// logged and never returned.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var typed *errs.Error
	if errors.As(err, &typed) {
		switch typed.Kind {
		case errs.KindValidation:
			writeErrorCode(w, r, http.StatusBadRequest, typed.Reason, typed.Code)
			return
		case errs.KindPermission:
			writeErrorCode(w, r, http.StatusForbidden, typed.Reason, typed.Code)
			return
		case errs.KindRateLimit:
			w.Header().Set("Retry-After", strconv.Itoa(int(typed.RetryAfter/time.Second)))
			writeErrorCode(w, r, http.StatusTooManyRequests, typed.Reason, typed.Code)
			return
		case errs.KindLink:
			status := http.StatusGone
			if typed.Code == links.CodeInvalid {
				status = http.StatusForbidden
			}
			writeErrorCode(w, r, status, typed.Reason, typed.Code)
			return
		}
	}
	switch {
	case errors.Is(err, policy.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
		return
	case errors.Is(err, policy.ErrNotFound), errors.Is(err, rotation.ErrNotFound), errors.Is(err, links.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	obs.Error("request failed", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"path":       r.URL.Path,
		"err":        err,
	})
	writeErrorCode(w, r, http.StatusInternalServerError, errs.InternalMessage, "internal")
}

func parsePositiveInt(raw, name string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}

func parseTime(raw, name string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC3339 timestamp", name)
	}
	return t, nil
}

// splitPath returns the non-empty segments of path after prefix.
func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
