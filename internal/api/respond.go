package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"cosplans/internal/apperrors"
)

const maxRequestBytes = 128 * 1024

type errorEnvelope struct {
	Error apperrors.ErrorTranslation `json:"error"`
	Code  string                     `json:"code,omitempty"`
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidPayload, "Invalid request payload", err)
	}
	if decoder.Decode(&struct{}{}) != io.EOF {
		return apperrors.Wrap(apperrors.CodeInvalidPayload, "Invalid request payload",
			errors.New("request body must contain a single JSON object"))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError translates err into operator guidance. The status comes from the taxonomy
// code; unstructured errors are internal failures.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)
	translation := apperrors.Translate(err)

	logArgs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"code", code,
		"correlation_id", translation.CorrelationID,
		"request_id", middleware.GetReqID(r.Context()),
		"err", err,
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", logArgs...)
	} else {
		s.logger.Debug("request rejected", logArgs...)
	}

	writeJSON(w, errorEnvelope{Error: translation, Code: code}, status)
}
