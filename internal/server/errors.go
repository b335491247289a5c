package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"ballotline/internal/engine"
	"ballotline/internal/engine/auth"
	"ballotline/internal/repo"
)

type apiErrorBody struct {
	Code    string         `json:"code" example:"budget_exceeds_cap"`
	Message string         `json:"message" example:"budget 1200 exceeds cap 1000"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"cap\":1000}"`
}

// apiError is the {"error":{...}} envelope every failing route returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_failed",
	http.StatusInternalServerError: "internal_error",
	http.StatusServiceUnavailable:  "unavailable",
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = statusCodes[status]
	}
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// installErrorEnvelope routes huma's own failures (decoding, schema checks)
// through apiError. Schema validation failures answer 400.
func installErrorEnvelope() {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, _ ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
}

var kindStatus = map[engine.Kind]int{
	engine.KindNotFound:   http.StatusNotFound,
	engine.KindValidation: http.StatusUnprocessableEntity,
	engine.KindPhaseRule:  http.StatusConflict,
	engine.KindConflict:   http.StatusConflict,
	engine.KindForbidden:  http.StatusForbidden,
}

func statusForKind(k engine.Kind) int {
	if status, ok := kindStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// handleError converts engine and repo failures into the envelope. Details of
// engine errors carry the error kind next to the error's own details.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		se huma.StatusError
		ee *engine.Error
		fe auth.ForbiddenError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &ee):
		if ee.Kind == engine.KindInfrastructure {
			return newAPIError(http.StatusInternalServerError, engine.CodeInfrastructureFailure, "internal error", map[string]any{"error": err.Error()})
		}
		details := make(map[string]any, len(ee.Details)+1)
		for k, v := range ee.Details {
			details[k] = v
		}
		details["kind"] = ee.Kind.String()
		msg := ee.Message
		if msg == "" {
			msg = ee.Error()
		}
		return newAPIError(statusForKind(ee.Kind), ee.Code, msg, details)
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func unavailable(what string) huma.StatusError {
	return newAPIError(http.StatusServiceUnavailable, "unavailable", what+" not configured", nil)
}

// writeError answers outside huma, from middleware.
func writeError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
