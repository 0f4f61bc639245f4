package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code           string          `json:"code"`
	Message        string          `json:"message"`
	CurrentVersion *int64          `json:"current_version,omitempty"`
	UpdatedAt      *time.Time      `json:"updated_at,omitempty"`
	CurrentStatus  domain.Status   `json:"current_status,omitempty"`
	Allowed        []domain.Status `json:"allowed,omitempty"`
	Policy         string          `json:"policy,omitempty"`
}

// classify maps an error to its status code and body.
func classify(err error) (int, errorBody) {
	var (
		conflict   *domain.VersionConflictError
		transition *domain.InvalidTransitionError
		violation  *domain.PolicyViolationError
	)
	switch {
	case errors.As(err, &conflict):
		v, at := conflict.CurrentVersion, conflict.UpdatedAt
		return http.StatusConflict, errorBody{Code: "version_conflict", Message: err.Error(), CurrentVersion: &v, UpdatedAt: &at}
	case errors.As(err, &transition):
		allowed := transition.Allowed
		if allowed == nil {
			allowed = []domain.Status{}
		}
		return http.StatusUnprocessableEntity, errorBody{Code: "invalid_transition", Message: err.Error(), CurrentStatus: transition.From, Allowed: allowed}
	case errors.As(err, &violation):
		return http.StatusUnprocessableEntity, errorBody{Code: "policy_violation", Message: violation.Message, Policy: violation.Policy}
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict, errorBody{Code: "idempotency_conflict", Message: err.Error()}
	case errors.Is(err, domain.ErrTenantScopeMissing):
		return http.StatusBadRequest, errorBody{Code: "tenant_scope_missing", Message: err.Error()}
	case errors.Is(err, domain.ErrTenantScopeMismatch):
		return http.StatusForbidden, errorBody{Code: "tenant_scope_mismatch", Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, errorBody{Code: "invalid_input", Message: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()}
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: "invalid or missing access token"}
	default:
		return http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal server error"}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
