package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/decentid/identity-bridge/pkg/attestation"
	"github.com/decentid/identity-bridge/pkg/heartbeat"
	"github.com/decentid/identity-bridge/pkg/registry"
	"github.com/decentid/identity-bridge/pkg/succession"
	"github.com/decentid/identity-bridge/pkg/verification"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

// domainStatus maps a typed domain error to an HTTP status and a
// machine-readable code. Unknown errors are internal failures.
func domainStatus(err error) (int, string) {
	switch {
	case errors.Is(err, attestation.ErrTokenNotFound),
		errors.Is(err, registry.ErrIdentifierNotFound),
		errors.Is(err, heartbeat.ErrUnknownActor),
		errors.Is(err, succession.ErrNoPlan):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, heartbeat.ErrAlreadyRegistered),
		errors.Is(err, succession.ErrPlanExists),
		errors.Is(err, verification.ErrVerificationInProgress):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, heartbeat.ErrStaleHeartbeat):
		return http.StatusConflict, "STALE_HEARTBEAT"
	case errors.Is(err, heartbeat.ErrInvalidThreshold),
		errors.Is(err, verification.ErrUnknownProvider):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, attestation.ErrVerificationRejected):
		return http.StatusUnprocessableEntity, "VERIFICATION_REJECTED"
	case errors.Is(err, attestation.ErrVerificationExpired):
		return http.StatusUnprocessableEntity, "VERIFICATION_EXPIRED"
	case errors.Is(err, verification.ErrVerificationTimeout):
		return http.StatusGatewayTimeout, "VERIFICATION_TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := domainStatus(err)
	writeError(w, status, code, err.Error())
}
