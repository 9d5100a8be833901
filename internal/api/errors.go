package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/loa-labs/loa-finn/internal/core"
	"github.com/loa-labs/loa-finn/internal/payment"
	"github.com/loa-labs/loa-finn/internal/ratelimit"
)

// statusFor is the single place a kind becomes an HTTP status. 401 is
// strictly authentication, 402 strictly payment; nothing below the HTTP
// layer picks a code.
func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindMalformedRequest, core.KindAmbiguousPayment, core.KindSandboxViolation:
		return http.StatusBadRequest
	case core.KindJWTStructural, core.KindJWTInvalid, core.KindJTIRequired,
		core.KindJTIReplay, core.KindAPIKeyInvalid, core.KindAPIKeyRevoked:
		return http.StatusUnauthorized
	case core.KindAudienceMismatch, core.KindIssuerNotAllowed, core.KindScopeMissing:
		return http.StatusForbidden
	case core.KindPaymentRequired, core.KindInsufficientCredits,
		core.KindReceiptInvalid, core.KindReceiptReplay:
		return http.StatusPaymentRequired
	case core.KindKeyNotFound, core.KindPersonaNotFound:
		return http.StatusNotFound
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindWorkerUnavailable, core.KindPoolShuttingDown,
		core.KindJWKSDegraded, core.KindBudgetUnavailable,
		core.KindMeteringUnavailable, core.KindStoreUnavailable,
		core.KindVerifierUnavailable, core.KindSandboxDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the wire shape of every refusal. Code is stable; Error is
// advisory. Challenge rides along with an anonymous 402.
type errorBody struct {
	Error     string             `json:"error"`
	Code      core.ErrorKind     `json:"code"`
	Challenge *payment.Challenge `json:"challenge,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a tagged error onto the response, attaching the headers
// the status implies.
func writeError(w http.ResponseWriter, err error, outcome *payment.Outcome) {
	kind := core.KindOf(err)
	status := statusFor(kind)

	var challenge *payment.Challenge
	if outcome != nil {
		if outcome.Rate != nil {
			setRateHeaders(w, outcome.Rate)
		}
		challenge = outcome.Challenge
	}
	switch status {
	case http.StatusPaymentRequired:
		w.Header().Set("X-Payment-Upgrade", "x402")
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", "1")
		}
	}

	message := string(kind)
	var tagged *core.Error
	if errors.As(err, &tagged) && tagged.Message != "" {
		message = tagged.Message
	}
	writeJSON(w, status, errorBody{Error: message, Code: kind, Challenge: challenge})
}

func setRateHeaders(w http.ResponseWriter, rate *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rate.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rate.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rate.ResetUnix, 10))
	if !rate.Allowed && rate.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rate.RetryAfterSec))
	}
}
