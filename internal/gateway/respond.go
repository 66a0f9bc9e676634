package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"spectyra/internal/optimizer"
)

// Stable error codes exposed to clients. Internal details never leak.
const (
	codeInvalidInput        = "invalid_input"
	codeUpstreamUnavailable = "upstream_unavailable"
	codeInternal            = "internal"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("response_encode_failed")
	}
}

func respondErrorCode(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	respondJSON(w, status, body)
}

// respondError maps pipeline error kinds onto HTTP statuses. This is the
// single place that mapping happens.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, optimizer.ErrInvalidInput):
		respondErrorCode(w, http.StatusBadRequest, codeInvalidInput, err.Error())
	case errors.Is(err, optimizer.ErrUpstreamUnavailable):
		log.Error().Err(err).Msg("upstream_unavailable")
		respondErrorCode(w, http.StatusBadGateway, codeUpstreamUnavailable, "upstream provider unavailable")
	case errors.Is(err, optimizer.ErrInvariantViolation):
		log.Error().Err(err).Msg("invariant_violation")
		respondErrorCode(w, http.StatusInternalServerError, codeInternal, "internal error")
	default:
		log.Error().Err(err).Msg("request_failed")
		respondErrorCode(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
