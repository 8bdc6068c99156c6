package api

import (
	"encoding/json"
	"net/http"

	"github.com/atmx/contest-engine/internal/contest"
)

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch contest.KindOf(err) {
	case contest.KindValidation:
		return http.StatusBadRequest
	case contest.KindState, contest.KindConflict:
		return http.StatusConflict
	case contest.KindAuthorization:
		return http.StatusForbidden
	case contest.KindMissingData:
		return http.StatusFailedDependency
	case contest.KindNotFound:
		return http.StatusNotFound
	case contest.KindPayment:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeEngineError reports an engine failure. Internal errors are not
// echoed to the client.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: contest.KindOf(err).String()}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
		s.logger.Error(op+" failed", s.requestFields(r, err)...)
	} else {
		s.logger.Warn(op+" rejected", s.requestFields(r, err)...)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
