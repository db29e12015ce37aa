package api

import (
	"encoding/json"
	"net/http"

	"github.com/perchlabs/perch/pkg/types"
)

type errorBody struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

var kindStatus = map[types.Kind]int{
	types.KindUnauthenticated:   http.StatusUnauthorized,
	types.KindForbidden:         http.StatusForbidden,
	types.KindBadRequest:        http.StatusBadRequest,
	types.KindKindMismatch:      http.StatusBadRequest,
	types.KindAlreadyRegistered: http.StatusConflict,
	types.KindUnknownCommand:    http.StatusBadRequest,
	types.KindConflict:          http.StatusConflict,
	types.KindNotFound:          http.StatusNotFound,
	types.KindTryAgainLater:     http.StatusServiceUnavailable,
	types.KindInternal:          http.StatusInternalServerError,
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps an error kind to an HTTP status and a safe body. The
// full error stays in the server log only.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	if kind == types.KindInternal {
		s.logger.Error().Err(err).Msg("internal error")
		msg = "internal error"
	}
	if kind == types.KindTryAgainLater {
		w.Header().Set("Retry-After", "5")
	}
	s.writeJSON(w, status, errorBody{ErrorKind: string(kind), Message: msg})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return types.Wrap(types.KindBadRequest, "malformed JSON body", err)
	}
	return nil
}
