package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"sessionctl/internal/config"
	"sessionctl/internal/protocol"
	"sessionctl/internal/session"
	"sessionctl/internal/workdir"
)

// invalidRequestError marks a start request rejected before any lookup.
type invalidRequestError struct{ err error }

func (e invalidRequestError) Error() string { return e.err.Error() }
func (e invalidRequestError) Unwrap() error { return e.err }

// errorCode maps a manager or config error onto a protocol error code.
func errorCode(err error) string {
	var invalid invalidRequestError
	switch {
	case errors.As(err, &invalid):
		return protocol.ErrInvalidMessage
	case errors.Is(err, ErrCommandsDisabled):
		return protocol.ErrCommandNotAllowed
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrMaxSessions):
		return protocol.ErrMaxSessions
	case errors.Is(err, workdir.ErrLocked):
		return protocol.ErrWorkDirLocked
	case errors.Is(err, workdir.ErrInvalid):
		return protocol.ErrWorkDirInvalid
	case errors.Is(err, config.ErrProfileNotFound):
		return protocol.ErrProfileNotFound
	case errors.Is(err, session.ErrInvalidConfig), errors.Is(err, config.ErrNoCommand):
		return protocol.ErrInvalidConfig
	default:
		return protocol.ErrSpawnFailed
	}
}

// httpStatus maps a protocol error code onto an HTTP status.
func httpStatus(code string) int {
	switch code {
	case protocol.ErrSessionNotFound:
		return http.StatusNotFound
	case protocol.ErrMaxSessions:
		return http.StatusTooManyRequests
	case protocol.ErrWorkDirLocked:
		return http.StatusConflict
	case protocol.ErrCommandNotAllowed, protocol.ErrOriginForbidden:
		return http.StatusForbidden
	case protocol.ErrInvalidMessage, protocol.ErrWorkDirInvalid, protocol.ErrProfileNotFound, protocol.ErrInvalidConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	writeJSON(w, httpStatus(code), protocol.ErrorPayload{Code: code, Message: err.Error()})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req protocol.RunStartPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorPayload{
			Code:    protocol.ErrInvalidMessage,
			Message: "invalid request body",
		})
		return
	}

	info, err := s.startRun(req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionMgr.List())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessionMgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleKillRun(w http.ResponseWriter, r *http.Request) {
	if err := s.sessionMgr.Kill(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.profiles.ProfileNames())
}
