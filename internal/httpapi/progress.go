package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/coursepilot/progressd/internal/progress"
)

type startRequest struct {
	SessionID  string `json:"session_id"`
	OwnerID    string `json:"owner_id"`
	TotalSteps int    `json:"total_steps"`
}

type advanceRequest struct {
	StepID   string `json:"step_id"`
	Message  string `json:"message"`
	Progress *int   `json:"progress"`
}

type failRequest struct {
	Reason string `json:"reason"`
}

// snapshotResponse is the polling payload. Unknown ids are a normal result,
// not an error: found=false covers both "not started yet" and "already
// cleaned up", which a late poller cannot and need not distinguish.
type snapshotResponse struct {
	Found     bool               `json:"found"`
	SessionID string             `json:"session_id"`
	Snapshot  *progress.Snapshot `json:"snapshot,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	if err := s.store.Start(req.SessionID, req.OwnerID, req.TotalSteps); err != nil {
		if errors.Is(err, progress.ErrAlreadyActive) {
			respondError(w, http.StatusConflict, "session_already_active", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	snap, err := s.store.GetSnapshot(req.SessionID, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	var req advanceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Progress == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "progress is required")
		return
	}

	if err := s.store.Advance(sessionID, strings.TrimSpace(req.StepID), req.Message, *req.Progress); err != nil {
		switch {
		case errors.Is(err, progress.ErrNotFound):
			s.log.Debug("advance on unknown session", zap.String("session_id", sessionID))
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		case errors.Is(err, progress.ErrTerminal):
			respondError(w, http.StatusConflict, "session_terminal", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return
	}

	snap, err := s.store.GetSnapshot(sessionID, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.finishSession(w, r, func(sessionID string) error {
		return s.store.Complete(sessionID)
	})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.finishSession(w, r, func(sessionID string) error {
		return s.store.Fail(sessionID, strings.TrimSpace(req.Reason))
	})
}

func (s *Server) finishSession(w http.ResponseWriter, r *http.Request, finish func(string) error) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	if err := finish(sessionID); err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	snap, err := s.store.GetSnapshot(sessionID, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := queryFirst(r, "session_id", "sessionId")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id query param is required")
		return
	}

	owner, err := s.requestingOwner(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", err.Error())
		return
	}

	snap, err := s.store.GetSnapshot(sessionID, owner)
	switch {
	case errors.Is(err, progress.ErrNotFound):
		// Expected for late pollers; not an anomaly.
		s.log.Debug("poll on unknown session", zap.String("session_id", sessionID))
		s.metrics.SnapshotReads.WithLabelValues("not_found").Inc()
		respondJSON(w, http.StatusOK, snapshotResponse{Found: false, SessionID: sessionID})
	case errors.Is(err, progress.ErrForbidden):
		s.metrics.SnapshotReads.WithLabelValues("forbidden").Inc()
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	default:
		s.metrics.SnapshotReads.WithLabelValues("ok").Inc()
		respondJSON(w, http.StatusOK, snapshotResponse{Found: true, SessionID: sessionID, Snapshot: &snap})
	}
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	summary, err := s.store.GetSummary(sessionID)
	if err != nil {
		s.log.Debug("status poll on unknown session", zap.String("session_id", sessionID))
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// requestingOwner resolves the optional caller identity: a verified bearer
// token wins, then the user_id query parameter, then nothing. Missing
// identity skips the ownership check rather than denying the read.
func (s *Server) requestingOwner(r *http.Request) (string, error) {
	if s.verifier != nil {
		subject, err := s.verifier.FromRequest(r)
		if err != nil {
			return "", err
		}
		if subject != "" {
			return subject, nil
		}
	}
	return queryFirst(r, "user_id", "userId"), nil
}
