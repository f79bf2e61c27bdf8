package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/vidfriends/clipvault/internal/auth"
	"github.com/vidfriends/clipvault/internal/logging"
)

// SessionHandler exposes the device sign-in state.
type SessionHandler struct {
	Sessions SessionManager
}

type sessionRequest struct {
	UserID string `json:"userId"`
}

type sessionResponse struct {
	SignedIn bool   `json:"signedIn"`
	UserID   string `json:"userId,omitempty"`
}

// Handle serves /api/v1/session: GET reports the signed-in user, POST signs a
// user in and DELETE signs out.
func (h SessionHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Sessions == nil {
		logger.Error("session manager unavailable")
		respondError(ctx, w, http.StatusInternalServerError, "session services unavailable")
		return
	}

	switch r.Method {
	case http.MethodGet:
		userID, err := h.Sessions.CurrentUserID(ctx)
		if errors.Is(err, auth.ErrAuthRequired) {
			respondJSON(ctx, w, http.StatusOK, sessionResponse{})
			return
		}
		if err != nil {
			logger.Error("resolve session", "error", err)
			respondError(ctx, w, http.StatusInternalServerError, "failed to resolve session")
			return
		}
		respondJSON(ctx, w, http.StatusOK, sessionResponse{SignedIn: true, UserID: userID})

	case http.MethodPost:
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("invalid session payload", "error", err)
			respondError(ctx, w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		if req.UserID == "" {
			respondError(ctx, w, http.StatusBadRequest, "userId is required")
			return
		}
		if _, err := h.Sessions.Issue(ctx, req.UserID); err != nil {
			logger.Error("failed to issue session", "error", err, "userId", req.UserID)
			respondError(ctx, w, http.StatusInternalServerError, "failed to create session")
			return
		}
		respondJSON(ctx, w, http.StatusCreated, sessionResponse{SignedIn: true, UserID: req.UserID})

	case http.MethodDelete:
		if err := h.Sessions.Revoke(ctx); err != nil {
			logger.Error("failed to revoke session", "error", err)
			respondError(ctx, w, http.StatusInternalServerError, "failed to sign out")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
