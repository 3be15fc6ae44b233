package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/kernel"
	"github.com/omniorder/omniorder/internal/session"
)

type OpenSessionRequest struct {
	SessionKey string `json:"session_key" validate:"omitempty,min=6,max=64"`
}

type ModifySessionRequest struct {
	Ops []session.Op `json:"ops" validate:"required,min=1,dive"`
}

type CommitSessionRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,min=8,max=64"`
}

type ResolveIssueRequest struct {
	IssueID  string `json:"issue_id" validate:"required"`
	ActionID string `json:"action_id" validate:"required"`
}

// SessionReader is the read-only slice of the session repository the
// handler uses for GET.
type SessionReader interface {
	Get(ctx context.Context, channelCode, sessionKey string) (*session.Session, error)
}

type SessionHandler struct {
	modify   *kernel.Modify
	commit   *kernel.Commit
	resolve  *kernel.Resolve
	sessions SessionReader
	validate *validator.Validate
}

func NewSessionHandler(modify *kernel.Modify, commit *kernel.Commit, resolve *kernel.Resolve, sessions SessionReader) *SessionHandler {
	return &SessionHandler{
		modify:   modify,
		commit:   commit,
		resolve:  resolve,
		sessions: sessions,
		validate: validator.New(),
	}
}

func (h *SessionHandler) RegisterRoutes(router chi.Router) {
	router.Post("/channels/{channel}/sessions", h.handleOpenSession)
	router.Get("/channels/{channel}/sessions/{key}", h.handleGetSession)
	router.Post("/channels/{channel}/sessions/{key}/ops", h.handleModifySession)
	router.Post("/channels/{channel}/sessions/{key}/commit", h.handleCommitSession)
	router.Post("/channels/{channel}/sessions/{key}/resolve", h.handleResolveIssue)
	router.Post("/channels/{channel}/sessions/{key}/abandon", h.handleAbandonSession)
}

func (h *SessionHandler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	channelCode := chi.URLParam(r, "channel")

	var requestPayload OpenSessionRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}

	s, err := h.modify.Open(r.Context(), channelCode, requestPayload.SessionKey)
	if err != nil {
		log.Error().Err(err).Str("channel", channelCode).Msg("Failed to open session")
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, s)
}

func (h *SessionHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	channelCode := chi.URLParam(r, "channel")
	sessionKey := chi.URLParam(r, "key")

	s, err := h.sessions.Get(r.Context(), channelCode, sessionKey)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s)
}

func (h *SessionHandler) handleModifySession(w http.ResponseWriter, r *http.Request) {
	channelCode := chi.URLParam(r, "channel")
	sessionKey := chi.URLParam(r, "key")

	var requestPayload ModifySessionRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}

	s, err := h.modify.Modify(r.Context(), channelCode, sessionKey, requestPayload.Ops)
	if err != nil {
		log.Error().Err(err).Str("channel", channelCode).Str("session_key", sessionKey).
			Msg("Failed to modify session")
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s)
}

func (h *SessionHandler) handleCommitSession(w http.ResponseWriter, r *http.Request) {
	channelCode := chi.URLParam(r, "channel")
	sessionKey := chi.URLParam(r, "key")

	var requestPayload CommitSessionRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}
	// The header form wins when both are present.
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = requestPayload.IdempotencyKey
	}

	result, err := h.commit.Commit(r.Context(), channelCode, sessionKey, idempotencyKey)
	if err != nil {
		log.Error().Err(err).Str("channel", channelCode).Str("session_key", sessionKey).
			Msg("Failed to commit session")
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

func (h *SessionHandler) handleResolveIssue(w http.ResponseWriter, r *http.Request) {
	channelCode := chi.URLParam(r, "channel")
	sessionKey := chi.URLParam(r, "key")

	var requestPayload ResolveIssueRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}

	s, err := h.resolve.Resolve(r.Context(), channelCode, sessionKey, requestPayload.IssueID, requestPayload.ActionID)
	if err != nil {
		log.Error().Err(err).Str("channel", channelCode).Str("session_key", sessionKey).
			Str("issue_id", requestPayload.IssueID).Msg("Failed to resolve issue")
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s)
}

func (h *SessionHandler) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	channelCode := chi.URLParam(r, "channel")
	sessionKey := chi.URLParam(r, "key")

	s, err := h.modify.Abandon(r.Context(), channelCode, sessionKey)
	if err != nil {
		log.Error().Err(err).Str("channel", channelCode).Str("session_key", sessionKey).
			Msg("Failed to abandon session")
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s)
}
