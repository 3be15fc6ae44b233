package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/directive"
)

const defaultDirectiveListLimit = 100

// DirectiveStore is the operator slice of the directive repository:
// inspect the queue and bring failed directives back.
type DirectiveStore interface {
	GetByID(ctx context.Context, id int64) (*directive.Directive, error)
	ListByStatus(ctx context.Context, status directive.Status, limit int) ([]directive.Directive, error)
	Requeue(ctx context.Context, id int64, availableAt time.Time, lastError string) error
}

type DirectiveHandler struct {
	directives DirectiveStore
}

func NewDirectiveHandler(directives DirectiveStore) *DirectiveHandler {
	return &DirectiveHandler{directives: directives}
}

func (h *DirectiveHandler) RegisterRoutes(router chi.Router) {
	router.Get("/directives", h.handleListDirectives)
	router.Post("/directives/{id}/requeue", h.handleRequeueDirective)
}

func (h *DirectiveHandler) handleListDirectives(w http.ResponseWriter, r *http.Request) {
	status := directive.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = directive.StatusFailed
	}
	switch status {
	case directive.StatusQueued, directive.StatusRunning, directive.StatusDone, directive.StatusFailed:
	default:
		respondWithError(w, http.StatusBadRequest, "Invalid status parameter")
		return
	}

	limit := defaultDirectiveListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			respondWithError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	directives, err := h.directives.ListByStatus(r.Context(), status, limit)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to list directives")
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, directives)
}

func (h *DirectiveHandler) handleRequeueDirective(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	d, err := h.directives.GetByID(r.Context(), id)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	if d.Status != directive.StatusFailed {
		respondWithError(w, http.StatusConflict, "Only failed directives can be requeued")
		return
	}

	if err := h.directives.Requeue(r.Context(), id, time.Now().UTC(), ""); err != nil {
		log.Error().Err(err).Int64("directive_id", id).Msg("Failed to requeue directive")
		respondWithDomainError(w, err)
		return
	}
	log.Info().Int64("directive_id", id).Str("topic", d.Topic).Msg("Directive requeued by operator")
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}
