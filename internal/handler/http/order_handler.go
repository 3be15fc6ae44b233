package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/order"
)

type TransitionOrderRequest struct {
	Status string `json:"status" validate:"required,min=2,max=32"`
	Actor  string `json:"actor" validate:"omitempty,max=64"`
}

// OrderReader is the read-only slice of the order repository the
// handler uses.
type OrderReader interface {
	GetByRef(ctx context.Context, ref string) (*order.Order, error)
	ListEvents(ctx context.Context, orderID int64) ([]order.Event, error)
}

type OrderHandler struct {
	orders       OrderReader
	stateMachine *order.StateMachine
	validate     *validator.Validate
}

func NewOrderHandler(orders OrderReader, stateMachine *order.StateMachine) *OrderHandler {
	return &OrderHandler{
		orders:       orders,
		stateMachine: stateMachine,
		validate:     validator.New(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Get("/orders/{ref}", h.handleGetOrder)
	router.Get("/orders/{ref}/events", h.handleListEvents)
	router.Post("/orders/{ref}/transition", h.handleTransition)
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	o, err := h.orders.GetByRef(r.Context(), ref)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	o, err := h.orders.GetByRef(r.Context(), ref)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	events, err := h.orders.ListEvents(r.Context(), o.ID)
	if err != nil {
		log.Error().Err(err).Str("order_ref", ref).Msg("Failed to list order events")
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, events)
}

func (h *OrderHandler) handleTransition(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	var requestPayload TransitionOrderRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}
	actor := requestPayload.Actor
	if actor == "" {
		actor = "api"
	}

	o, err := h.stateMachine.Transition(r.Context(), ref, requestPayload.Status, actor)
	if err != nil {
		log.Error().Err(err).Str("order_ref", ref).Str("status", requestPayload.Status).
			Msg("Failed to transition order")
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, o)
}
