package stock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/directive"
	"github.com/omniorder/omniorder/internal/kernel"
)

// CommitHandler finalizes the reservations a sealed order rode in on.
type CommitHandler struct {
	backend Backend
}

func NewCommitHandler(backend Backend) *CommitHandler {
	return &CommitHandler{backend: backend}
}

func (h *CommitHandler) Topic() string { return "stock.commit" }

func (h *CommitHandler) Handle(ctx context.Context, d *directive.Directive) directive.Result {
	var payload kernel.PostCommitPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return directive.Fail(fmt.Errorf("stock: malformed commit payload: %w", err))
	}
	holdIDs := make([]string, len(payload.Holds))
	for i, hold := range payload.Holds {
		holdIDs[i] = hold.HoldID
	}
	if err := h.backend.CommitHolds(ctx, holdReference(payload.ChannelCode, payload.SessionKey), holdIDs); err != nil {
		return directive.Retry(err)
	}
	log.Info().Str("order_ref", payload.OrderRef).Int("holds", len(holdIDs)).Msg("stock: holds committed")
	return directive.Done()
}

// ReleaseHandler frees a session's reservations after abandon.
type ReleaseHandler struct {
	backend Backend
}

func NewReleaseHandler(backend Backend) *ReleaseHandler {
	return &ReleaseHandler{backend: backend}
}

func (h *ReleaseHandler) Topic() string { return "stock.release" }

func (h *ReleaseHandler) Handle(ctx context.Context, d *directive.Directive) directive.Result {
	var payload kernel.PostCommitPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return directive.Fail(fmt.Errorf("stock: malformed release payload: %w", err))
	}
	if err := h.backend.ReleaseReference(ctx, holdReference(payload.ChannelCode, payload.SessionKey)); err != nil {
		return directive.Retry(err)
	}
	log.Info().Str("channel", payload.ChannelCode).Str("session_key", payload.SessionKey).Msg("stock: holds released")
	return directive.Done()
}
