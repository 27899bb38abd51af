package securechannel

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/mcphost/pkg/api"
	"github.com/Mindburn-Labs/mcphost/pkg/elicitation"
)

// DefaultMaxBodyBytes bounds a submission body.
const DefaultMaxBodyBytes = 64 << 10

// SubmitRequest is the body of a secure channel submission.
type SubmitRequest struct {
	Decision string         `json:"decision"`
	Content  map[string]any `json:"content,omitempty"`
}

// SubmitResult is returned on success.
type SubmitResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Handler serves the secure channel over HTTP.
type Handler struct {
	channel *Channel
	limiter *api.ClientLimiter
	maxBody int64
}

// NewHandler creates the HTTP surface. A nil limiter disables rate limiting.
func NewHandler(ch *Channel, limiter *api.ClientLimiter, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{channel: ch, limiter: limiter, maxBody: maxBody}
}

// RegisterRoutes registers the secure channel route on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	var submit http.Handler = http.HandlerFunc(h.handleSubmit)
	if h.limiter != nil {
		submit = h.limiter.Middleware(submit)
	}
	mux.Handle("POST /secure/v1/elicitations/{id}/respond", submit)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	id := r.PathValue("id")

	var body SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.WriteErrorCode(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return
		}
		api.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_body", "request body must be a JSON object")
		return
	}

	if err := h.channel.Submit(r.Context(), id, body.Decision, body.Content); err != nil {
		writeSubmitError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, SubmitResult{RequestID: id, Status: "resolved"})
}

func writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, elicitation.ErrNotFound):
		api.WriteErrorCode(w, r, http.StatusNotFound, "not_found", elicitation.ErrNotFound.Error())
	case errors.Is(err, elicitation.ErrAlreadyUsed):
		api.WriteErrorCode(w, r, http.StatusConflict, "already_used", elicitation.ErrAlreadyUsed.Error())
	case errors.Is(err, elicitation.ErrExpired):
		api.WriteErrorCode(w, r, http.StatusGone, "expired", elicitation.ErrExpired.Error())
	case errors.Is(err, elicitation.ErrInvalidDecision):
		api.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_decision", elicitation.ErrInvalidDecision.Error())
	case errors.Is(err, elicitation.ErrMissingContent):
		api.WriteErrorCode(w, r, http.StatusBadRequest, "missing_content", elicitation.ErrMissingContent.Error())
	case errors.Is(err, ErrContentRejected):
		// The validator message names fields, never values.
		api.WriteErrorCode(w, r, http.StatusBadRequest, "content_rejected", err.Error())
	case errors.Is(err, ErrChannelNotPermitted):
		api.WriteErrorCode(w, r, http.StatusForbidden, "channel_not_permitted", ErrChannelNotPermitted.Error())
	default:
		api.WriteInternal(w, err)
	}
}
