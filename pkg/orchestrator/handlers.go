package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/mcphost/pkg/api"
	"github.com/Mindburn-Labs/mcphost/pkg/elicitation"
	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

const maxRequestBody = 256 << 10

// Handler exposes the host control API: the bridge endpoint servers'
// elicitations arrive on, the render queue a UI polls, and the native
// response path.
type Handler struct {
	orch  *Orchestrator
	queue *Queue
}

// NewHandler creates the control API. queue may be nil when the renderer is
// not a Queue.
func NewHandler(orch *Orchestrator, queue *Queue) *Handler {
	return &Handler{orch: orch, queue: queue}
}

// RegisterRoutes registers control API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/servers/{id}/elicit", h.handleElicit)
	mux.HandleFunc("POST /api/v1/servers/{id}/render", h.handleRender)
	mux.HandleFunc("POST /api/v1/servers/{id}/disconnect", h.handleDisconnect)
	mux.HandleFunc("GET /api/v1/elicitations", h.handlePending)
	mux.HandleFunc("GET /api/v1/elicitations/{id}", h.handleGet)
	mux.HandleFunc("POST /api/v1/elicitations/{id}/respond", h.handleRespond)
}

// ElicitRequest is the body a server bridge posts to start an elicitation.
type ElicitRequest struct {
	Mode    string              `json:"mode"`
	Payload elicitation.Payload `json:"payload"`
}

// RenderContentRequest carries tool-call HTML to be put through the policy.
type RenderContentRequest struct {
	HTML        string `json:"html"`
	Interactive bool   `json:"interactive"`
}

type respondRequest struct {
	Decision string         `json:"decision"`
	Content  map[string]any `json:"content,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		api.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_body", "request body must be a JSON object")
		return false
	}
	return true
}

func (h *Handler) handleElicit(w http.ResponseWriter, r *http.Request) {
	var req ElicitRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := elicitation.ParseMode(req.Mode)
	if err != nil {
		api.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}
	res, err := h.orch.Elicit(r.Context(), r.PathValue("id"), mode, req.Payload)
	if err != nil {
		writeElicitError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request) {
	var req RenderContentRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.orch.RenderToolContent(r.Context(), r.PathValue("id"), req.HTML, req.Interactive)
	if err != nil {
		writeElicitError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	n := h.orch.ServerDisconnected(r.Context(), r.PathValue("id"))
	api.WriteJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	reqs := h.orch.Tracker().Pending(r.URL.Query().Get("server"))
	if reqs == nil {
		reqs = []elicitation.Request{}
	}
	api.WriteJSON(w, http.StatusOK, reqs)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.queue != nil {
		if rr, ok := h.queue.Get(id); ok {
			if _, err := h.orch.Tracker().Lookup(id); err == nil {
				api.WriteJSON(w, http.StatusOK, rr)
				return
			}
			h.queue.Forget(id)
		}
	}
	req, err := h.orch.Tracker().Lookup(id)
	if err != nil {
		writeElicitError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := h.orch.Respond(r.Context(), id, req.Decision, req.Content); err != nil {
		writeElicitError(w, r, err)
		return
	}
	if h.queue != nil {
		h.queue.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeElicitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, elicitation.ErrNotFound):
		api.WriteErrorCode(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, elicitation.ErrAlreadyUsed):
		api.WriteErrorCode(w, r, http.StatusConflict, "already_used", err.Error())
	case errors.Is(err, elicitation.ErrExpired):
		api.WriteErrorCode(w, r, http.StatusGone, "expired", err.Error())
	case errors.Is(err, elicitation.ErrClosed):
		api.WriteErrorCode(w, r, http.StatusServiceUnavailable, "closed", err.Error())
	case errors.Is(err, ErrURLNotAdmitted):
		api.WriteErrorCode(w, r, http.StatusForbidden, "url_not_admitted", err.Error())
	case errors.Is(err, trust.ErrInvalidServerID),
		errors.Is(err, elicitation.ErrInvalidDecision),
		errors.Is(err, elicitation.ErrMissingContent),
		errors.Is(err, elicitation.ErrInvalidPayload),
		errors.Is(err, elicitation.ErrInvalidContent):
		api.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.Canceled):
		// Caller went away.
	default:
		api.WriteInternal(w, err)
	}
}
