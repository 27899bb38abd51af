package trust

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/mcphost/pkg/api"
)

// Handler exposes the trust store management API.
type Handler struct {
	store *Store
}

// NewHandler creates a management handler over store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers trust API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/trust/servers", h.handleList)
	mux.HandleFunc("GET /api/v1/trust/servers/{id}", h.handleGet)
	mux.HandleFunc("POST /api/v1/trust/servers/{id}/ensure", h.handleEnsure)
	mux.HandleFunc("POST /api/v1/trust/servers/{id}/trust", h.handleTrust)
	mux.HandleFunc("POST /api/v1/trust/servers/{id}/untrust", h.handleUntrust)
	mux.HandleFunc("POST /api/v1/trust/servers/{id}/verify", h.handleVerify)
	mux.HandleFunc("DELETE /api/v1/trust/servers/{id}", h.handleRemove)
	mux.HandleFunc("GET /api/v1/trust/authorities", h.handleListAuthorities)
	mux.HandleFunc("POST /api/v1/trust/authorities", h.handleAddAuthority)
}

// ServerView is a certificate plus the tier currently in force.
type ServerView struct {
	Certificate
	EffectiveTier Tier `json:"effective_tier"`
}

func (h *Handler) view(c Certificate) ServerView {
	return ServerView{Certificate: c, EffectiveTier: c.EffectiveTier(h.store.clock())}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	certs := h.store.List()
	out := make([]ServerView, 0, len(certs))
	for _, c := range certs {
		out = append(out, h.view(c))
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h.view(c))
}

func (h *Handler) handleEnsure(w http.ResponseWriter, r *http.Request) {
	c, created, err := h.store.EnsureCertificate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, h.view(c))
}

func (h *Handler) handleTrust(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Trust(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h.view(c))
}

func (h *Handler) handleUntrust(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Untrust(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h.view(c))
}

// VerifyRequest names the authority stamping a certificate.
type VerifyRequest struct {
	AuthorityFingerprint string `json:"authority_fingerprint"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		api.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.AuthorityFingerprint == "" {
		api.WriteBadRequest(w, "authority_fingerprint is required")
		return
	}
	c, err := h.store.Verify(r.Context(), r.PathValue("id"), req.AuthorityFingerprint)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h.view(c))
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	removed, err := h.store.Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !removed {
		api.WriteNotFound(w, "no certificate for server")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListAuthorities(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.store.Authorities())
}

// AddAuthorityRequest registers a custom authority.
type AddAuthorityRequest struct {
	Name        string `json:"name"`
	PublicToken string `json:"public_token"`
}

func (h *Handler) handleAddAuthority(w http.ResponseWriter, r *http.Request) {
	var req AddAuthorityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		api.WriteBadRequest(w, "invalid request body")
		return
	}
	a, err := h.store.AddAuthority(r.Context(), req.Name, req.PublicToken)
	switch {
	case errors.Is(err, ErrAuthorityExists):
		api.WriteConflict(w, err.Error())
		return
	case err != nil:
		api.WriteBadRequest(w, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusCreated, a)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		api.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrUnknownAuthority):
		api.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrInvalidServerID):
		api.WriteBadRequest(w, err.Error())
	default:
		api.WriteInternal(w, err)
	}
}
