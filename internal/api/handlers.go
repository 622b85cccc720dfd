package api

import (
	"encoding/json"
	"net/http"

	"codesync/internal/apperrors"
	"codesync/internal/middleware"
	"codesync/internal/models"

	"github.com/gorilla/mux"
)

// Handler serves the REST side of a collaboration project.
type Handler struct {
	collab CollaborationService
}

func NewHandler(collab CollaborationService) *Handler {
	return &Handler{collab: collab}
}

type roleResponse struct {
	ProjectID string      `json:"projectId"`
	Principal string      `json:"principal"`
	Role      models.Role `json:"role"`
	Corrected bool        `json:"corrected"`
}

type saveCodeRequest struct {
	Code            string `json:"code"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type saveCodeResponse struct {
	ProjectID string `json:"projectId"`
	Version   int64  `json:"version"`
	Saved     bool   `json:"saved"`
}

type chatResponse struct {
	ProjectID string               `json:"projectId"`
	SessionID string               `json:"sessionId"`
	Messages  []models.ChatMessage `json:"messages"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetRole resolves the caller's role, healing the owner's entry when needed.
func (h *Handler) GetRole(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := middleware.GetPrincipal(r.Context())

	res, err := h.collab.VerifyRole(r.Context(), id, principal)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, roleResponse{
		ProjectID: id,
		Principal: principal,
		Role:      res.Role,
		Corrected: res.Corrected,
	})
}

// SaveCode is the explicit, version-checked save.
func (h *Handler) SaveCode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req saveCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, apperrors.Invalid("malformed request body"))
		return
	}
	if req.ExpectedVersion == nil {
		h.fail(w, r, apperrors.Invalid("expectedVersion is required"))
		return
	}

	res, err := h.collab.SaveCode(r.Context(), id, middleware.GetPrincipal(r.Context()), req.Code, *req.ExpectedVersion)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, saveCodeResponse{
		ProjectID: id,
		Version:   res.Version,
		Saved:     res.Saved,
	})
}

// GetChat returns the active session's transcript.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, messages, err := h.collab.Transcript(r.Context(), id, middleware.GetPrincipal(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ProjectID: id,
		SessionID: session.ID,
		Messages:  messages,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	middleware.AddSpanError(r.Context(), err)
	middleware.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
