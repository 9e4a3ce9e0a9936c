package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"roomsync/internal/auth"
	"roomsync/internal/broadcast"
	"roomsync/internal/content"
	"roomsync/internal/models"
	"roomsync/internal/session"
	"roomsync/internal/storage"
)

type AdminHandler struct {
	authService *auth.AuthService
	storage     *storage.BboltStorage
	registry    *session.Registry
	engine      *broadcast.Engine
}

func NewAdminHandler(authService *auth.AuthService, storage *storage.BboltStorage, registry *session.Registry, engine *broadcast.Engine) *AdminHandler {
	return &AdminHandler{authService: authService, storage: storage, registry: registry, engine: engine}
}

type IssueTokenRequest struct {
	IdentityID string `json:"identityId"`
}

type IssueTokenResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	IdentityID string `json:"identityId,omitempty"`
	Token      string `json:"token,omitempty"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
}

func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := content.ValidateID(req.IdentityID); err != nil {
		writeJSON(w, http.StatusBadRequest, IssueTokenResponse{Message: fmt.Sprintf("Invalid identity: %v", err)})
		return
	}

	token, err := h.authService.Issue(req.IdentityID)
	if err != nil {
		slog.Error("failed to issue token", "identity_id", req.IdentityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, IssueTokenResponse{Message: "Failed to issue token"})
		return
	}

	writeJSON(w, http.StatusOK, IssueTokenResponse{
		Success:    true,
		IdentityID: req.IdentityID,
		Token:      token.Value,
		ExpiresAt:  token.ExpiresAt,
	})
}

type CreateRoomRequest struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members,omitempty"`
}

func (h *AdminHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := content.ValidateID(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid room id: %v", err))
		return
	}
	for _, m := range req.Members {
		if err := content.ValidateID(m); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid member %q: %v", m, err))
			return
		}
	}

	name := req.Name
	if name == "" {
		name = req.ID
	}
	if err := h.storage.UpsertRoom(models.Room{ID: req.ID, Name: content.Escape(name), Members: req.Members}); err != nil {
		slog.Error("failed to create room", "room_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: fmt.Sprintf("Room %s saved", req.ID)})
}

type AddMemberRequest struct {
	IdentityID string `json:"identityId"`
}

func (h *AdminHandler) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := content.ValidateID(req.IdentityID); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid identity: %v", err))
		return
	}

	if err := h.storage.AddMember(roomID, req.IdentityID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Room not found")
			return
		}
		slog.Error("failed to add member", "room_id", roomID, "identity_id", req.IdentityID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to add member")
		return
	}

	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

type KickResponse struct {
	Success bool `json:"success"`
	Closed  int  `json:"closed"`
}

// KickHandler closes every session of ?identity= with the kicked close code.
func (h *AdminHandler) KickHandler(w http.ResponseWriter, r *http.Request) {
	identityID := r.URL.Query().Get("identity")
	if identityID == "" {
		http.Error(w, "Identity is required", http.StatusBadRequest)
		return
	}
	n := h.registry.KickIdentity(identityID, models.CloseKicked, "removed by administrator")
	writeJSON(w, http.StatusOK, KickResponse{Success: true, Closed: n})
}

type StatsResponse struct {
	Sessions  int             `json:"sessions"`
	Rooms     int             `json:"rooms"`
	Broadcast broadcast.Stats `json:"broadcast"`
}

func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, rooms := h.registry.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Sessions:  sessions,
		Rooms:     rooms,
		Broadcast: h.engine.Stats(),
	})
}
