package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"roomsync/internal/auth"
	"roomsync/internal/content"
	"roomsync/internal/models"
	"roomsync/internal/push"
	"roomsync/internal/storage"
)

const maxPageLength = 200

type API struct {
	auth    *auth.AuthService
	storage *storage.BboltStorage
	push    *push.Notifier
}

func New(auth *auth.AuthService, storage *storage.BboltStorage, push *push.Notifier) *API {
	return &API{auth: auth, storage: storage, push: push}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}

// RequireAuth rejects requests without a valid access token and passes the
// token's identity to next through the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identityID, err := a.auth.GetUserID(auth.FromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(auth.WithIdentity(r.Context(), identityID)))
	}
}

// RefreshTokenHandler exchanges the presented token for a new one.
func (a *API) RefreshTokenHandler(w http.ResponseWriter, r *http.Request) {
	token, err := a.auth.Refresh(auth.FromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// RoomsHandler lists the rooms the caller is a member of.
func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	identityID, _ := auth.IdentityFrom(r.Context())
	ids, err := a.storage.RoomsOf(identityID)
	if err != nil {
		slog.Error("failed to list rooms", "identity_id", identityID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}
	rooms := make([]models.Room, 0, len(ids))
	for _, id := range ids {
		room, err := a.storage.GetRoom(id)
		if err != nil {
			continue
		}
		rooms = append(rooms, room)
	}
	writeJSON(w, http.StatusOK, rooms)
}

// MessagesHandler returns a page of room history, oldest first.
// ?before=<id> pages backwards, ?limit= bounds the page.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	identityID, _ := auth.IdentityFrom(r.Context())
	roomID := r.PathValue("id")
	if err := content.ValidateID(roomID); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid room id")
		return
	}

	before, err := queryInt(r.URL.Query(), "before", 0)
	if err != nil || before < 0 {
		writeError(w, http.StatusBadRequest, "Invalid before parameter")
		return
	}
	limit, err := queryInt(r.URL.Query(), "limit", 50)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit parameter")
		return
	}
	limit = min(limit, maxPageLength)

	member, err := a.storage.IsMember(roomID, identityID)
	if err != nil {
		slog.Error("failed to check membership", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "Not a member of this room")
		return
	}

	messages, err := a.storage.ListMessages(roomID, before, int(limit))
	if err != nil {
		slog.Error("failed to list messages", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func queryInt(q url.Values, key string, fallback int64) (int64, error) {
	v := q.Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

type VAPIDKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

func (a *API) VAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	key, err := a.push.PublicKey()
	if err != nil {
		writeError(w, http.StatusNotFound, "Push notifications are disabled")
		return
	}
	writeJSON(w, http.StatusOK, VAPIDKeyResponse{PublicKey: key})
}

// SubscribePushHandler registers a browser push subscription for the caller.
func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	identityID, _ := auth.IdentityFrom(r.Context())

	var sub models.PushSubscription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<10)).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	endpoint, err := url.Parse(sub.Endpoint)
	if err != nil || endpoint.Scheme != "https" || endpoint.Host == "" {
		writeError(w, http.StatusBadRequest, "Endpoint must be an https URL")
		return
	}
	if sub.Keys.Auth == "" || sub.Keys.P256dh == "" {
		writeError(w, http.StatusBadRequest, "Subscription keys are required")
		return
	}

	if err := a.storage.UpsertPushSubscription(identityID, sub); err != nil {
		slog.Error("failed to store push subscription", "identity_id", identityID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store subscription")
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// UnsubscribePushHandler removes the subscription given by ?endpoint=.
func (a *API) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	identityID, _ := auth.IdentityFrom(r.Context())
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "Endpoint is required")
		return
	}
	if err := a.storage.DeletePushSubscription(identityID, endpoint); err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Error("failed to delete push subscription", "identity_id", identityID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete subscription")
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}
