package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"roomsync/internal/auth"
	"roomsync/internal/models"
)

// Credentials is the access token the client connects with.
type Credentials struct {
	Token     string
	ExpiresAt time.Time
}

type TokenRefresher interface {
	Refresh(ctx context.Context, current Credentials) (Credentials, error)
}

// HTTPRefresher exchanges tokens through POST /api/token/refresh.
type HTTPRefresher struct {
	BaseURL string
	Client  *http.Client
}

func (r *HTTPRefresher) Refresh(ctx context.Context, current Credentials) (Credentials, error) {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(r.BaseURL, "/") + "/api/token/refresh"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Authorization", "Bearer "+current.Token)

	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, models.NewError(models.CodeTransport, "refresh request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Credentials{}, models.NewError(models.CodeAuthentication, "refresh rejected", nil)
	case resp.StatusCode != http.StatusOK:
		return Credentials{}, models.NewError(models.CodeTransport, "refresh failed: "+resp.Status, nil)
	}

	var token auth.Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return Credentials{}, models.NewError(models.CodeTransport, "malformed refresh response", err)
	}
	return Credentials{Token: token.Value, ExpiresAt: time.Unix(token.ExpiresAt, 0)}, nil
}
