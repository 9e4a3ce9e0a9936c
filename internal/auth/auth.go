package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"roomsync/internal/models"

	"github.com/c-pro/geche"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
)

// ErrInvalidToken is returned for unknown, revoked and expired tokens.
// It matches models.ErrAuthentication.
var ErrInvalidToken = models.NewError(models.CodeAuthentication, "invalid or expired token", nil)

// Token is an access token handed to a client.
type Token struct {
	Value     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // Unix timestamp (seconds)
}

// StoredToken is the persisted form of a live token.
// Only the hash of the token value is ever stored.
type StoredToken struct {
	Hash      string
	UserID    string
	ExpiresAt time.Time
}

type TokenStore interface {
	UpsertToken(token StoredToken) error
	DeleteToken(tokenHash string) error
	ListTokens() ([]StoredToken, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

type tokenRecord struct {
	userID    string
	expiresAt time.Time
}

type AuthService struct {
	Config
	liveTokens geche.Geche[string, tokenRecord]
	store      TokenStore
	now        func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// NewAuthService creates the token service and restores live tokens from
// store. store may be nil, in which case tokens do not survive a restart.
func NewAuthService(ctx context.Context, config Config, store TokenStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	as := &AuthService{
		Config:     config,
		liveTokens: geche.NewMapTTLCache[string, tokenRecord](ctx, config.TokenExpiry, time.Minute),
		store:      store,
		now:        time.Now,
	}
	if err := as.restore(); err != nil {
		return nil, err
	}
	return as, nil
}

func (as *AuthService) restore() error {
	if as.store == nil {
		return nil
	}
	tokens, err := as.store.ListTokens()
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}
	now := as.now()
	for _, t := range tokens {
		if !t.ExpiresAt.After(now) {
			if err := as.store.DeleteToken(t.Hash); err != nil {
				slog.Warn("failed to delete expired token", "user_id", t.UserID, "error", err)
			}
			continue
		}
		as.liveTokens.Set(t.Hash, tokenRecord{userID: t.UserID, expiresAt: t.ExpiresAt})
	}
	return nil
}

func (as *AuthService) hashToken(token string) string {
	h := hmac.New(sha512.New, as.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue creates a new access token for userID.
func (as *AuthService) Issue(userID string) (Token, error) {
	if userID == "" {
		return Token{}, errors.New("user id is required")
	}
	value, err := as.generateToken()
	if err != nil {
		return Token{}, err
	}

	expiresAt := as.now().Add(as.TokenExpiry).Truncate(time.Second)
	hash := as.hashToken(value)
	if as.store != nil {
		if err := as.store.UpsertToken(StoredToken{Hash: hash, UserID: userID, ExpiresAt: expiresAt}); err != nil {
			return Token{}, fmt.Errorf("failed to store token: %w", err)
		}
	}
	as.liveTokens.Set(hash, tokenRecord{userID: userID, expiresAt: expiresAt})

	return Token{Value: value, ExpiresAt: expiresAt.Unix()}, nil
}

// Verify returns the identity behind token and when the token expires.
func (as *AuthService) Verify(token string) (string, time.Time, error) {
	if token == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	rec, err := as.liveTokens.Get(as.hashToken(token))
	if err != nil {
		return "", time.Time{}, ErrInvalidToken
	}
	if !rec.expiresAt.After(as.now()) {
		_ = as.Revoke(token)
		return "", time.Time{}, ErrInvalidToken
	}
	return rec.userID, rec.expiresAt, nil
}

// GetUserID is Verify without the expiry.
func (as *AuthService) GetUserID(token string) (string, error) {
	userID, _, err := as.Verify(token)
	return userID, err
}

// Refresh exchanges a still valid token for a new one and revokes the old.
func (as *AuthService) Refresh(token string) (Token, error) {
	userID, _, err := as.Verify(token)
	if err != nil {
		return Token{}, err
	}
	fresh, err := as.Issue(userID)
	if err != nil {
		return Token{}, err
	}
	if err := as.Revoke(token); err != nil {
		slog.Warn("failed to revoke refreshed token", "user_id", userID, "error", err)
	}
	return fresh, nil
}

// Revoke invalidates token. Revoking an unknown token is not an error.
func (as *AuthService) Revoke(token string) error {
	hash := as.hashToken(token)
	_ = as.liveTokens.Del(hash)
	if as.store != nil {
		return as.store.DeleteToken(hash)
	}
	return nil
}
