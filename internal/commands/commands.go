package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"roomsync/internal/api"
	"roomsync/internal/config"
)

func postJSON(cfg *config.Config, path string, req, result any) error {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.AdminAddr, path)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// IssueToken asks the running server for an access token and prints it.
func IssueToken(identityID string, cfg *config.Config, out io.Writer) error {
	var result api.IssueTokenResponse
	if err := postJSON(cfg, "/admin/tokens", api.IssueTokenRequest{IdentityID: identityID}, &result); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nToken Issued Successfully!\n")
	fmt.Fprintf(out, "Identity:   %s\n", result.IdentityID)
	fmt.Fprintf(out, "Token:      %s\n", result.Token)
	fmt.Fprintf(out, "Expires:    %s\n", time.Unix(result.ExpiresAt, 0).Format(time.RFC3339))
	fmt.Fprintf(out, "Connect:    %s/api/ws\n\n", strings.TrimSuffix(cfg.BaseURL, "/"))
	return nil
}

// CreateRoom creates or updates a room with the given members.
func CreateRoom(roomID string, members []string, cfg *config.Config, out io.Writer) error {
	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	req := api.CreateRoomRequest{ID: roomID, Members: members}
	if err := postJSON(cfg, "/admin/rooms", req, &result); err != nil {
		return err
	}
	fmt.Fprintln(out, result.Message)
	return nil
}
