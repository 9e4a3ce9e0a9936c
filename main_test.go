package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"roomsync/internal/api"
	"roomsync/internal/client"
	"roomsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testAdminAddr = "127.0.0.1:18888"
	testAPIAddr   = "127.0.0.1:18887"
)

func TestIntegration(t *testing.T) {
	t.Setenv("ROOMSYNC_DB", filepath.Join(t.TempDir(), "integration.db"))
	t.Setenv("ADMIN_ADDR", testAdminAddr)
	t.Setenv("API_ADDR", testAPIAddr)
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- run(ctx, nil) }()
	defer func() {
		cancel()
		select {
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("server error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/stats", testAdminAddr), 50)

	// Room and identities via the admin API.
	postJSON(t, fmt.Sprintf("http://%s/admin/rooms", testAdminAddr), api.CreateRoomRequest{
		ID:      "general",
		Members: []string{"alice", "bob"},
	}, nil)

	var aliceToken, bobToken api.IssueTokenResponse
	postJSON(t, fmt.Sprintf("http://%s/admin/tokens", testAdminAddr), api.IssueTokenRequest{IdentityID: "alice"}, &aliceToken)
	postJSON(t, fmt.Sprintf("http://%s/admin/tokens", testAdminAddr), api.IssueTokenRequest{IdentityID: "bob"}, &bobToken)
	require.True(t, aliceToken.Success)
	require.NotEmpty(t, bobToken.Token)

	wsURL := fmt.Sprintf("ws://%s/api/ws", testAPIAddr)

	// Bob uses a raw websocket.
	bob := dialWS(t, wsURL, bobToken.Token)
	defer func() { _ = bob.Close() }()
	writeEvent(t, bob, models.MustEvent(models.EventJoinRoom, models.JoinRoom{RoomID: "general"}))
	var joined models.JoinedRoom
	require.NoError(t, readUntil(t, bob, models.EventJoinedRoom).Decode(&joined))
	require.True(t, joined.Success)

	// Alice uses the client connection manager.
	alice := client.NewManager(client.Config{
		Dialer:      &client.WebsocketDialer{URL: wsURL},
		Credentials: client.Credentials{Token: aliceToken.Token, ExpiresAt: time.Unix(aliceToken.ExpiresAt, 0)},
		Refresher:   &client.HTTPRefresher{BaseURL: "http://" + testAPIAddr},
	})
	require.NoError(t, alice.Start(ctx))
	defer alice.Close()

	acked := make(chan client.Action, 1)
	alice.OnTicket(func(a client.Action) {
		if a.Status == client.StatusAcknowledged {
			select {
			case acked <- a:
			default:
			}
		}
	})

	require.NoError(t, alice.JoinRoom("general"))
	require.NoError(t, alice.Connect())
	require.Eventually(t, func() bool {
		return alice.Status().State == client.StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	ticket, err := alice.SendMessage("general", "hello **bob**")
	require.NoError(t, err)

	var ack client.Action
	select {
	case ack = <-acked:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not acknowledged")
	}
	require.Equal(t, ticket.LocalID, ack.LocalID)
	require.Equal(t, int64(1), ack.ServerID)

	var received models.ReceiveMessage
	require.NoError(t, readUntil(t, bob, models.EventReceiveMessage).Decode(&received))
	require.Equal(t, "alice", received.AuthorID)
	require.Equal(t, "hello **bob**", received.Content)
	require.Contains(t, received.HTML, "<strong>bob</strong>")
	require.Equal(t, ack.ServerID, received.ID)

	// Bob marks the message read.
	writeEvent(t, bob, models.MustEvent(models.EventMessageRead, models.MessageRead{RoomID: "general", MessageID: received.ID}))

	// History through the HTTP API.
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/rooms/general/messages", testAPIAddr), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bobToken.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []models.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 1)
	require.Equal(t, "hello **bob**", history[0].Content)

	// An invalid token is closed with the unauthorized code.
	rejected := dialWS(t, wsURL, "not-a-token")
	defer func() { _ = rejected.Close() }()
	_ = rejected.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = rejected.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, models.CloseUnauthorized, closeErr.Code)
}

func waitForServer(t *testing.T, url string, attempts int) {
	t.Helper()
	for range attempts {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server at %s did not start", url)
}

func postJSON(t *testing.T, url string, body, out any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func dialWS(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, ev models.Event) {
	t.Helper()
	data, err := ev.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readUntil skips frames until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want models.EventType) models.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev models.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == want {
			return ev
		}
	}
}
