package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"roomsync/internal/client"
	"roomsync/internal/models"
	"roomsync/internal/storage"
)

const usage = `Type a line to send it to the room. Commands:
  /tickets             list unacknowledged messages
  /retry <id>          retry a failed message
  /discard <id>        drop a queued or failed message
  /read <message id>   mark messages up to this one read
  /status <status>     set presence (online, away, busy)
  /reconnect           reconnect now
  /quit                exit`

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("chatclient", flag.ContinueOnError)
	server := fs.String("server", "http://localhost:8080", "Server base URL")
	token := fs.String("token", os.Getenv("ROOMSYNC_TOKEN"), "Access token (defaults to $ROOMSYNC_TOKEN)")
	expires := fs.Int64("expires", 0, "Token expiry as a Unix timestamp; enables automatic refresh")
	room := fs.String("room", "general", "Room to join")
	outbox := fs.String("outbox", "chatclient.db", "File that keeps unsent messages between runs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return errors.New("a token is required (-token or ROOMSYNC_TOKEN)")
	}

	store, err := storage.NewBboltStorage(*outbox)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	base := strings.TrimRight(*server, "/")
	creds := client.Credentials{Token: *token}
	if *expires > 0 {
		creds.ExpiresAt = time.Unix(*expires, 0)
	}

	m := client.NewManager(client.Config{
		Dialer:      &client.WebsocketDialer{URL: wsURL(base) + "/api/ws"},
		Credentials: creds,
		Refresher:   &client.HTTPRefresher{BaseURL: base},
		Store:       store,
		SnapshotKey: "outbox:" + *room,
	})

	m.Subscribe(func(st client.Status) {
		if st.LastError != nil {
			_, _ = fmt.Fprintf(out, "* %s (%v)\n", st.State, st.LastError)
			return
		}
		_, _ = fmt.Fprintf(out, "* %s\n", st.State)
	})
	m.OnTicket(func(a client.Action) {
		switch a.Status {
		case client.StatusFailed:
			_, _ = fmt.Fprintf(out, "* message %s failed: %s\n", a.LocalID, a.LastError)
		case client.StatusAcknowledged:
			slog.Debug("message acknowledged", "local_id", a.LocalID, "server_id", a.ServerID)
		}
	})
	m.OnEvent(func(ev models.Event) { printEvent(out, ev) })

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Close()
	if err := m.JoinRoom(*room); err != nil {
		return err
	}
	if err := m.Connect(); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(out, usage)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(m, *room, line, out)
			if err != nil {
				_, _ = fmt.Fprintf(out, "* %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(m *client.Manager, room, line string, out io.Writer) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := m.SendMessage(room, line)
		return false, err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true, nil
	case "/tickets":
		tickets, err := m.Tickets()
		if err != nil {
			return false, err
		}
		for _, t := range tickets {
			_, _ = fmt.Fprintf(out, "  %s %-12s attempts=%d %q\n", t.LocalID, t.Status, t.Attempts, t.Content)
		}
		return false, nil
	case "/retry":
		return false, m.Retry(arg)
	case "/discard":
		return false, m.Discard(arg)
	case "/read":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid message id %q", arg)
		}
		return false, m.MarkRead(room, id)
	case "/status":
		return false, m.SetPresence(models.PresenceStatus(arg), "")
	case "/reconnect":
		return false, m.Reconnect()
	}
	return false, fmt.Errorf("unknown command %s", cmd)
}

func printEvent(out io.Writer, ev models.Event) {
	switch ev.Type {
	case models.EventReceiveMessage:
		var p models.ReceiveMessage
		if ev.Decode(&p) == nil {
			_, _ = fmt.Fprintf(out, "[%s] %s: %s\n", p.RoomID, p.AuthorID, p.Content)
		}
	case models.EventPresenceUpdated:
		var p models.PresenceUpdated
		if ev.Decode(&p) == nil {
			_, _ = fmt.Fprintf(out, "* %s is %s\n", p.IdentityID, p.Status)
		}
	case models.EventTypingIndicatorUpdated:
		var p models.TypingIndicatorUpdated
		if ev.Decode(&p) == nil && p.IsTyping {
			_, _ = fmt.Fprintf(out, "* %s is typing\n", p.IdentityID)
		}
	case models.EventError:
		var p models.ErrorPayload
		if ev.Decode(&p) == nil {
			_, _ = fmt.Fprintf(out, "* error (%s): %s\n", p.Code, p.Message)
		}
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil && !errors.Is(err, flag.ErrHelp) {
		log.Fatalf("chatclient: %v", err)
	}
}
