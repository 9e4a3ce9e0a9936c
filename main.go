package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"roomsync/internal/api"
	"roomsync/internal/auth"
	"roomsync/internal/broadcast"
	"roomsync/internal/commands"
	"roomsync/internal/config"
	"roomsync/internal/http"
	"roomsync/internal/messaging"
	"roomsync/internal/models"
	"roomsync/internal/presence"
	"roomsync/internal/push"
	"roomsync/internal/session"
	"roomsync/internal/storage"
	"roomsync/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("roomsync", flag.ContinueOnError)
	issueToken := fs.String("issue-token", "", "Identity to issue an access token for (calls the admin API of a running server)")
	createRoom := fs.String("create-room", "", "Room id to create or update (calls the admin API of a running server)")
	members := fs.String("members", "", "Comma separated member identities for -create-room")
	genVAPID := fs.Bool("generate-vapid-keys", false, "Print a new VAPID key pair and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *genVAPID {
		private, public, err := push.GenerateKeys()
		if err != nil {
			return err
		}
		log.Printf("VAPID_PUBLIC_KEY=%s", public)
		log.Printf("VAPID_PRIVATE_KEY=%s", private)
		return nil
	}

	cliMode := *issueToken != "" || *createRoom != ""
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if *issueToken != "" {
		return commands.IssueToken(*issueToken, cfg, os.Stdout)
	}
	if *createRoom != "" {
		var memberIDs []string
		if *members != "" {
			memberIDs = strings.Split(*members, ",")
		}
		return commands.CreateRoom(*createRoom, memberIDs, cfg, os.Stdout)
	}

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	registry := session.NewRegistry(session.Config{
		QueueDepth:       cfg.SessionQueueDepth,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, authService, bbStorage)
	engine := broadcast.NewEngine(registry)

	coordinator := presence.NewCoordinator(presence.Config{
		GracePeriod:    cfg.PresenceGrace,
		TypingTTL:      cfg.TypingTTL,
		TypingDebounce: cfg.TypingDebounce,
	}, engine, bbStorage)
	defer coordinator.Close()
	registry.Observe(coordinator)

	notifier := push.NewNotifier(push.Config{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subscriber: cfg.VAPIDSubscriber,
	}, bbStorage, registry)

	queue := messaging.NewQueue(ctx, messaging.Config{DedupeTTL: cfg.DedupeTTL}, bbStorage, registry, engine, coordinator)
	queue.SetNotifier(notifier)

	router := ws.NewRouter(registry, engine, coordinator, queue)
	wsServer := ws.NewServer(ctx, ws.Config{
		RateBurst:      cfg.RateBurst,
		RateInterval:   cfg.RateInterval,
		AllowedOrigins: cfg.AllowedOrigins,
	}, registry, router)

	adminServer := http.NewAdminServer(api.NewAdminHandler(authService, bbStorage, registry, engine), cfg.AdminAddr)
	apiServer := http.NewAPIServer(api.New(authService, bbStorage, notifier), wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		registry.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		return notifier.Run(gCtx)
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		registry.CloseAll(models.CloseGoingAway, "server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
