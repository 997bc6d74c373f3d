package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lanternworks/agentrelay/internal/alert"
	"github.com/lanternworks/agentrelay/internal/bus"
	"github.com/lanternworks/agentrelay/internal/chat"
	"github.com/lanternworks/agentrelay/internal/config"
	"github.com/lanternworks/agentrelay/internal/delivery"
	"github.com/lanternworks/agentrelay/internal/gateway"
	"github.com/lanternworks/agentrelay/internal/janitor"
	"github.com/lanternworks/agentrelay/internal/recovery"
	"github.com/lanternworks/agentrelay/internal/router"
	"github.com/lanternworks/agentrelay/internal/runtime"
	"github.com/lanternworks/agentrelay/internal/store"
	"github.com/lanternworks/agentrelay/internal/store/memory"
	"github.com/lanternworks/agentrelay/internal/store/pg"
	"github.com/lanternworks/agentrelay/internal/store/sqlite"
	"github.com/lanternworks/agentrelay/internal/telemetry"
)

// routerWorkers is the number of concurrent inbound-event consumers. The
// dedupe claim makes concurrent handling of the same event safe.
const routerWorkers = 4

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (event streams, router, gateway, janitor)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"mode", cfg.Database.Mode,
		"homeserver", cfg.Homeserver.BaseURL,
		"agents", len(cfg.Agents),
	)
	if masked, merr := json.Marshal(cfg.MaskedCopy()); merr == nil {
		slog.Debug("effective config", "config", string(masked))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tel, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Protocol:    cfg.Telemetry.Protocol,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		tel.Shutdown(shutdownCtx)
	}()

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}

	// Async tracking defaults to in-memory: restart loses in-flight state,
	// which pollers see as not_found rather than a bogus terminal status.
	messages := stores.Messages
	if cfg.Delivery.Store != "durable" {
		messages = memory.NewMessageStore()
	}

	chatClient := chat.NewClient(cfg.Homeserver.BaseURL, 0)

	tokens, err := provisionAgents(ctx, cfg, chatClient, stores.Identities)
	if err != nil {
		slog.Error("agent provisioning failed", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()

	alerts := alert.New(cfg.Alerts.Endpoint, cfg.Alerts.Title,
		time.Duration(cfg.Alerts.WindowMinutes)*time.Minute)

	tracker := delivery.NewTracker(stores.Identities, messages, chatClient, msgBus,
		time.Duration(cfg.Delivery.DefaultTimeoutSeconds)*time.Second)
	tracker.SetAlerter(alerts)

	if cfg.Runtime.BaseURL != "" {
		rt := runtime.NewClient(cfg.Runtime.BaseURL, cfg.Runtime.Token, 0)
		recov := recovery.New(rt, alerts,
			time.Duration(cfg.Recovery.ApprovalThrottleMinutes)*time.Minute)
		recov.SetEventPublisher(msgBus)
		tracker.SetRecovery(recov, recovery.IsApprovalConflict)
		slog.Info("approval-conflict recovery enabled", "runtime", cfg.Runtime.BaseURL)
	}

	rtr := router.New(stores.Identities, stores.Dedupe, tracker, cfg.Homeserver.ServerName, msgBus)

	jan := janitor.New(janitor.Config{
		Schedule:         cfg.Janitor.Schedule,
		Retention:        time.Duration(cfg.Janitor.RetentionHours) * time.Hour,
		StaleQueuedAfter: time.Duration(cfg.Janitor.StaleQueuedMinutes) * time.Minute,
	}, stores.Dedupe, messages)
	jan.Start(ctx)
	defer jan.Stop()

	gw := gateway.NewServer(gateway.Config{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		Token:          cfg.Gateway.Token,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		RateLimitRPS:   cfg.Gateway.RateLimitRPS,
		RateLimitBurst: cfg.Gateway.RateLimitBurst,
	}, tracker, stores.Identities, msgBus)

	g, gctx := errgroup.WithContext(ctx)

	// One event stream per managed agent: each agent's token sees its own
	// room traffic, and reconnect-replay duplicates die at the dedupe claim.
	for agentID, token := range tokens {
		agentID, token := agentID, token
		g.Go(func() error {
			err := chatClient.Stream(gctx, token, msgBus.PublishInbound)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				alerts.Alert(gctx, fmt.Sprintf("event stream for %s stopped: %v", agentID, err),
					alert.SeverityCritical, "stream:"+agentID)
			}
			return err
		})
	}

	for i := 0; i < routerWorkers; i++ {
		g.Go(func() error {
			err := rtr.Run(gctx, msgBus)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		return gw.Start(gctx)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("shutting down", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("relay stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	storeCfg := store.Config{
		Mode:        cfg.Database.Mode,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  config.ExpandHome(cfg.Database.SQLitePath),
		DedupeTTL:   time.Duration(cfg.Dedupe.TTLMinutes) * time.Minute,
	}
	switch cfg.Database.Mode {
	case "managed":
		if storeCfg.PostgresDSN == "" {
			return nil, fmt.Errorf("managed mode requires AGENTRELAY_POSTGRES_DSN")
		}
		return pg.NewPGStores(storeCfg)
	case "standalone", "":
		return sqlite.NewStores(storeCfg)
	default:
		return nil, fmt.Errorf("unknown database mode: %s", cfg.Database.Mode)
	}
}

// provisionAgents upserts every configured agent into the identity store and
// returns agent id → access token for the event streams. Agents without a
// token log in with their password. Room conflicts are fatal: two agents
// claiming one room is a config error, not something to limp past.
func provisionAgents(ctx context.Context, cfg *config.Config, client *chat.Client, identities store.IdentityStore) (map[string]string, error) {
	tokens := make(map[string]string, len(cfg.Agents))

	for _, a := range cfg.Agents {
		if a.ID == "" || a.UserID == "" {
			return nil, fmt.Errorf("agent entry missing id or user_id")
		}

		token := a.AccessToken
		if token == "" {
			if a.Password == "" {
				return nil, fmt.Errorf("agent %s: access_token or password required", a.ID)
			}
			t, err := client.Login(ctx, a.UserID, a.Password)
			if err != nil {
				return nil, fmt.Errorf("agent %s: login: %w", a.ID, err)
			}
			token = t
		}

		identity := &store.AgentIdentity{
			AgentID:        a.ID,
			AgentName:      a.Name,
			ProtocolUserID: a.UserID,
			Credential:     token,
			Active:         true,
		}
		if err := identities.Upsert(ctx, identity); err != nil {
			return nil, fmt.Errorf("agent %s: upsert: %w", a.ID, err)
		}

		if a.RoomID != "" {
			err := identities.AssignRoom(ctx, a.ID, a.RoomID)
			if err != nil && !errors.Is(err, store.ErrRoomTaken) {
				return nil, fmt.Errorf("agent %s: assign room: %w", a.ID, err)
			}
			if errors.Is(err, store.ErrRoomTaken) {
				return nil, fmt.Errorf("agent %s: room %s already assigned to another agent", a.ID, a.RoomID)
			}
		}

		tokens[a.ID] = token
		slog.Info("agent provisioned", "agent", a.ID, "user", a.UserID, "room", a.RoomID != "")
	}
	return tokens, nil
}
