package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/steef435/riotx-sdk/internal/auth"
	"github.com/steef435/riotx-sdk/internal/config"
	"github.com/steef435/riotx-sdk/internal/dbkey"
	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/steef435/riotx-sdk/internal/logging"
	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/mcpserver"
	"github.com/steef435/riotx-sdk/internal/models"
	"github.com/steef435/riotx-sdk/internal/outbound"
	"github.com/steef435/riotx-sdk/internal/outbox"
	"github.com/steef435/riotx-sdk/internal/server"
	"github.com/steef435/riotx-sdk/internal/session"
	"github.com/steef435/riotx-sdk/internal/syncloop"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"
)

var Version = "dev"

// paramsKeySalt salts the key of the stored session parameters, which
// are read before any user ID is known.
const paramsKeySalt = "riotx-sync/session-params"

func main() {
	run := run

	// Handle the sign-out subcommand before starting sync.
	if len(os.Args) > 1 && os.Args[1] == "sign-out" {
		run = signOut
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("riotx-sync starting",
		slog.String("version", Version),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("outbox", cfg.OutboxDir != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params, err := openParams(ctx, cfg)
	if err != nil {
		return err
	}
	defer params.Close()

	creator := auth.NewSessionCreator(params, nil, logger)

	p, err := authenticate(ctx, creator, cfg, logger)
	if err != nil {
		return err
	}

	s := newSession(cfg, p, params, logger)
	if err := s.Open(ctx); err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer s.Close()

	fatal := make(chan error, 1)
	s.AddListener(&fatalListener{logger: logger, fatal: fatal})

	if err := s.StartSync(true); err != nil {
		return fmt.Errorf("starting sync: %w", err)
	}

	if cfg.BackgroundSyncInterval > 0 {
		if err := s.StartAutomaticBackgroundSync(cfg.BackgroundSyncInterval); err != nil {
			return fmt.Errorf("scheduling background sync: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-fatal:
			return err
		}
	})

	if cfg.OutboxDir != "" {
		g.Go(func() error {
			return runOutbox(gctx, cfg, s, logger)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, s, logger)
		})
	}

	err = g.Wait()

	logger.Info("shutting down")

	return err
}

// signOut revokes the stored session and removes everything kept for it.
func signOut() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params, err := openParams(ctx, cfg)
	if err != nil {
		return err
	}
	defer params.Close()

	p, err := params.GetLast()
	if err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}

	if p == nil {
		return errs.ErrNoSession
	}

	s := newSession(cfg, *p, params, logger)
	if err := s.Open(ctx); err != nil {
		return fmt.Errorf("opening session: %w", err)
	}

	if err := s.SignOut(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("signing out: %w", err)
	}

	logger.Info("signed out", slog.String("user_id", p.UserID()))

	return nil
}

func openParams(ctx context.Context, cfg *config.Config) (*auth.ParamsStore, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	cipher, err := dbkey.NewCipherFrom(ctx, dbkey.NewPassphraseProvider(cfg.DBPassphrase, paramsKeySalt))
	if err != nil {
		return nil, fmt.Errorf("deriving params key: %w", err)
	}

	params, err := auth.OpenParams(cfg.ParamsPath(), cipher)
	if err != nil {
		return nil, fmt.Errorf("opening session params: %w", err)
	}

	return params, nil
}

// authenticate signs in with the configured credentials, or restores the
// last stored session when none are set.
func authenticate(ctx context.Context, creator *auth.SessionCreator, cfg *config.Config, logger *slog.Logger) (models.SessionParams, error) {
	if cfg.User == "" {
		p, err := creator.Restore()
		if err != nil {
			return models.SessionParams{}, fmt.Errorf("restoring session: %w", err)
		}

		if p == nil {
			return models.SessionParams{}, fmt.Errorf("%w: set MATRIX_USER and MATRIX_PASSWORD to sign in", errs.ErrNoSession)
		}

		logger.Info("restored session", slog.String("user_id", p.UserID()))

		return *p, nil
	}

	logger.Info("signing in", slog.String("user", cfg.User), slog.String("homeserver", cfg.HomeserverURL))

	p, err := creator.LoginWithPassword(ctx, models.HomeServerConfig{HomeServerURL: cfg.HomeserverURL}, matrix.LoginRequest{
		User:                     cfg.User,
		Password:                 cfg.Password,
		InitialDeviceDisplayName: cfg.DeviceName,
	})
	if err != nil {
		return models.SessionParams{}, fmt.Errorf("signing in: %w", err)
	}

	return p, nil
}

func newSession(cfg *config.Config, p models.SessionParams, params *auth.ParamsStore, logger *slog.Logger) *session.Session {
	userID := p.UserID()
	client := matrix.NewClient(p.HomeServer.HomeServerURL, nil).WithToken(p.Credentials.AccessToken)

	return session.New(session.Config{
		UserID:   id.UserID(userID),
		DBPath:   cfg.DBPath(userID),
		CacheDir: cfg.UserCacheDir(userID),
		Sync: syncloop.Config{
			Timeout:         cfg.SyncTimeout,
			BackoffMin:      cfg.SyncBackoffMin,
			BackoffMax:      cfg.SyncBackoffMax,
			MaxParseRetries: cfg.SyncMaxParseRetries,
			Filter:          cfg.SyncFilter,
		},
		Outbound: outbound.QueueConfig{
			Workers:    cfg.OutboundWorkers,
			MaxRetries: uint64(cfg.OutboundMaxRetries),
			Backoff:    cfg.OutboundBackoff,
			MaxBackoff: cfg.SyncBackoffMax,
		},
		BackgroundTimeout: cfg.SyncTimeout,
	}, session.Deps{
		API:    client,
		Keys:   dbkey.NewPassphraseProvider(cfg.DBPassphrase, userID),
		Params: params,
		Logger: logger,
	})
}

// fatalListener logs fatal sync events and stops the process on the ones
// sync cannot recover from.
type fatalListener struct {
	logger *slog.Logger
	fatal  chan<- error
}

func (l *fatalListener) OnFatal(ev session.FatalEvent, err error) {
	l.logger.Error("sync failure", slog.String("event", ev.String()), slog.String("error", err.Error()))

	if ev == session.ConsentNotGiven {
		return
	}

	select {
	case l.fatal <- fmt.Errorf("sync stopped (%s): %w", ev, err):
	default:
	}
}

// runOutbox sends messages dropped into the outbox directory.
func runOutbox(ctx context.Context, cfg *config.Config, s *session.Session, logger *slog.Logger) error {
	ob, err := outbox.New(cfg.OutboxDir, s.Rooms(), logger.With(slog.String("service", "outbox")))
	if err != nil {
		return fmt.Errorf("opening outbox: %w", err)
	}

	return ob.Watch(ctx)
}

// runMCP starts the MCP HTTP control server.
func runMCP(ctx context.Context, cfg *config.Config, s *session.Session, logger *slog.Logger) error {
	entries, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	keys := make([]server.APIKey, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, server.APIKey{UserID: e.UserID, Key: e.Key})
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "riotx-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, s)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Keys:       server.NewKeyStore(keys),
			MCPHandler: mcpHandler,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", len(keys)),
	)

	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
