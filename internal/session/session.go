// Package session is the facade an application drives: it opens the
// encrypted store, owns the sync loop and the outbound queue, and
// exposes room, group, reaction and user services over them.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steef435/riotx-sdk/internal/dbkey"
	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/steef435/riotx-sdk/internal/handler"
	"github.com/steef435/riotx-sdk/internal/live"
	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/outbound"
	"github.com/steef435/riotx-sdk/internal/store"
	"github.com/steef435/riotx-sdk/internal/syncloop"
	"maunium.net/go/mautrix/id"
)

// fatalQueueLen bounds undelivered fatal notifications.
const fatalQueueLen = 16

// Config describes one user's session.
type Config struct {
	UserID id.UserID
	// DBPath is the session database file.
	DBPath string
	// CacheDir holds per-user files and is removed on sign-out.
	CacheDir string

	Sync     syncloop.Config
	Outbound outbound.QueueConfig

	// BackgroundTimeout is the long-poll timeout of a background sync.
	BackgroundTimeout time.Duration
}

// ParamsDeleter forgets a user's stored session params.
type ParamsDeleter interface {
	Delete(userID string) error
}

// Deps are the collaborators a session is built from.
type Deps struct {
	API       matrix.API
	Keys      dbkey.Provider
	Params    ParamsDeleter
	Scheduler Scheduler
	Logger    *slog.Logger
}

// components exist only while the session is open.
type components struct {
	store    *store.Store
	handler  *handler.Handler
	loop     *syncloop.Loop
	queue    *outbound.Queue
	outbound *outbound.Service

	fatal      chan error
	stop       chan struct{}
	dispatched chan struct{}
}

// Session is safe for concurrent use.
type Session struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu sync.Mutex
	c  *components
	bg func()

	listenersMu sync.Mutex
	listeners   []Listener
}

// New returns a closed session.
func New(cfg Config, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Scheduler == nil {
		deps.Scheduler = TickerScheduler{}
	}

	return &Session{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(slog.String("user_id", cfg.UserID.String())),
	}
}

// UserID is the session owner.
func (s *Session) UserID() id.UserID {
	return s.cfg.UserID
}

// Open unlocks the store and wires the session's components. The sync
// loop is left stopped; sends a previous run left pending are resumed.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c != nil {
		return errs.ErrSessionAlreadyOpen
	}

	cipher, err := dbkey.NewCipherFrom(ctx, s.deps.Keys)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}

	st, err := store.Open(s.cfg.DBPath, cipher, s.logger)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}

	c := &components{
		store:      st,
		handler:    handler.New(s.cfg.UserID, s.logger),
		queue:      outbound.NewQueue(s.cfg.Outbound, s.logger),
		fatal:      make(chan error, fatalQueueLen),
		stop:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}

	syncCfg := s.cfg.Sync
	syncCfg.OnFatal = c.enqueueFatal(s.logger)

	c.loop = syncloop.New(s.deps.API, st, c.handler, syncCfg, s.logger)
	c.outbound = outbound.NewService(s.deps.API, st, c.handler, c.queue, s.logger)
	s.c = c

	go s.dispatchFatal(c)

	if _, err := c.outbound.Resume(); err != nil {
		s.logger.Warn("resuming pending sends", slog.String("error", err.Error()))
	}

	s.logger.Info("session opened", slog.String("db", s.cfg.DBPath))

	return nil
}

// Close stops all activity and closes the store. Close is only valid
// once per Open.
func (s *Session) Close() error {
	c, err := s.detach()
	if err != nil {
		return err
	}

	return s.shutdown(c)
}

// detach marks the session closed and hands back what must be shut down.
// Listeners running meanwhile see ErrSessionNotOpen instead of blocking.
func (s *Session) detach() (*components, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.c
	if c == nil {
		return nil, errs.ErrSessionNotOpen
	}

	s.stopBackgroundLocked()
	s.c = nil

	return c, nil
}

func (s *Session) shutdown(c *components) error {
	c.loop.Close()
	c.queue.Close()

	close(c.stop)
	<-c.dispatched

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}

	s.logger.Info("session closed")

	return nil
}

// IsOpen reports whether Open has succeeded and Close not yet run.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.c != nil
}

func (s *Session) components() (*components, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c == nil {
		return nil, errs.ErrSessionNotOpen
	}

	return s.c, nil
}

// StartSync starts (or restarts) the sync loop.
func (s *Session) StartSync(foreground bool) error {
	c, err := s.components()
	if err != nil {
		return err
	}

	c.loop.Start(foreground)

	return nil
}

// StopSync stops the sync loop.
func (s *Session) StopSync() error {
	c, err := s.components()
	if err != nil {
		return err
	}

	c.loop.Stop()

	return nil
}

// PauseSync pauses the sync loop; the next StartSync reports the run as
// resumed after a pause.
func (s *Session) PauseSync() error {
	c, err := s.components()
	if err != nil {
		return err
	}

	c.loop.Pause()

	return nil
}

// SyncState returns the loop's current state. A closed session is
// Stopped.
func (s *Session) SyncState() syncloop.State {
	c, err := s.components()
	if err != nil {
		return syncloop.State{Kind: syncloop.Stopped}
	}

	return c.loop.State()
}

// SyncStates streams loop state changes. The subscription ends when the
// session closes.
func (s *Session) SyncStates() (*live.Subscription[syncloop.State], error) {
	c, err := s.components()
	if err != nil {
		return nil, err
	}

	return c.loop.States(), nil
}

// ClearCache drops every cached entity and the sync token, then restarts
// sync from scratch. Sync is restarted even when clearing fails.
func (s *Session) ClearCache(ctx context.Context) error {
	c, err := s.components()
	if err != nil {
		return err
	}

	c.loop.Stop()
	s.StopAnyBackgroundSync()

	defer c.loop.Start(true)

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.store.Clear(); err != nil {
		s.logger.Error("clearing cache", slog.String("error", err.Error()))
		return fmt.Errorf("clearing cache: %w", err)
	}

	s.logger.Info("cache cleared")

	return nil
}
