// Package syncloop drives the long-poll /sync cycle. One goroutine polls
// the server, applies each increment through the handlers in a single
// store transaction and publishes its lifecycle as an observable state.
package syncloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/steef435/riotx-sdk/internal/handler"
	"github.com/steef435/riotx-sdk/internal/live"
	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/store"
)

const (
	// jitterDivisor controls the range of random jitter added to the
	// retry backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// backoffMultiplier is the growth factor applied after each
	// consecutive failure.
	backoffMultiplier = 2

	presenceOffline = "offline"
)

// Config tunes the loop.
type Config struct {
	// Timeout is the long-poll timeout for steady-state polls.
	Timeout time.Duration
	// BackoffMin and BackoffMax bound the retry delay.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// MaxParseRetries is how many malformed responses in a row are
	// retried before the loop gives up.
	MaxParseRetries int
	// Filter is passed through to /sync.
	Filter string
	// OnFatal is called from the loop goroutine for failures the facade
	// must surface: consent not given (the loop keeps retrying), expired
	// auth, repeated parse failures and store write failures (the loop
	// stops). It must not block or call back into the loop.
	OnFatal func(err error)
}

// Loop is the sync state machine. Start, Stop and Pause may be called
// from any goroutine; at most one poll goroutine is ever alive.
type Loop struct {
	api     matrix.API
	store   *store.Store
	handler *handler.Handler
	cfg     Config
	logger  *slog.Logger

	state *live.Subject[State]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// New returns a stopped loop.
func New(api matrix.API, st *store.Store, h *handler.Handler, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxParseRetries < 1 {
		cfg.MaxParseRetries = 1
	}

	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}

	return &Loop{
		api:     api,
		store:   st,
		handler: h,
		cfg:     cfg,
		logger:  logger,
		state:   live.NewSubjectWith(State{Kind: Stopped}),
		sleep:   sleepCtx,
		jitter:  randomJitter,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(d time.Duration) time.Duration {
	if d/jitterDivisor <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(d / jitterDivisor))) //nolint:gosec // G404: math/rand is fine for retry jitter
}

// State returns the current state.
func (l *Loop) State() State {
	s, _ := l.state.Value()
	return s
}

// States streams state changes, starting with the current state.
func (l *Loop) States() *live.Subscription[State] {
	return l.state.Subscribe()
}

func (l *Loop) publish(s State) {
	l.state.Publish(s)
}

// Start launches the poll goroutine. A loop that is already running is
// cancelled first and relaunched, so a restart never leaves two pollers.
// Resuming from Paused marks the next Running state AfterPause.
// foreground=false announces the device as offline to the server.
func (l *Loop) Start(foreground bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	afterPause := l.State().Kind == Paused

	l.haltLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	presence := ""
	if !foreground {
		presence = presenceOffline
	}

	l.logger.Info("sync loop starting", slog.Bool("foreground", foreground), slog.Bool("after_pause", afterPause))

	go func() {
		defer close(done)
		l.run(ctx, presence, afterPause)
	}()
}

// Stop cancels any in-flight poll and waits for the goroutine to exit.
// The committed token is left as is.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.haltLocked()
	l.publish(State{Kind: Stopped})
}

// Pause is Stop for a backgrounded host: the next Start resumes with
// AfterPause set and an immediate poll.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel == nil {
		return
	}

	l.haltLocked()
	l.publish(State{Kind: Paused})
}

// IsAlive reports whether a poll goroutine is running.
func (l *Loop) IsAlive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done == nil {
		return false
	}

	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Close stops the loop and ends every state subscription.
func (l *Loop) Close() {
	l.Stop()
	l.state.Close()
}

func (l *Loop) haltLocked() {
	if l.cancel == nil {
		return
	}

	l.cancel()
	<-l.done

	l.cancel = nil
	l.done = nil
}

// SyncOnce applies a single increment without starting the loop. It is
// what background sync runs.
func (l *Loop) SyncOnce(ctx context.Context, timeout time.Duration) error {
	since, err := l.store.SyncToken()
	if err != nil {
		return fmt.Errorf("%w: reading sync token: %w", errs.ErrStoreWrite, err)
	}

	_, err = l.syncIncrement(ctx, since, timeout, presenceOffline, nil)

	return err
}

// run is the poll goroutine body.
func (l *Loop) run(ctx context.Context, presence string, afterPause bool) {
	since, err := l.store.SyncToken()
	if err != nil {
		l.fail(FailureStoreWrite, fmt.Errorf("%w: reading sync token: %w", errs.ErrStoreWrite, err))
		return
	}

	// The first poll of a fresh sync, and the first after a pause, must
	// not wait on the server.
	timeout := time.Duration(0)

	var (
		backoff       time.Duration
		parseFailures int
	)

	for {
		if ctx.Err() != nil {
			return
		}

		var rep handler.Reporter
		if since == "" {
			l.publish(State{Kind: Initializing})
			rep = handler.ReporterFunc(func(f float64) {
				l.publish(State{Kind: Initializing, Progress: f})
			})
		}

		next, err := l.syncIncrement(ctx, since, timeout, presence, rep)
		if err == nil {
			since = next
			timeout = l.cfg.Timeout
			backoff = 0
			parseFailures = 0

			l.publish(State{Kind: Running, AfterPause: afterPause})
			afterPause = false

			continue
		}

		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, errs.ErrStoreWrite):
			l.fail(FailureStoreWrite, err)
			return

		case matrix.IsAuthError(err):
			l.fail(FailureAuthExpired, err)
			return

		case errors.Is(err, errs.ErrMalformedResponse):
			parseFailures++
			if parseFailures >= l.cfg.MaxParseRetries {
				l.fail(FailureParse, fmt.Errorf("%w: %d consecutive malformed responses: %w", errs.ErrParseFailure, parseFailures, err))
				return
			}

			l.logger.Warn("malformed sync response, retrying",
				slog.Int("attempt", parseFailures),
				slog.String("error", err.Error()),
			)

		case matrix.IsConsentNotGiven(err):
			l.logger.Warn("consent not given", slog.String("error", err.Error()))
			l.notifyFatal(err)
		}

		backoff = nextBackoff(backoff, l.cfg.BackoffMin, l.cfg.BackoffMax)
		delay := l.retryDelay(err, backoff)

		kind := RetryBackoff
		if matrix.IsConnectionError(err) {
			kind = NoNetwork
		}

		l.publish(State{Kind: kind, Err: err})
		l.logger.Warn("sync failed, backing off",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
			slog.String("state", kind.String()),
		)

		if err := l.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// nextBackoff doubles the previous backoff, starting from lo and never
// exceeding hi.
func nextBackoff(cur, lo, hi time.Duration) time.Duration {
	return min(max(cur, lo)*backoffMultiplier, hi)
}

// retryDelay adds jitter to backoff, or uses the server's retry_after,
// and clamps the result to BackoffMax.
func (l *Loop) retryDelay(err error, backoff time.Duration) time.Duration {
	if d, ok := matrix.RetryAfter(err); ok {
		return min(d, l.cfg.BackoffMax)
	}

	return min(backoff+l.jitter(backoff), l.cfg.BackoffMax)
}

func (l *Loop) fail(f Failure, err error) {
	l.logger.Error("sync loop stopped", slog.String("failure", f.String()), slog.String("error", err.Error()))
	l.publish(State{Kind: Error, Failure: f, Err: err})
	l.notifyFatal(err)
}

func (l *Loop) notifyFatal(err error) {
	if l.cfg.OnFatal != nil {
		l.cfg.OnFatal(err)
	}
}

// syncIncrement polls once and applies the response together with the
// new token in one transaction. A response for a token that is no longer
// current is discarded, so the stored token never moves backwards.
func (l *Loop) syncIncrement(ctx context.Context, since string, timeout time.Duration, presence string, rep handler.Reporter) (string, error) {
	resp, err := l.api.Sync(ctx, matrix.SyncRequest{
		Since:       since,
		Timeout:     timeout,
		Filter:      l.cfg.Filter,
		SetPresence: presence,
	})
	if err != nil {
		return "", err
	}

	next := resp.NextBatch

	err = l.store.RunTransaction(func(tx *store.Tx) error {
		current, err := tx.SyncToken()
		if err != nil {
			return err
		}

		if current != since {
			l.logger.Debug("discarding stale sync response",
				slog.String("since", since),
				slog.String("current", current),
			)

			next = current

			return nil
		}

		if err := l.handler.Process(tx, resp, rep); err != nil {
			return err
		}

		return tx.SetSyncToken(resp.NextBatch)
	})
	if err != nil {
		if !errors.Is(err, errs.ErrStoreWrite) {
			err = fmt.Errorf("%w: applying increment: %w", errs.ErrStoreWrite, err)
		}

		return "", err
	}

	l.logger.Debug("increment applied", slog.String("next_batch", next), slog.Bool("initial", since == ""))

	return next, nil
}
