package session

import (
	"context"
	"log/slog"
	"time"

	errs "github.com/steef435/riotx-sdk/internal/errors"
)

// Scheduler runs periodic background work for the host.
type Scheduler interface {
	// Every calls run once per interval until the returned stop function
	// is called. stop cancels run's context and waits for it to return.
	Every(interval time.Duration, run func(ctx context.Context)) (stop func())
}

// TickerScheduler runs work on an in-process ticker.
type TickerScheduler struct{}

// Every implements Scheduler.
func (TickerScheduler) Every(interval time.Duration, run func(ctx context.Context)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// RequireBackgroundSync runs a single background sync now and returns
// when it has been applied.
func (s *Session) RequireBackgroundSync(ctx context.Context) error {
	c, err := s.components()
	if err != nil {
		return err
	}

	return s.backgroundSync(ctx, c)
}

// StartAutomaticBackgroundSync syncs once per interval until stopped,
// replacing any earlier schedule. Ticks that land while the foreground
// loop is running are skipped; the loop is already keeping up.
func (s *Session) StartAutomaticBackgroundSync(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.c
	if c == nil {
		return errs.ErrSessionNotOpen
	}

	s.stopBackgroundLocked()

	s.bg = s.deps.Scheduler.Every(interval, func(ctx context.Context) {
		if c.loop.IsAlive() {
			s.logger.Debug("background sync skipped, foreground loop running")
			return
		}

		_ = s.backgroundSync(ctx, c)
	})

	s.logger.Info("automatic background sync started", slog.Duration("interval", interval))

	return nil
}

// StopAnyBackgroundSync cancels the automatic schedule, if any.
func (s *Session) StopAnyBackgroundSync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopBackgroundLocked()
}

func (s *Session) stopBackgroundLocked() {
	if s.bg == nil {
		return
	}

	s.bg()
	s.bg = nil

	s.logger.Info("automatic background sync stopped")
}

func (s *Session) backgroundSync(ctx context.Context, c *components) error {
	err := c.loop.SyncOnce(ctx, s.cfg.BackgroundTimeout)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.Warn("background sync failed", slog.String("error", err.Error()))

	if _, fatal := classifyFatal(err); fatal {
		c.enqueueFatal(s.logger)(err)
	}

	return err
}
