package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/steef435/riotx-sdk/internal/matrix"
)

// forgetter is implemented by key providers that cache key material.
type forgetter interface {
	Forget()
}

// SignOut invalidates the access token on the server, then removes every
// local trace of the session: pending work, stored params, cached data,
// the user's cache directory and the cached database key. The session is
// closed afterwards. A token the server already rejects does not stop
// the local cleanup.
func (s *Session) SignOut(ctx context.Context) error {
	if _, err := s.components(); err != nil {
		return err
	}

	if err := s.deps.API.SignOut(ctx); err != nil {
		if !matrix.IsAuthError(err) {
			return fmt.Errorf("signing out: %w", err)
		}

		s.logger.Info("access token already invalid, cleaning up locally")
	}

	c, err := s.detach()
	if err != nil {
		return err
	}

	c.loop.Stop()
	c.outbound.CancelAll()

	var cleanup []error

	if s.deps.Params != nil {
		if err := s.deps.Params.Delete(s.cfg.UserID.String()); err != nil {
			cleanup = append(cleanup, fmt.Errorf("deleting session params: %w", err))
		}
	}

	if err := c.store.Clear(); err != nil {
		cleanup = append(cleanup, fmt.Errorf("clearing session data: %w", err))
	}

	if err := s.shutdown(c); err != nil {
		cleanup = append(cleanup, err)
	}

	if s.cfg.CacheDir != "" {
		if err := os.RemoveAll(s.cfg.CacheDir); err != nil {
			cleanup = append(cleanup, fmt.Errorf("removing user cache: %w", err))
		}
	}

	if f, ok := s.deps.Keys.(forgetter); ok {
		f.Forget()
	}

	if err := errors.Join(cleanup...); err != nil {
		s.logger.Error("sign-out cleanup incomplete", slog.String("error", err.Error()))
		return err
	}

	s.logger.Info("signed out")

	return nil
}
