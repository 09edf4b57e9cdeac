package session

import (
	"errors"
	"log/slog"
	"slices"

	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/steef435/riotx-sdk/internal/matrix"
)

// FatalEvent is a failure the application has to act on.
type FatalEvent int

const (
	// ConsentNotGiven means the server wants the user to accept its terms.
	// Sync keeps retrying.
	ConsentNotGiven FatalEvent = iota + 1
	// AuthExpired means the access token was revoked. Sync has stopped.
	AuthExpired
	// ParseFailure means the server kept sending unreadable responses.
	// Sync has stopped.
	ParseFailure
	// StoreWriteFailure means the session database rejected a write.
	// Sync has stopped.
	StoreWriteFailure
)

func (e FatalEvent) String() string {
	switch e {
	case ConsentNotGiven:
		return "consent_not_given"
	case AuthExpired:
		return "auth_expired"
	case ParseFailure:
		return "parse_failure"
	case StoreWriteFailure:
		return "store_write_failure"
	default:
		return "unknown"
	}
}

// classifyFatal maps a loop failure to its event; ok is false for
// errors listeners are not told about.
func classifyFatal(err error) (FatalEvent, bool) {
	switch {
	case matrix.IsConsentNotGiven(err):
		return ConsentNotGiven, true
	case errors.Is(err, errs.ErrAuthExpired), matrix.IsAuthError(err):
		return AuthExpired, true
	case errors.Is(err, errs.ErrParseFailure):
		return ParseFailure, true
	case errors.Is(err, errs.ErrStoreWrite):
		return StoreWriteFailure, true
	default:
		return 0, false
	}
}

// Listener is told about fatal events. Calls come from one goroutine,
// in order, and may call back into the session.
type Listener interface {
	OnFatal(ev FatalEvent, err error)
}

// AddListener registers l. Adding the same listener twice is a no-op.
func (s *Session) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	if slices.Contains(s.listeners, l) {
		return
	}

	s.listeners = append(s.listeners, l)
}

// RemoveListener unregisters l.
func (s *Session) RemoveListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.listeners = slices.DeleteFunc(s.listeners, func(x Listener) bool { return x == l })
}

// enqueueFatal returns the loop's OnFatal hook. It never blocks; if the
// queue is full the event is dropped.
func (c *components) enqueueFatal(logger *slog.Logger) func(error) {
	return func(err error) {
		select {
		case c.fatal <- err:
		default:
			logger.Warn("fatal event dropped", slog.String("error", err.Error()))
		}
	}
}

func (s *Session) dispatchFatal(c *components) {
	defer close(c.dispatched)

	for {
		select {
		case <-c.stop:
			return
		case err := <-c.fatal:
			s.notify(err)
		}
	}
}

func (s *Session) notify(err error) {
	ev, ok := classifyFatal(err)
	if !ok {
		s.logger.Warn("unclassified sync failure", slog.String("error", err.Error()))
		return
	}

	s.logger.Warn("fatal session event", slog.String("event", ev.String()), slog.String("error", err.Error()))

	s.listenersMu.Lock()
	ls := slices.Clone(s.listeners)
	s.listenersMu.Unlock()

	for _, l := range ls {
		l.OnFatal(ev, err)
	}
}
