package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/steef435/riotx-sdk/internal/handler"
	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/store"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

// Work names. Reactions and their redactions share one chain per room so
// an undo never overtakes the reaction it undoes.
const (
	WorkSend     = "SEND_WORK"
	WorkReaction = "REACTION_WORK"
)

// ErrNoReaction is returned when there is no reaction of the current user
// to undo.
var ErrNoReaction = errors.New("no reaction to undo")

// WorkKey is the queue key for a room's chain of the given work.
func WorkKey(roomID id.RoomID, work string) string {
	return fmt.Sprintf("%s_%s", roomID, work)
}

// Service creates local echoes and submits the matching server jobs.
// Results are merged back through the handlers.
type Service struct {
	api     matrix.API
	store   *store.Store
	handler *handler.Handler
	queue   *Queue
	echoes  *EchoFactory
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires the outbound layer.
func NewService(api matrix.API, st *store.Store, h *handler.Handler, q *Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		api:     api,
		store:   st,
		handler: h,
		queue:   q,
		echoes:  NewEchoFactory(h.Self()),
		logger:  logger,
		now:     time.Now,
	}
}

// Queue returns the underlying job queue.
func (s *Service) Queue() *Queue {
	return s.queue
}

// SendMessage posts a message. An empty msgType sends m.text.
func (s *Service) SendMessage(roomID id.RoomID, msgType, body string) (*JobHandle, error) {
	echo, err := s.echoes.Message(roomID, body, msgType)
	if err != nil {
		return nil, err
	}

	return s.submit(echo)
}

// SendReaction annotates target with key.
func (s *Service) SendReaction(roomID id.RoomID, target id.EventID, key string) (*JobHandle, error) {
	echo, err := s.echoes.Reaction(roomID, target, key)
	if err != nil {
		return nil, err
	}

	return s.submit(echo)
}

// Redact removes an event. It runs on the reaction chain because that is
// where undo sends it. A local echo target never reached the server, so
// its send is withdrawn instead and the returned Cancelable is inert.
func (s *Service) Redact(roomID id.RoomID, target id.EventID, reason string) (Cancelable, error) {
	if IsLocalEventID(target) {
		if err := s.withdraw(strings.TrimPrefix(string(target), LocalEventIDPrefix)); err != nil {
			return nil, err
		}

		return done{}, nil
	}

	echo, err := s.echoes.Redaction(roomID, target, reason)
	if err != nil {
		return nil, err
	}

	h, err := s.submit(echo)
	if err != nil {
		return nil, err
	}

	return h, nil
}

// withdraw cancels the send job of a local echo. An echo with no live
// job, such as a failed one, is dropped directly.
func (s *Service) withdraw(txnID string) error {
	var echo *store.LocalEcho

	err := s.store.View(func(tx *store.Tx) error {
		var err error
		echo, err = tx.LocalEcho(txnID)

		return err
	})
	if err != nil {
		return err
	}

	if echo == nil {
		return fmt.Errorf("%w: no local echo %s", errs.ErrUnresolvedReference, txnID)
	}

	if s.queue.Cancel(echo.JobID) {
		return nil
	}

	return s.store.RunTransaction(func(tx *store.Tx) error {
		return dropEcho(tx, echo.TxnID)
	})
}

// UndoReaction withdraws the current user's key reaction on target. A
// reaction that is still only a local echo is cancelled; a confirmed one
// is redacted. The returned Cancelable stops the redaction.
func (s *Service) UndoReaction(roomID id.RoomID, target id.EventID, key string) (Cancelable, error) {
	r, err := s.reaction(roomID, target, key)
	if err != nil {
		return nil, err
	}

	if r == nil || !r.AddedByMe() {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoReaction, key, target)
	}

	if len(r.MyEventIDs) > 0 {
		h, err := s.Redact(roomID, r.MyEventIDs[0], "")
		if err != nil {
			return nil, err
		}

		return h, nil
	}

	for _, txnID := range r.LocalEchoTxnIDs {
		s.queue.Cancel(txnID)
	}

	return done{}, nil
}

// UpdateQuickReaction sends reaction unless it is already there and
// withdraws the user's opposite reaction, as a thumbs up/down toggle.
func (s *Service) UpdateQuickReaction(roomID id.RoomID, target id.EventID, reaction, opposite string) (Cancelable, error) {
	var all multi

	mine, err := s.reaction(roomID, target, reaction)
	if err != nil {
		return nil, err
	}

	if mine == nil || !mine.AddedByMe() {
		h, err := s.SendReaction(roomID, target, reaction)
		if err != nil {
			return nil, err
		}

		all = append(all, h)
	}

	other, err := s.reaction(roomID, target, opposite)
	if err != nil {
		return all, err
	}

	if other == nil {
		return all, nil
	}

	for _, eventID := range other.MyEventIDs {
		h, err := s.Redact(roomID, eventID, "")
		if err != nil {
			return all, err
		}

		all = append(all, h)
	}

	for _, txnID := range other.LocalEchoTxnIDs {
		s.queue.Cancel(txnID)
	}

	return all, nil
}

// CancelAll cancels every pending outbound job.
func (s *Service) CancelAll() {
	s.queue.CancelAll()
}

func (s *Service) reaction(roomID id.RoomID, target id.EventID, key string) (*store.Reaction, error) {
	var r *store.Reaction

	err := s.store.View(func(tx *store.Tx) error {
		var err error
		r, err = tx.Reaction(roomID, target, key)

		return err
	})

	return r, err
}

// Resume re-enqueues the echoes a previous run left pending, oldest
// first. Each keeps its transaction ID, so a send the server already
// accepted is deduplicated rather than repeated.
func (s *Service) Resume() (int, error) {
	var pending []store.LocalEcho

	err := s.store.View(func(tx *store.Tx) error {
		echoes, err := tx.LocalEchoes("")
		if err != nil {
			return err
		}

		for _, le := range echoes {
			if le.SendState == store.SendStatePending {
				pending = append(pending, le)
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("loading pending echoes: %w", err)
	}

	for i := range pending {
		s.enqueue(&pending[i])
	}

	if len(pending) > 0 {
		s.logger.Info("resumed pending local echoes", slog.Int("count", len(pending)))
	}

	return len(pending), nil
}

// submit persists the echo and enqueues its job.
func (s *Service) submit(echo *store.LocalEcho) (*JobHandle, error) {
	err := s.store.RunTransaction(func(tx *store.Tx) error {
		if err := tx.PutLocalEcho(echo); err != nil {
			return err
		}

		if echo.Kind == store.EchoReaction {
			return addEchoReaction(tx, echo)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persisting local echo: %w", err)
	}

	return s.enqueue(echo), nil
}

// enqueue starts the server job for a persisted echo.
func (s *Service) enqueue(echo *store.LocalEcho) *JobHandle {
	var eventID id.EventID

	work, send := s.sender(echo)

	return s.queue.Enqueue(Job{
		ID:  echo.JobID,
		Key: WorkKey(echo.RoomID, work),
		Run: func(ctx context.Context) error {
			var err error
			eventID, err = send(ctx)

			return err
		},
		OnRetry: func(attempt int, err error) {
			s.recordAttempt(echo.TxnID, attempt, err)
		},
		OnDone: func(err error) {
			s.complete(echo, eventID, err)
		},
	})
}

// sender picks the chain and server call for an echo.
func (s *Service) sender(echo *store.LocalEcho) (string, func(ctx context.Context) (id.EventID, error)) {
	switch echo.Kind {
	case store.EchoRedaction:
		reason := gjson.GetBytes(echo.Event.Content, "reason").String()

		return WorkReaction, func(ctx context.Context) (id.EventID, error) {
			return s.api.RedactEvent(ctx, echo.RoomID, echo.Event.Redacts, echo.TxnID, reason)
		}
	case store.EchoReaction:
		return WorkReaction, func(ctx context.Context) (id.EventID, error) {
			return s.api.SendEvent(ctx, echo.RoomID, echo.Event.Type, echo.TxnID, echo.Event.Content)
		}
	default:
		return WorkSend, func(ctx context.Context) (id.EventID, error) {
			return s.api.SendEvent(ctx, echo.RoomID, echo.Event.Type, echo.TxnID, echo.Event.Content)
		}
	}
}

func addEchoReaction(tx *store.Tx, echo *store.LocalEcho) error {
	r, err := tx.Reaction(echo.RoomID, echo.Event.RelEventID, echo.Event.RelKey)
	if err != nil {
		return err
	}

	if r == nil {
		r = &store.Reaction{
			RoomID:        echo.RoomID,
			TargetEventID: echo.Event.RelEventID,
			Key:           echo.Event.RelKey,
			FirstTS:       echo.Event.OriginServerTS,
		}
	}

	r.LocalEchoTxnIDs = append(r.LocalEchoTxnIDs, echo.TxnID)

	return tx.PutReaction(r)
}

func (s *Service) recordAttempt(txnID string, attempt int, cause error) {
	err := s.store.RunTransaction(func(tx *store.Tx) error {
		le, err := tx.LocalEcho(txnID)
		if err != nil || le == nil {
			return err
		}

		le.Attempts = attempt
		le.LastError = cause.Error()

		return tx.PutLocalEcho(le)
	})
	if err != nil {
		s.logger.Warn("recording send attempt", slog.String("txn_id", txnID), slog.String("error", err.Error()))
	}
}

// complete merges the job result: the confirmed event on success, a
// failed echo on permanent failure, nothing at all on cancel. A job cut
// short by shutdown leaves its echo pending for Resume.
func (s *Service) complete(echo *store.LocalEcho, eventID id.EventID, jobErr error) {
	var err error

	switch {
	case jobErr == nil:
		ev := s.confirmedEvent(echo, eventID)
		err = s.store.RunTransaction(func(tx *store.Tx) error {
			return s.handler.ReconcileSent(tx, echo.RoomID, ev)
		})

		s.logger.Debug("local echo sent",
			slog.String("txn_id", echo.TxnID),
			slog.String("event_id", eventID.String()),
		)

	case errors.Is(jobErr, errs.ErrQueueClosed):
		s.logger.Debug("local echo left pending", slog.String("txn_id", echo.TxnID))

	case errors.Is(jobErr, errs.ErrJobCancelled):
		err = s.store.RunTransaction(func(tx *store.Tx) error {
			return dropEcho(tx, echo.TxnID)
		})

	default:
		err = s.store.RunTransaction(func(tx *store.Tx) error {
			le, err := tx.LocalEcho(echo.TxnID)
			if err != nil || le == nil {
				return err
			}

			if err := handler.ReleaseEchoReaction(tx, le); err != nil {
				return err
			}

			le.SendState = store.SendStateFailed
			le.LastError = jobErr.Error()

			return tx.PutLocalEcho(le)
		})
	}

	if err != nil {
		s.logger.Error("merging outbound result",
			slog.String("txn_id", echo.TxnID),
			slog.String("error", err.Error()),
		)
	}
}

// dropEcho deletes an echo and its share of a pending reaction count.
func dropEcho(tx *store.Tx, txnID string) error {
	le, err := tx.LocalEcho(txnID)
	if err != nil || le == nil {
		return err
	}

	if err := handler.ReleaseEchoReaction(tx, le); err != nil {
		return err
	}

	return tx.DeleteLocalEcho(le)
}

// confirmedEvent is the server's view of a sent echo, as the next sync
// will deliver it.
func (s *Service) confirmedEvent(echo *store.LocalEcho, eventID id.EventID) matrix.Event {
	return matrix.Event{
		ID:             eventID,
		Type:           echo.Event.Type,
		Sender:         echo.Event.Sender,
		OriginServerTS: s.now().UnixMilli(),
		Content:        echo.Event.Content,
		Redacts:        echo.Event.Redacts,
		RoomID:         echo.RoomID,
		Unsigned:       &matrix.Unsigned{TransactionID: echo.TxnID},
	}
}

type done struct{}

func (done) Cancel() bool { return false }

type multi []Cancelable

func (m multi) Cancel() bool {
	cancelled := false

	for _, c := range m {
		if c.Cancel() {
			cancelled = true
		}
	}

	return cancelled
}
