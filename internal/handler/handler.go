// Package handler reconciles sync increments into the store. Every
// function here runs inside a store transaction supplied by the caller;
// nothing in this package opens transactions or does network I/O.
package handler

import (
	"fmt"
	"log/slog"

	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/store"
	"maunium.net/go/mautrix/id"
)

// Progress weights of the top-level steps of an increment. They add up
// to one.
const (
	weightAccountData = 0.05
	weightRooms       = 0.75
	weightGroups      = 0.1
	weightUsers       = 0.05
	weightPending     = 0.05
)

// Handler applies sync increments for one signed-in user.
type Handler struct {
	self   id.UserID
	logger *slog.Logger
}

// New returns a Handler for the given user. The user ID decides which
// membership events change the room's own membership and which reactions
// count as "mine".
func New(self id.UserID, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{self: self, logger: logger}
}

// Self returns the user the handler reconciles for.
func (h *Handler) Self() id.UserID {
	return h.self
}

// increment carries per-Process scratch state.
type increment struct {
	h  *Handler
	tx *store.Tx
	// profiles collects member profile changes seen in room state; they
	// are written in the users step.
	profiles map[id.UserID]memberProfile
}

type memberProfile struct {
	DisplayName string
	AvatarURL   string
}

// Process applies one increment. The order is fixed: account data, rooms
// (joined, invited, left), groups (joined, invited, left), users, then a
// retry of redactions whose target was unknown. A returned error means
// the transaction must be rolled back; errors about single events are
// logged and absorbed.
func (h *Handler) Process(tx *store.Tx, resp *matrix.SyncResponse, rep Reporter) error {
	if resp == nil {
		return nil
	}

	inc := &increment{h: h, tx: tx, profiles: make(map[id.UserID]memberProfile)}
	p := newProgress(rep)

	if err := inc.handleAccountData(resp.AccountData.Events); err != nil {
		return fmt.Errorf("account data: %w", err)
	}

	p.advance(weightAccountData)

	rooms := p.sub(weightRooms)
	for _, s := range RoomStrategies(resp.Rooms) {
		if err := inc.handleRooms(s, rooms.sub(s.weight())); err != nil {
			return fmt.Errorf("rooms: %w", err)
		}

		rooms.advance(s.weight())
	}

	p.advance(weightRooms)

	groups := p.sub(weightGroups)
	for _, s := range GroupStrategies(resp.Groups) {
		if err := inc.handleGroups(s, groups.sub(s.weight())); err != nil {
			return fmt.Errorf("groups: %w", err)
		}

		groups.advance(s.weight())
	}

	p.advance(weightGroups)

	if err := inc.handleUsers(resp.Presence.Events); err != nil {
		return fmt.Errorf("users: %w", err)
	}

	p.advance(weightUsers)

	if err := inc.retryPendingRedactions(); err != nil {
		return fmt.Errorf("pending redactions: %w", err)
	}

	p.advance(weightPending)

	return nil
}

// HandleGroups applies one group strategy on its own. It is what
// Process uses for each group bucket.
func (h *Handler) HandleGroups(tx *store.Tx, s GroupStrategy, rep Reporter) error {
	inc := &increment{h: h, tx: tx, profiles: make(map[id.UserID]memberProfile)}
	return inc.handleGroups(s, newProgress(rep))
}

// ReconcileSent merges an event this client sent, as confirmed by the
// server, into the store. It follows the same path as a timeline event
// delivered by sync, so running it before or after the sync delivers the
// same event gives the same result.
func (h *Handler) ReconcileSent(tx *store.Tx, roomID id.RoomID, ev matrix.Event) error {
	inc := &increment{h: h, tx: tx, profiles: make(map[id.UserID]memberProfile)}

	room, err := tx.Room(roomID)
	if err != nil {
		return err
	}

	if _, err := inc.handleTimelineEvent(room, roomID, ev); err != nil {
		return err
	}

	if room != nil {
		return tx.PutRoom(room)
	}

	return nil
}
