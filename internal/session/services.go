package session

import (
	"encoding/json"
	"fmt"

	"github.com/steef435/riotx-sdk/internal/handler"
	"github.com/steef435/riotx-sdk/internal/live"
	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/outbound"
	"github.com/steef435/riotx-sdk/internal/store"
	"maunium.net/go/mautrix/id"
)

// RoomService reads rooms and their timelines and posts to them.
type RoomService interface {
	Room(roomID id.RoomID) (*store.Room, error)
	Rooms() ([]store.Room, error)
	ObserveRooms() (*live.Subscription[[]store.Room], error)
	ObserveRoom(roomID id.RoomID) (*live.Subscription[*store.Room], error)
	Timeline(roomID id.RoomID, limit int) ([]store.Event, error)
	ObserveTimeline(roomID id.RoomID, limit int) (*live.Subscription[[]store.Event], error)
	// LocalEchoes lists sends not yet confirmed by the server, with their
	// delivery state. An empty roomID covers every room.
	LocalEchoes(roomID id.RoomID) ([]store.LocalEcho, error)
	// ObserveLocalEchoes streams the delivery state of pending sends.
	// An empty roomID covers every room.
	ObserveLocalEchoes(roomID id.RoomID) (*live.Subscription[[]store.LocalEcho], error)
	SendMessage(roomID id.RoomID, msgType, body string) (*outbound.JobHandle, error)
	Redact(roomID id.RoomID, eventID id.EventID, reason string) (outbound.Cancelable, error)
}

// GroupService reads group (community) memberships.
type GroupService interface {
	Group(groupID string) (*store.Group, error)
	Groups() ([]store.Group, error)
	ObserveGroupSummaries() (*live.Subscription[[]store.Group], error)
}

// ReactionService manages annotations within one room.
type ReactionService interface {
	SendReaction(target id.EventID, key string) (*outbound.JobHandle, error)
	UndoReaction(target id.EventID, key string) (outbound.Cancelable, error)
	UpdateQuickReaction(target id.EventID, reaction, opposite string) (outbound.Cancelable, error)
	Reactions(target id.EventID) ([]store.Reaction, error)
	ObserveReactions(target id.EventID) (*live.Subscription[[]store.Reaction], error)
}

// UserService reads presence, profiles and per-account settings.
type UserService interface {
	User(userID id.UserID) (*store.User, error)
	Users() ([]store.User, error)
	IgnoredUsers() ([]id.UserID, error)
	AccountData(eventType string) (json.RawMessage, error)
}

// Rooms returns the room service.
func (s *Session) Rooms() RoomService { return rooms{s} }

// Groups returns the group service.
func (s *Session) Groups() GroupService { return groups{s} }

// Reactions returns the reaction service for roomID.
func (s *Session) Reactions(roomID id.RoomID) ReactionService {
	return reactions{s: s, roomID: roomID}
}

// Users returns the user service.
func (s *Session) Users() UserService { return users{s} }

// view runs fn in a read transaction of the open store.
func (s *Session) view(fn func(tx *store.Tx) error) error {
	c, err := s.components()
	if err != nil {
		return err
	}

	return c.store.View(fn)
}

// read is view for a single value.
func read[T any](s *Session, load func(tx *store.Tx) (T, error)) (T, error) {
	var v T

	err := s.view(func(tx *store.Tx) error {
		var err error
		v, err = load(tx)

		return err
	})

	return v, err
}

func observe[T any](s *Session, sub func(st *store.Store) *live.Subscription[T]) (*live.Subscription[T], error) {
	c, err := s.components()
	if err != nil {
		return nil, err
	}

	return sub(c.store), nil
}

func (s *Session) sender() (*outbound.Service, error) {
	c, err := s.components()
	if err != nil {
		return nil, err
	}

	return c.outbound, nil
}

type rooms struct{ s *Session }

func (r rooms) Room(roomID id.RoomID) (*store.Room, error) {
	return read(r.s, func(tx *store.Tx) (*store.Room, error) { return tx.Room(roomID) })
}

func (r rooms) Rooms() ([]store.Room, error) {
	return read(r.s, (*store.Tx).Rooms)
}

func (r rooms) ObserveRooms() (*live.Subscription[[]store.Room], error) {
	return observe(r.s, (*store.Store).ObserveRooms)
}

func (r rooms) ObserveRoom(roomID id.RoomID) (*live.Subscription[*store.Room], error) {
	return observe(r.s, func(st *store.Store) *live.Subscription[*store.Room] { return st.ObserveRoom(roomID) })
}

func (r rooms) Timeline(roomID id.RoomID, limit int) ([]store.Event, error) {
	return read(r.s, func(tx *store.Tx) ([]store.Event, error) { return tx.Timeline(roomID, limit) })
}

func (r rooms) ObserveTimeline(roomID id.RoomID, limit int) (*live.Subscription[[]store.Event], error) {
	return observe(r.s, func(st *store.Store) *live.Subscription[[]store.Event] { return st.ObserveTimeline(roomID, limit) })
}

func (r rooms) LocalEchoes(roomID id.RoomID) ([]store.LocalEcho, error) {
	return read(r.s, func(tx *store.Tx) ([]store.LocalEcho, error) { return tx.LocalEchoes(roomID) })
}

func (r rooms) ObserveLocalEchoes(roomID id.RoomID) (*live.Subscription[[]store.LocalEcho], error) {
	return observe(r.s, func(st *store.Store) *live.Subscription[[]store.LocalEcho] { return st.ObserveLocalEchoes(roomID) })
}

func (r rooms) SendMessage(roomID id.RoomID, msgType, body string) (*outbound.JobHandle, error) {
	svc, err := r.s.sender()
	if err != nil {
		return nil, err
	}

	return svc.SendMessage(roomID, msgType, body)
}

func (r rooms) Redact(roomID id.RoomID, eventID id.EventID, reason string) (outbound.Cancelable, error) {
	svc, err := r.s.sender()
	if err != nil {
		return nil, err
	}

	return svc.Redact(roomID, eventID, reason)
}

type groups struct{ s *Session }

func (g groups) Group(groupID string) (*store.Group, error) {
	return read(g.s, func(tx *store.Tx) (*store.Group, error) { return tx.Group(groupID) })
}

func (g groups) Groups() ([]store.Group, error) {
	return read(g.s, (*store.Tx).Groups)
}

func (g groups) ObserveGroupSummaries() (*live.Subscription[[]store.Group], error) {
	return observe(g.s, (*store.Store).ObserveGroups)
}

type reactions struct {
	s      *Session
	roomID id.RoomID
}

func (r reactions) SendReaction(target id.EventID, key string) (*outbound.JobHandle, error) {
	svc, err := r.s.sender()
	if err != nil {
		return nil, err
	}

	return svc.SendReaction(r.roomID, target, key)
}

func (r reactions) UndoReaction(target id.EventID, key string) (outbound.Cancelable, error) {
	svc, err := r.s.sender()
	if err != nil {
		return nil, err
	}

	return svc.UndoReaction(r.roomID, target, key)
}

func (r reactions) UpdateQuickReaction(target id.EventID, reaction, opposite string) (outbound.Cancelable, error) {
	svc, err := r.s.sender()
	if err != nil {
		return nil, err
	}

	return svc.UpdateQuickReaction(r.roomID, target, reaction, opposite)
}

func (r reactions) Reactions(target id.EventID) ([]store.Reaction, error) {
	return read(r.s, func(tx *store.Tx) ([]store.Reaction, error) { return tx.Reactions(r.roomID, target) })
}

func (r reactions) ObserveReactions(target id.EventID) (*live.Subscription[[]store.Reaction], error) {
	return observe(r.s, func(st *store.Store) *live.Subscription[[]store.Reaction] { return st.ObserveReactions(r.roomID, target) })
}

type users struct{ s *Session }

func (u users) User(userID id.UserID) (*store.User, error) {
	return read(u.s, func(tx *store.Tx) (*store.User, error) { return tx.User(userID) })
}

func (u users) Users() ([]store.User, error) {
	return read(u.s, (*store.Tx).Users)
}

func (u users) IgnoredUsers() ([]id.UserID, error) {
	content, err := u.AccountData(matrix.EventIgnoredUsers)
	if err != nil || content == nil {
		return nil, err
	}

	return handler.IgnoredUsers(content), nil
}

func (u users) AccountData(eventType string) (json.RawMessage, error) {
	ad, err := read(u.s, func(tx *store.Tx) (*store.AccountData, error) { return tx.AccountData(eventType) })
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", eventType, err)
	}

	if ad == nil {
		return nil, nil
	}

	return ad.Content, nil
}
