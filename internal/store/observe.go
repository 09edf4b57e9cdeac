package store

import (
	"log/slog"

	"github.com/steef435/riotx-sdk/internal/live"
	"maunium.net/go/mautrix/id"
)

// Change describes what one or more committed transactions touched.
type Change struct {
	Tables map[Table]struct{}
	// Rooms lists the rooms whose per-room tables were touched.
	Rooms map[id.RoomID]struct{}
	// Wide lists tables touched without a room, such as by Clear. A wide
	// table counts as touched for every room.
	Wide map[Table]struct{}
}

func (c *Change) add(t Table, roomID id.RoomID) {
	c.Tables = setAdd(c.Tables, t)

	if roomID == "" {
		c.Wide = setAdd(c.Wide, t)
	} else {
		c.Rooms = setAdd(c.Rooms, roomID)
	}
}

func setAdd[K comparable](m map[K]struct{}, k K) map[K]struct{} {
	if m == nil {
		m = make(map[K]struct{})
	}

	m[k] = struct{}{}

	return m
}

func union[K comparable](a, b map[K]struct{}) map[K]struct{} {
	if len(a)+len(b) == 0 {
		return nil
	}

	out := make(map[K]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}

	for k := range b {
		out[k] = struct{}{}
	}

	return out
}

// MergeChanges returns a change covering both a and b. Neither argument
// is modified. A merged change may report a room as touched in a table
// where only another table changed for it; observers then reload once
// more than needed, but never miss a change.
func MergeChanges(a, b Change) Change {
	return Change{
		Tables: union(a.Tables, b.Tables),
		Rooms:  union(a.Rooms, b.Rooms),
		Wide:   union(a.Wide, b.Wide),
	}
}

// Empty reports whether nothing was touched.
func (c Change) Empty() bool {
	return len(c.Tables) == 0
}

// Touches reports whether any of the given tables changed.
func (c Change) Touches(tables ...Table) bool {
	for _, t := range tables {
		if _, ok := c.Tables[t]; ok {
			return true
		}
	}

	return false
}

// TouchesRoom reports whether t changed for roomID.
func (c Change) TouchesRoom(t Table, roomID id.RoomID) bool {
	if !c.Touches(t) {
		return false
	}

	if _, ok := c.Wide[t]; ok {
		return true
	}

	_, ok := c.Rooms[roomID]

	return ok
}

// observe derives a live query that reloads inside a read transaction
// whenever match accepts a committed change.
func observe[T any](s *Store, what string, match func(Change) bool, load func(tx *Tx) (T, error)) *live.Subscription[T] {
	return live.Derive(s.changes, match, func() (T, error) {
		var v T

		err := s.View(func(tx *Tx) error {
			var err error
			v, err = load(tx)

			return err
		})

		return v, err
	}, func(err error) {
		s.logger.Warn("observation reload failed", slog.String("query", what), slog.String("error", err.Error()))
	})
}

// ObserveRooms streams the room list. A value is emitted on subscribe and
// after every commit that touched rooms.
func (s *Store) ObserveRooms() *live.Subscription[[]Room] {
	return observe(s, "rooms", func(c Change) bool {
		return c.Touches(TableRooms)
	}, (*Tx).Rooms)
}

// ObserveRoom streams one room; the value is nil while the room is unknown.
func (s *Store) ObserveRoom(roomID id.RoomID) *live.Subscription[*Room] {
	return observe(s, "room", func(c Change) bool {
		return c.TouchesRoom(TableRooms, roomID)
	}, func(tx *Tx) (*Room, error) {
		return tx.Room(roomID)
	})
}

// ObserveGroups streams the group list.
func (s *Store) ObserveGroups() *live.Subscription[[]Group] {
	return observe(s, "groups", func(c Change) bool {
		return c.Touches(TableGroups)
	}, (*Tx).Groups)
}

// ObserveLocalEchoes streams the delivery state of a room's pending
// actions. An empty roomID observes every room.
func (s *Store) ObserveLocalEchoes(roomID id.RoomID) *live.Subscription[[]LocalEcho] {
	return observe(s, "local_echoes", func(c Change) bool {
		if roomID == "" {
			return c.Touches(TableLocalEchoes)
		}

		return c.TouchesRoom(TableLocalEchoes, roomID)
	}, func(tx *Tx) ([]LocalEcho, error) {
		return tx.LocalEchoes(roomID)
	})
}

// ObserveTimeline streams the latest limit events of a room.
func (s *Store) ObserveTimeline(roomID id.RoomID, limit int) *live.Subscription[[]Event] {
	return observe(s, "timeline", func(c Change) bool {
		return c.TouchesRoom(TableEvents, roomID)
	}, func(tx *Tx) ([]Event, error) {
		return tx.Timeline(roomID, limit)
	})
}

// ObserveReactions streams the reaction aggregates on one event.
func (s *Store) ObserveReactions(roomID id.RoomID, target id.EventID) *live.Subscription[[]Reaction] {
	return observe(s, "reactions", func(c Change) bool {
		return c.TouchesRoom(TableReactions, roomID)
	}, func(tx *Tx) ([]Reaction, error) {
		return tx.Reactions(roomID, target)
	})
}
