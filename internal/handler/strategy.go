package handler

import (
	"maps"
	"slices"

	"github.com/steef435/riotx-sdk/internal/matrix"
	"maunium.net/go/mautrix/id"
)

// RoomStrategy is one membership bucket of the rooms section. It is a
// closed sum: JoinedRooms, InvitedRooms or LeftRooms.
type RoomStrategy interface {
	roomStrategy()
	weight() float64
	// Len is the number of rooms in the bucket.
	Len() int
}

// JoinedRooms is the "join" bucket.
type JoinedRooms map[id.RoomID]matrix.JoinedRoom

// InvitedRooms is the "invite" bucket.
type InvitedRooms map[id.RoomID]matrix.InvitedRoom

// LeftRooms is the "leave" bucket.
type LeftRooms map[id.RoomID]matrix.LeftRoom

func (JoinedRooms) roomStrategy()  {}
func (InvitedRooms) roomStrategy() {}
func (LeftRooms) roomStrategy()    {}

func (JoinedRooms) weight() float64  { return 0.6 }
func (InvitedRooms) weight() float64 { return 0.3 }
func (LeftRooms) weight() float64    { return 0.1 }

func (s JoinedRooms) Len() int  { return len(s) }
func (s InvitedRooms) Len() int { return len(s) }
func (s LeftRooms) Len() int    { return len(s) }

// RoomStrategies returns the room buckets in processing order: joined,
// invited, left. A room present in several buckets therefore ends in
// the state of the last one.
func RoomStrategies(rs matrix.RoomsSync) []RoomStrategy {
	return []RoomStrategy{JoinedRooms(rs.Join), InvitedRooms(rs.Invite), LeftRooms(rs.Leave)}
}

// GroupStrategy is one membership bucket of the groups section: one of
// JoinedGroups, InvitedGroups or LeftGroups.
type GroupStrategy interface {
	groupStrategy()
	weight() float64
	Len() int
}

// JoinedGroups is the "join" bucket.
type JoinedGroups map[string]matrix.JoinedGroup

// InvitedGroups is the "invite" bucket.
type InvitedGroups map[string]matrix.InvitedGroup

// LeftGroups is the "leave" bucket.
type LeftGroups map[string]matrix.LeftGroup

func (JoinedGroups) groupStrategy()  {}
func (InvitedGroups) groupStrategy() {}
func (LeftGroups) groupStrategy()    {}

func (JoinedGroups) weight() float64  { return 0.6 }
func (InvitedGroups) weight() float64 { return 0.3 }
func (LeftGroups) weight() float64    { return 0.1 }

func (s JoinedGroups) Len() int  { return len(s) }
func (s InvitedGroups) Len() int { return len(s) }
func (s LeftGroups) Len() int    { return len(s) }

// GroupStrategies returns the group buckets in processing order.
func GroupStrategies(gs matrix.GroupsSync) []GroupStrategy {
	return []GroupStrategy{JoinedGroups(gs.Join), InvitedGroups(gs.Invite), LeftGroups(gs.Leave)}
}

// sortedKeys iterates a bucket in a stable order so reconciliation is
// deterministic.
func sortedKeys[K ~string, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}
