package handler

import (
	"log/slog"

	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/store"
	"maunium.net/go/mautrix/id"
)

func (inc *increment) handleRooms(s RoomStrategy, p *progress) error {
	switch s := s.(type) {
	case JoinedRooms:
		for i, roomID := range sortedKeys(s) {
			if err := inc.handleJoinedRoom(roomID, s[roomID]); err != nil {
				return err
			}

			p.item(i+1, len(s))
		}
	case InvitedRooms:
		for i, roomID := range sortedKeys(s) {
			if err := inc.handleInvitedRoom(roomID, s[roomID]); err != nil {
				return err
			}

			p.item(i+1, len(s))
		}
	case LeftRooms:
		for i, roomID := range sortedKeys(s) {
			if err := inc.handleLeftRoom(roomID, s[roomID]); err != nil {
				return err
			}

			p.item(i+1, len(s))
		}
	}

	return nil
}

func (inc *increment) loadRoom(roomID id.RoomID) (*store.Room, error) {
	room, err := inc.tx.Room(roomID)
	if err != nil {
		return nil, err
	}

	if room == nil {
		inc.h.logger.Debug("room created", slog.String("room_id", roomID.String()))
		room = store.NewRoom(roomID)
	}

	return room, nil
}

func (inc *increment) handleJoinedRoom(roomID id.RoomID, jr matrix.JoinedRoom) error {
	room, err := inc.loadRoom(roomID)
	if err != nil {
		return err
	}

	// Server buckets are authoritative; own member events below may
	// refine this (a kick seen in the same timeline).
	room.Membership = store.MembershipJoin
	room.Inviter = ""

	for _, ev := range jr.State.Events {
		inc.applyState(room, ev)
	}

	if err := inc.handleTimeline(room, roomID, jr.Timeline); err != nil {
		return err
	}

	if jr.Summary.JoinedMemberCount != nil {
		room.Summary.JoinedMembersCount = *jr.Summary.JoinedMemberCount
	}

	if jr.Summary.InvitedMemberCount != nil {
		room.Summary.InvitedMembersCount = *jr.Summary.InvitedMemberCount
	}

	if jr.Summary.Heroes != nil {
		room.Summary.Heroes = jr.Summary.Heroes
	}

	room.HighlightCount = jr.UnreadNotifications.HighlightCount
	room.NotificationCount = jr.UnreadNotifications.NotificationCount

	inc.h.deriveSummary(room)

	return inc.tx.PutRoom(room)
}

func (inc *increment) handleInvitedRoom(roomID id.RoomID, ir matrix.InvitedRoom) error {
	room, err := inc.loadRoom(roomID)
	if err != nil {
		return err
	}

	room.Membership = store.MembershipInvite

	for _, ev := range ir.InviteState.Events {
		inc.applyState(room, ev)

		if inc.isOwnMember(ev) && matrix.ContentString(ev.Content, "membership") == string(store.MembershipInvite) {
			room.Inviter = ev.Sender
		}
	}

	room.HighlightCount = 0
	room.NotificationCount = 0

	inc.h.deriveSummary(room)

	return inc.tx.PutRoom(room)
}

func (inc *increment) handleLeftRoom(roomID id.RoomID, lr matrix.LeftRoom) error {
	room, err := inc.loadRoom(roomID)
	if err != nil {
		return err
	}

	// Only a server member event lifts a ban; a bare leave bucket does not.
	if room.Membership != store.MembershipBan {
		room.Membership = store.MembershipLeave
	}
	room.Inviter = ""

	for _, ev := range lr.State.Events {
		inc.applyState(room, ev)
	}

	if err := inc.handleTimeline(room, roomID, lr.Timeline); err != nil {
		return err
	}

	// A ban seen in the final events must survive the bucket default,
	// but nothing may lift a room out of "leave" except a later bucket.
	if room.Membership != store.MembershipBan {
		room.Membership = store.MembershipLeave
	}

	room.HighlightCount = 0
	room.NotificationCount = 0

	inc.h.deriveSummary(room)

	return inc.tx.PutRoom(room)
}

func (inc *increment) handleTimeline(room *store.Room, roomID id.RoomID, tl matrix.Timeline) error {
	if tl.Limited {
		room.PrevBatch = tl.PrevBatch
	}

	room.Limited = tl.Limited

	for _, ev := range tl.Events {
		if _, err := inc.handleTimelineEvent(room, roomID, ev); err != nil {
			return err
		}
	}

	return nil
}

func (inc *increment) isOwnMember(ev matrix.Event) bool {
	return ev.Type == matrix.EventRoomMember && ev.StateKey != nil && id.UserID(*ev.StateKey) == inc.h.self
}

// applyState records ev as the latest state for its (type, state_key).
// Own membership changes and member profiles are picked up here.
func (inc *increment) applyState(room *store.Room, ev matrix.Event) {
	if ev.StateKey == nil {
		return
	}

	room.SetState(ev.Type, *ev.StateKey, store.StateEntry{
		EventID:        ev.ID,
		Sender:         ev.Sender,
		OriginServerTS: ev.OriginServerTS,
		Content:        ev.Content,
	})

	if ev.Type != matrix.EventRoomMember {
		return
	}

	userID := id.UserID(*ev.StateKey)
	membership := store.Membership(matrix.ContentString(ev.Content, "membership"))

	if membership == store.MembershipJoin || membership == store.MembershipInvite {
		inc.profiles[userID] = memberProfile{
			DisplayName: normalizeName(matrix.ContentString(ev.Content, "displayname")),
			AvatarURL:   matrix.ContentString(ev.Content, "avatar_url"),
		}
	}

	if userID != inc.h.self {
		return
	}

	switch membership {
	case store.MembershipJoin, store.MembershipInvite, store.MembershipLeave, store.MembershipBan:
		if room.Membership != membership {
			inc.h.logger.Debug("own membership changed",
				slog.String("room_id", room.ID.String()),
				slog.String("from", string(room.Membership)),
				slog.String("to", string(membership)),
			)
		}

		room.Membership = membership
	}
}
