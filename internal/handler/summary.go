package handler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/store"
	"golang.org/x/text/unicode/norm"
	"maunium.net/go/mautrix/id"
)

// maxHeroes is how many members name an unnamed room.
const maxHeroes = 5

const emptyRoomName = "Empty room"

// normalizeName NFC-normalizes and trims a human-readable name so the
// same name always compares equal.
func normalizeName(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// deriveSummary recomputes the summary fields that come from state.
func (h *Handler) deriveSummary(room *store.Room) {
	room.Summary.Topic = stateString(room, matrix.EventRoomTopic, "topic")
	room.Summary.AvatarURL = stateString(room, matrix.EventRoomAvatar, "url")
	room.Summary.CanonicalAlias = stateString(room, matrix.EventRoomCanonicalAlias, "alias")

	if room.Summary.JoinedMembersCount == 0 && room.Summary.InvitedMembersCount == 0 {
		room.Summary.JoinedMembersCount, room.Summary.InvitedMembersCount = countMembers(room)
	}

	room.Summary.DisplayName = h.displayName(room)
}

// displayName follows the usual client order: explicit name, canonical
// alias, then the heroes.
func (h *Handler) displayName(room *store.Room) string {
	if name := normalizeName(stateString(room, matrix.EventRoomName, "name")); name != "" {
		return name
	}

	if room.Summary.CanonicalAlias != "" {
		return room.Summary.CanonicalAlias
	}

	heroes := room.Summary.Heroes
	if len(heroes) == 0 {
		heroes = h.membersExceptSelf(room)
	}

	names := make([]string, 0, min(len(heroes), maxHeroes))
	for _, u := range heroes {
		if u == h.self {
			continue
		}

		names = append(names, memberName(room, u))
		if len(names) == maxHeroes {
			break
		}
	}

	others := room.Summary.JoinedMembersCount + room.Summary.InvitedMembersCount - 1 - len(names)

	switch {
	case len(names) == 0:
		return emptyRoomName
	case others > 0:
		return fmt.Sprintf("%s and %d others", strings.Join(names, ", "), others)
	case len(names) == 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}

func (h *Handler) membersExceptSelf(room *store.Room) []id.UserID {
	var out []id.UserID

	for key, entry := range room.State[matrix.EventRoomMember] {
		m := store.Membership(matrix.ContentString(entry.Content, "membership"))
		if id.UserID(key) == h.self || (m != store.MembershipJoin && m != store.MembershipInvite) {
			continue
		}

		out = append(out, id.UserID(key))
	}

	slices.Sort(out)

	return out
}

func countMembers(room *store.Room) (joined, invited int) {
	for _, entry := range room.State[matrix.EventRoomMember] {
		switch store.Membership(matrix.ContentString(entry.Content, "membership")) {
		case store.MembershipJoin:
			joined++
		case store.MembershipInvite:
			invited++
		}
	}

	return joined, invited
}

// memberName is the member's display name, or the user ID.
func memberName(room *store.Room, u id.UserID) string {
	entry, ok := room.StateEvent(matrix.EventRoomMember, string(u))
	if ok {
		if name := normalizeName(matrix.ContentString(entry.Content, "displayname")); name != "" {
			return name
		}
	}

	return string(u)
}

func stateString(room *store.Room, eventType, field string) string {
	entry, ok := room.StateEvent(eventType, "")
	if !ok {
		return ""
	}

	return matrix.ContentString(entry.Content, field)
}
