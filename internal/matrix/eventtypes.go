package matrix

import "slices"

// Known event types.
const (
	EventPresence     = "m.presence"
	EventMessage      = "m.room.message"
	EventSticker      = "m.sticker"
	EventEncrypted    = "m.room.encrypted"
	EventEncryption   = "m.room.encryption"
	EventTyping       = "m.typing"
	EventRedaction    = "m.room.redaction"
	EventReceipt      = "m.receipt"
	EventTag          = "m.tag"
	EventFullyRead    = "m.fully_read"
	EventReaction     = "m.reaction"
	EventDirect       = "m.direct"
	EventIgnoredUsers = "m.ignored_user_list"

	EventRoomName              = "m.room.name"
	EventRoomTopic             = "m.room.topic"
	EventRoomAvatar            = "m.room.avatar"
	EventRoomMember            = "m.room.member"
	EventRoomThirdPartyInvite  = "m.room.third_party_invite"
	EventRoomCreate            = "m.room.create"
	EventRoomJoinRules         = "m.room.join_rules"
	EventRoomGuestAccess       = "m.room.guest_access"
	EventRoomPowerLevels       = "m.room.power_levels"
	EventRoomAliases           = "m.room.aliases"
	EventRoomTombstone         = "m.room.tombstone"
	EventRoomCanonicalAlias    = "m.room.canonical_alias"
	EventRoomHistoryVisibility = "m.room.history_visibility"
	EventRoomRelatedGroups     = "m.room.related_groups"
	EventRoomPinnedEvents      = "m.room.pinned_events"

	EventCallInvite     = "m.call.invite"
	EventCallCandidates = "m.call.candidates"
	EventCallAnswer     = "m.call.answer"
	EventCallHangup     = "m.call.hangup"
)

var stateEventTypes = []string{
	EventRoomName,
	EventRoomTopic,
	EventRoomAvatar,
	EventRoomMember,
	EventRoomThirdPartyInvite,
	EventRoomCreate,
	EventRoomJoinRules,
	EventRoomGuestAccess,
	EventRoomPowerLevels,
	EventRoomTombstone,
	EventRoomCanonicalAlias,
	EventRoomHistoryVisibility,
	EventRoomRelatedGroups,
	EventRoomPinnedEvents,
}

// IsStateEvent reports whether t is one of the well-known room state types.
func IsStateEvent(t string) bool {
	return slices.Contains(stateEventTypes, t)
}

// IsCallEvent reports whether t is a VoIP signalling event type.
func IsCallEvent(t string) bool {
	switch t {
	case EventCallInvite, EventCallCandidates, EventCallAnswer, EventCallHangup:
		return true
	}

	return false
}
