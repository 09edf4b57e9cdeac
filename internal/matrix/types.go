package matrix

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/id"
)

// SyncRequest holds the parameters of one /sync long-poll.
type SyncRequest struct {
	// Since is the continuation token; empty for an initial sync.
	Since string
	// Timeout is how long the server may hold the request open.
	Timeout time.Duration
	// Filter is a filter ID or inline JSON filter.
	Filter string
	// SetPresence is "online", "offline" or "unavailable"; empty omits it.
	SetPresence string
}

// SyncResponse is one increment of server-side changes.
type SyncResponse struct {
	NextBatch   string      `json:"next_batch"`
	AccountData EventList   `json:"account_data"`
	Presence    EventList   `json:"presence"`
	ToDevice    EventList   `json:"to_device"`
	DeviceLists DeviceLists `json:"device_lists"`
	Rooms       RoomsSync   `json:"rooms"`
	Groups      GroupsSync  `json:"groups"`
}

// EventList is the common {"events": [...]} wrapper.
type EventList struct {
	Events []Event `json:"events,omitempty"`
}

// DeviceLists reports users whose device lists changed.
type DeviceLists struct {
	Changed []id.UserID `json:"changed,omitempty"`
	Left    []id.UserID `json:"left,omitempty"`
}

// RoomsSync partitions room deltas by membership bucket.
type RoomsSync struct {
	Join   map[id.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[id.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[id.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom is the delta for a room the user is joined to.
type JoinedRoom struct {
	Summary             RoomSummary         `json:"summary"`
	State               EventList           `json:"state"`
	Timeline            Timeline            `json:"timeline"`
	Ephemeral           EventList           `json:"ephemeral"`
	AccountData         EventList           `json:"account_data"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

// RoomSummary carries the server-computed room summary fields. Pointers
// distinguish "not sent" from zero.
type RoomSummary struct {
	Heroes             []id.UserID `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int        `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int        `json:"m.invited_member_count,omitempty"`
}

// UnreadNotifications are absolute counts, never deltas.
type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// InvitedRoom is the stripped state of a room the user is invited to.
type InvitedRoom struct {
	InviteState EventList `json:"invite_state"`
}

// LeftRoom is the final delta for a room the user left or was removed from.
type LeftRoom struct {
	State       EventList `json:"state"`
	Timeline    Timeline  `json:"timeline"`
	AccountData EventList `json:"account_data"`
}

// Timeline is a window of room events.
type Timeline struct {
	Events    []Event `json:"events,omitempty"`
	Limited   bool    `json:"limited,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

// GroupsSync partitions group (community) deltas by membership bucket.
type GroupsSync struct {
	Join   map[string]JoinedGroup  `json:"join,omitempty"`
	Invite map[string]InvitedGroup `json:"invite,omitempty"`
	Leave  map[string]LeftGroup    `json:"leave,omitempty"`
}

// JoinedGroup carries no data; presence in the map is the signal.
type JoinedGroup struct{}

// InvitedGroup describes a pending group invite.
type InvitedGroup struct {
	Inviter id.UserID     `json:"inviter,omitempty"`
	Profile *GroupProfile `json:"profile,omitempty"`
}

// GroupProfile is the public profile of a group.
type GroupProfile struct {
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// LeftGroup carries no data.
type LeftGroup struct{}

// Event is a Matrix event as delivered by /sync. Content stays raw so
// the store can persist it byte-for-byte.
type Event struct {
	ID             id.EventID      `json:"event_id,omitempty"`
	Type           string          `json:"type"`
	Sender         id.UserID       `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Redacts        id.EventID      `json:"redacts,omitempty"`
	RoomID         id.RoomID       `json:"room_id,omitempty"`
	Unsigned       *Unsigned       `json:"unsigned,omitempty"`
}

// Unsigned holds server-added data that is not covered by signatures.
type Unsigned struct {
	Age             int64           `json:"age,omitempty"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	RedactedBecause json.RawMessage `json:"redacted_because,omitempty"`
	PrevContent     json.RawMessage `json:"prev_content,omitempty"`
}

// IsState reports whether the event carries a state key.
func (e Event) IsState() bool {
	return e.StateKey != nil
}

// TransactionID returns the client transaction ID echoed back for events
// sent by this device, or "".
func (e Event) TransactionID() string {
	if e.Unsigned == nil {
		return ""
	}

	return e.Unsigned.TransactionID
}

// RedactionTarget returns the event a redaction removes. Newer room
// versions move "redacts" into content.
func (e Event) RedactionTarget() id.EventID {
	if e.Redacts != "" {
		return e.Redacts
	}

	return id.EventID(contentString(e.Content, "redacts"))
}

// LoginRequest is the body of a password login.
type LoginRequest struct {
	User                     string
	Password                 string
	DeviceID                 string
	InitialDeviceDisplayName string
}

// SendEventResponse is returned by send and redact.
type SendEventResponse struct {
	EventID id.EventID `json:"event_id"`
}
