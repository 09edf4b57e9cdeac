package store

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/id"
)

// Membership is a user's relation to a room or group.
type Membership string

const (
	MembershipNone   Membership = ""
	MembershipInvite Membership = "invite"
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
)

// StateEntry is the latest state event for one (type, state_key).
type StateEntry struct {
	EventID        id.EventID      `json:"event_id"`
	Sender         id.UserID       `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// RoomSummary is derived from room state during reconciliation.
type RoomSummary struct {
	DisplayName         string      `json:"display_name"`
	Topic               string      `json:"topic,omitempty"`
	AvatarURL           string      `json:"avatar_url,omitempty"`
	CanonicalAlias      string      `json:"canonical_alias,omitempty"`
	JoinedMembersCount  int         `json:"joined_members_count"`
	InvitedMembersCount int         `json:"invited_members_count"`
	LatestEventID       id.EventID  `json:"latest_event_id,omitempty"`
	LatestEventTS       int64       `json:"latest_event_ts,omitempty"`
	Heroes              []id.UserID `json:"heroes,omitempty"`
}

// Room is the aggregate for one room ID.
type Room struct {
	ID                id.RoomID                        `json:"id"`
	Membership        Membership                       `json:"membership"`
	Inviter           id.UserID                        `json:"inviter,omitempty"`
	Summary           RoomSummary                      `json:"summary"`
	State             map[string]map[string]StateEntry `json:"state,omitempty"`
	HighlightCount    int                              `json:"highlight_count"`
	NotificationCount int                              `json:"notification_count"`
	PrevBatch         string                           `json:"prev_batch,omitempty"`
	Limited           bool                             `json:"limited,omitempty"`
	IsDirect          bool                             `json:"is_direct,omitempty"`
}

// NewRoom returns an empty room with no membership.
func NewRoom(roomID id.RoomID) *Room {
	return &Room{ID: roomID, State: make(map[string]map[string]StateEntry)}
}

// StateEvent returns the current state entry for (eventType, stateKey).
func (r *Room) StateEvent(eventType, stateKey string) (StateEntry, bool) {
	byKey, ok := r.State[eventType]
	if !ok {
		return StateEntry{}, false
	}

	e, ok := byKey[stateKey]

	return e, ok
}

// SetState records entry as the latest state for (eventType, stateKey).
func (r *Room) SetState(eventType, stateKey string, entry StateEntry) {
	if r.State == nil {
		r.State = make(map[string]map[string]StateEntry)
	}

	byKey, ok := r.State[eventType]
	if !ok {
		byKey = make(map[string]StateEntry)
		r.State[eventType] = byKey
	}

	byKey[stateKey] = entry
}

// Group is a community the user has a relation to.
type Group struct {
	ID         string     `json:"id"`
	Membership Membership `json:"membership"`
	Name       string     `json:"name,omitempty"`
	AvatarURL  string     `json:"avatar_url,omitempty"`
	Inviter    id.UserID  `json:"inviter,omitempty"`
}

// Event is a persisted timeline event. It is immutable except for the
// redaction fields.
type Event struct {
	ID              id.EventID      `json:"id"`
	RoomID          id.RoomID       `json:"room_id"`
	Type            string          `json:"type"`
	Sender          id.UserID       `json:"sender"`
	StateKey        *string         `json:"state_key,omitempty"`
	OriginServerTS  int64           `json:"origin_server_ts"`
	Content         json.RawMessage `json:"content,omitempty"`
	Redacts         id.EventID      `json:"redacts,omitempty"`
	Redacted        bool            `json:"redacted,omitempty"`
	RedactedBecause id.EventID      `json:"redacted_because,omitempty"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	RelType         string          `json:"rel_type,omitempty"`
	RelEventID      id.EventID      `json:"rel_event_id,omitempty"`
	RelKey          string          `json:"rel_key,omitempty"`
	// Seq orders events within the store by insertion.
	Seq uint64 `json:"seq"`
}

// SendState is the delivery status of a local echo. A confirmed send
// replaces its echo with the server event, so there is no sent state.
type SendState string

const (
	SendStatePending SendState = "pending"
	SendStateFailed  SendState = "failed"
)

// EchoKind is the user action a local echo represents.
type EchoKind string

const (
	EchoMessage   EchoKind = "message"
	EchoReaction  EchoKind = "reaction"
	EchoRedaction EchoKind = "redaction"
)

// LocalEcho is a provisional event shown before the server confirms it.
type LocalEcho struct {
	TxnID     string    `json:"txn_id"`
	RoomID    id.RoomID `json:"room_id"`
	Kind      EchoKind  `json:"kind"`
	Event     Event     `json:"event"`
	SendState SendState `json:"send_state"`
	JobID     string    `json:"job_id,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Reaction aggregates all annotations with one key on one target event.
type Reaction struct {
	RoomID          id.RoomID    `json:"room_id"`
	TargetEventID   id.EventID   `json:"target_event_id"`
	Key             string       `json:"key"`
	SourceEventIDs  []id.EventID `json:"source_event_ids,omitempty"`
	MyEventIDs      []id.EventID `json:"my_event_ids,omitempty"`
	LocalEchoTxnIDs []string     `json:"local_echo_txn_ids,omitempty"`
	FirstTS         int64        `json:"first_ts,omitempty"`
}

// Count is the number of confirmed plus pending annotations.
func (r *Reaction) Count() int {
	return len(r.SourceEventIDs) + len(r.LocalEchoTxnIDs)
}

// AddedByMe reports whether the current user has reacted (or is about to).
func (r *Reaction) AddedByMe() bool {
	return len(r.MyEventIDs) > 0 || len(r.LocalEchoTxnIDs) > 0
}

// Empty reports whether nothing references the aggregate any more.
func (r *Reaction) Empty() bool {
	return r.Count() == 0
}

// PendingRedaction is a redaction whose target is not yet known locally.
type PendingRedaction struct {
	RoomID           id.RoomID  `json:"room_id"`
	RedactionEventID id.EventID `json:"redaction_event_id"`
	TargetEventID    id.EventID `json:"target_event_id"`
	Attempts         int        `json:"attempts"`
}

// User holds presence and profile information for one user.
type User struct {
	ID              id.UserID `json:"id"`
	Presence        string    `json:"presence,omitempty"`
	StatusMsg       string    `json:"status_msg,omitempty"`
	LastActiveAgo   int64     `json:"last_active_ago,omitempty"`
	CurrentlyActive bool      `json:"currently_active,omitempty"`
	DisplayName     string    `json:"display_name,omitempty"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
}

// AccountData is one global account data event.
type AccountData struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}
