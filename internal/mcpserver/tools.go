// Package mcpserver registers MCP tools that expose the session's
// control and observation API. It adapts the session package to the MCP
// SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/steef435/riotx-sdk/internal/outbound"
	"github.com/steef435/riotx-sdk/internal/session"
	"github.com/steef435/riotx-sdk/internal/store"
	"github.com/steef435/riotx-sdk/internal/syncloop"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

const (
	defaultTimelineLimit = 20
	maxTimelineLimit     = 500
)

// Session is the part of the session facade the tools drive.
type Session interface {
	SyncState() syncloop.State
	StartSync(foreground bool) error
	StopSync() error
	ClearCache(ctx context.Context) error
	Rooms() session.RoomService
	Groups() session.GroupService
	Reactions(roomID id.RoomID) session.ReactionService
}

// RegisterTools adds all session tools to the given MCP server.
func RegisterTools(server *mcp.Server, s Session) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_state",
		Description: "Current state of the sync loop: stopped, initializing (with progress), running, paused, retry_backoff, no_network or error.",
	}, syncStateHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_rooms",
		Description: "List every known room, most recently active first, with display name, membership and unread counts.",
	}, listRoomsHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_groups",
		Description: "List every known group (community) with its membership.",
	}, listGroupsHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_timeline",
		Description: "Read the latest events of a room, oldest first. Pending sends are listed separately with their delivery state.",
	}, timelineHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_message",
		Description: "Queue a message for a room. It appears in the timeline immediately as a pending local echo.",
	}, sendMessageHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_reaction",
		Description: "React to an event with an annotation key, usually an emoji.",
	}, sendReactionHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "undo_reaction",
		Description: "Withdraw your own reaction with the given key from an event.",
	}, undoReactionHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "redact_event",
		Description: "Redact (delete) an event. Its content is removed for everyone.",
	}, redactHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_cache",
		Description: "Drop all cached rooms, events and the sync token, then resync from scratch.",
	}, clearCacheHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_sync",
		Description: "Start or restart the sync loop.",
	}, startSyncHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "stop_sync",
		Description: "Stop the sync loop. Cached data and the sync token are kept.",
	}, stopSyncHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// EmptyInput is for tools without parameters.
type EmptyInput struct{}

// TimelineInput holds parameters for room_timeline.
type TimelineInput struct {
	RoomID string `json:"room_id" jsonschema:"required,room ID such as !abc:example.org"`
	Limit  int    `json:"limit,omitempty" jsonschema:"number of events, defaults to 20"`
}

// SendMessageInput holds parameters for send_message.
type SendMessageInput struct {
	RoomID  string `json:"room_id" jsonschema:"required,room ID"`
	Body    string `json:"body" jsonschema:"required,message text"`
	MsgType string `json:"msgtype,omitempty" jsonschema:"m.text (default), m.notice or m.emote"`
}

// ReactionInput holds parameters for send_reaction and undo_reaction.
type ReactionInput struct {
	RoomID  string `json:"room_id" jsonschema:"required,room ID"`
	EventID string `json:"event_id" jsonschema:"required,event being reacted to"`
	Key     string `json:"key" jsonschema:"required,reaction key, usually an emoji"`
}

// RedactInput holds parameters for redact_event.
type RedactInput struct {
	RoomID  string `json:"room_id" jsonschema:"required,room ID"`
	EventID string `json:"event_id" jsonschema:"required,event to redact"`
	Reason  string `json:"reason,omitempty" jsonschema:"optional reason shown to others"`
}

// StartSyncInput holds parameters for start_sync.
type StartSyncInput struct {
	Background bool `json:"background,omitempty" jsonschema:"sync as a backgrounded device (presence offline)"`
}

// --- Output types ---

// StateResult describes the sync loop.
type StateResult struct {
	State      string  `json:"state"`
	AfterPause bool    `json:"after_pause,omitempty"`
	Failure    string  `json:"failure,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// RoomEntry is one room in list_rooms.
type RoomEntry struct {
	RoomID            string `json:"room_id"`
	Name              string `json:"name"`
	Topic             string `json:"topic,omitempty"`
	Membership        string `json:"membership"`
	IsDirect          bool   `json:"is_direct,omitempty"`
	NotificationCount int    `json:"notification_count"`
	HighlightCount    int    `json:"highlight_count"`
	JoinedMembers     int    `json:"joined_members"`
	LatestEventID     string `json:"latest_event_id,omitempty"`
}

// ListRoomsResult is returned by list_rooms.
type ListRoomsResult struct {
	Total int         `json:"total"`
	Rooms []RoomEntry `json:"rooms"`
}

// GroupEntry is one group in list_groups.
type GroupEntry struct {
	GroupID    string `json:"group_id"`
	Name       string `json:"name,omitempty"`
	Membership string `json:"membership"`
}

// ListGroupsResult is returned by list_groups.
type ListGroupsResult struct {
	Total  int          `json:"total"`
	Groups []GroupEntry `json:"groups"`
}

// EventEntry is one timeline event.
type EventEntry struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"ts"`
	Body      string `json:"body,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`
}

// PendingEntry is a local echo not yet confirmed by the server.
type PendingEntry struct {
	TxnID     string `json:"txn_id"`
	Type      string `json:"type"`
	Body      string `json:"body,omitempty"`
	SendState string `json:"send_state"`
	LastError string `json:"last_error,omitempty"`
}

// TimelineResult is returned by room_timeline.
type TimelineResult struct {
	RoomID  string         `json:"room_id"`
	Events  []EventEntry   `json:"events"`
	Pending []PendingEntry `json:"pending,omitempty"`
}

// JobResult identifies queued outbound work.
type JobResult struct {
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status"`
}

// --- Handlers ---

func syncStateHandler(s Session) mcp.ToolHandlerFor[EmptyInput, *StateResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StateResult, error) {
		result := stateResult(s.SyncState())
		return textResult(result), result, nil
	}
}

func listRoomsHandler(s Session) mcp.ToolHandlerFor[EmptyInput, *ListRoomsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ListRoomsResult, error) {
		rooms, err := s.Rooms().Rooms()
		if err != nil {
			return nil, nil, err
		}

		result := &ListRoomsResult{Total: len(rooms), Rooms: make([]RoomEntry, 0, len(rooms))}
		for _, r := range rooms {
			result.Rooms = append(result.Rooms, RoomEntry{
				RoomID:            r.ID.String(),
				Name:              r.Summary.DisplayName,
				Topic:             r.Summary.Topic,
				Membership:        membershipName(r.Membership),
				IsDirect:          r.IsDirect,
				NotificationCount: r.NotificationCount,
				HighlightCount:    r.HighlightCount,
				JoinedMembers:     r.Summary.JoinedMembersCount,
				LatestEventID:     r.Summary.LatestEventID.String(),
			})
		}

		return textResult(result), result, nil
	}
}

func listGroupsHandler(s Session) mcp.ToolHandlerFor[EmptyInput, *ListGroupsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ListGroupsResult, error) {
		groups, err := s.Groups().Groups()
		if err != nil {
			return nil, nil, err
		}

		result := &ListGroupsResult{Total: len(groups), Groups: make([]GroupEntry, 0, len(groups))}
		for _, g := range groups {
			result.Groups = append(result.Groups, GroupEntry{
				GroupID:    g.ID,
				Name:       g.Name,
				Membership: membershipName(g.Membership),
			})
		}

		return textResult(result), result, nil
	}
}

func timelineHandler(s Session) mcp.ToolHandlerFor[TimelineInput, *TimelineResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input TimelineInput) (*mcp.CallToolResult, *TimelineResult, error) {
		roomID, err := parseRoomID(input.RoomID)
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultTimelineLimit
		}

		limit = min(limit, maxTimelineLimit)

		events, err := s.Rooms().Timeline(roomID, limit)
		if err != nil {
			return nil, nil, err
		}

		result := &TimelineResult{RoomID: roomID.String(), Events: make([]EventEntry, 0, len(events))}
		for _, e := range events {
			result.Events = append(result.Events, EventEntry{
				EventID:   e.ID.String(),
				Type:      e.Type,
				Sender:    e.Sender.String(),
				Timestamp: e.OriginServerTS,
				Body:      gjson.GetBytes(e.Content, "body").String(),
				Redacted:  e.Redacted,
			})
		}

		echoes, err := s.Rooms().LocalEchoes(roomID)
		if err != nil {
			return nil, nil, err
		}

		for _, le := range echoes {
			result.Pending = append(result.Pending, PendingEntry{
				TxnID:     le.TxnID,
				Type:      le.Event.Type,
				Body:      gjson.GetBytes(le.Event.Content, "body").String(),
				SendState: string(le.SendState),
				LastError: le.LastError,
			})
		}

		return textResult(result), result, nil
	}
}

func sendMessageHandler(s Session) mcp.ToolHandlerFor[SendMessageInput, *JobResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *JobResult, error) {
		roomID, err := parseRoomID(input.RoomID)
		if err != nil {
			return nil, nil, err
		}

		if input.Body == "" {
			return nil, nil, fmt.Errorf("body is required")
		}

		h, err := s.Rooms().SendMessage(roomID, input.MsgType, input.Body)
		if err != nil {
			return nil, nil, err
		}

		result := jobResult(h)

		return textResult(result), result, nil
	}
}

func sendReactionHandler(s Session) mcp.ToolHandlerFor[ReactionInput, *JobResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ReactionInput) (*mcp.CallToolResult, *JobResult, error) {
		roomID, eventID, err := parseTarget(input.RoomID, input.EventID)
		if err != nil {
			return nil, nil, err
		}

		if input.Key == "" {
			return nil, nil, fmt.Errorf("key is required")
		}

		h, err := s.Reactions(roomID).SendReaction(eventID, input.Key)
		if err != nil {
			return nil, nil, err
		}

		result := jobResult(h)

		return textResult(result), result, nil
	}
}

func undoReactionHandler(s Session) mcp.ToolHandlerFor[ReactionInput, *JobResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ReactionInput) (*mcp.CallToolResult, *JobResult, error) {
		roomID, eventID, err := parseTarget(input.RoomID, input.EventID)
		if err != nil {
			return nil, nil, err
		}

		c, err := s.Reactions(roomID).UndoReaction(eventID, input.Key)
		if err != nil {
			return nil, nil, err
		}

		result := cancelableResult(c)

		return textResult(result), result, nil
	}
}

func redactHandler(s Session) mcp.ToolHandlerFor[RedactInput, *JobResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input RedactInput) (*mcp.CallToolResult, *JobResult, error) {
		roomID, eventID, err := parseTarget(input.RoomID, input.EventID)
		if err != nil {
			return nil, nil, err
		}

		c, err := s.Rooms().Redact(roomID, eventID, input.Reason)
		if err != nil {
			return nil, nil, err
		}

		result := cancelableResult(c)

		return textResult(result), result, nil
	}
}

func clearCacheHandler(s Session) mcp.ToolHandlerFor[EmptyInput, *StateResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StateResult, error) {
		if err := s.ClearCache(ctx); err != nil {
			return nil, nil, err
		}

		result := stateResult(s.SyncState())

		return textResult(result), result, nil
	}
}

func startSyncHandler(s Session) mcp.ToolHandlerFor[StartSyncInput, *StateResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input StartSyncInput) (*mcp.CallToolResult, *StateResult, error) {
		if err := s.StartSync(!input.Background); err != nil {
			return nil, nil, err
		}

		result := stateResult(s.SyncState())

		return textResult(result), result, nil
	}
}

func stopSyncHandler(s Session) mcp.ToolHandlerFor[EmptyInput, *StateResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StateResult, error) {
		if err := s.StopSync(); err != nil {
			return nil, nil, err
		}

		result := stateResult(s.SyncState())

		return textResult(result), result, nil
	}
}

// --- helpers ---

func stateResult(st syncloop.State) *StateResult {
	r := &StateResult{
		State:      st.Kind.String(),
		AfterPause: st.AfterPause,
		Progress:   st.Progress,
	}

	if st.Failure != syncloop.FailureNone {
		r.Failure = st.Failure.String()
	}

	if st.Err != nil {
		r.Error = st.Err.Error()
	}

	return r
}

func jobResult(h *outbound.JobHandle) *JobResult {
	return &JobResult{JobID: h.ID(), Status: h.Status().String()}
}

// cancelableResult reports a queued job, or "withdrawn" when the action
// only called off local work.
func cancelableResult(c outbound.Cancelable) *JobResult {
	if h, ok := c.(*outbound.JobHandle); ok {
		return jobResult(h)
	}

	return &JobResult{Status: "withdrawn"}
}

func membershipName(m store.Membership) string {
	if m == store.MembershipNone {
		return "none"
	}

	return string(m)
}

func parseRoomID(s string) (id.RoomID, error) {
	if len(s) < 2 || s[0] != '!' {
		return "", fmt.Errorf("invalid room_id %q", s)
	}

	return id.RoomID(s), nil
}

func parseTarget(room, event string) (id.RoomID, id.EventID, error) {
	roomID, err := parseRoomID(room)
	if err != nil {
		return "", "", err
	}

	if len(event) < 2 || event[0] != '$' {
		return "", "", fmt.Errorf("invalid event_id %q", event)
	}

	return roomID, id.EventID(event), nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
