package outbound

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/store"
	"maunium.net/go/mautrix/id"
)

// LocalEventIDPrefix marks event IDs that exist only on this device.
const LocalEventIDPrefix = "$local."

// Outgoing content shapes.
type (
	messageContent struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
	}

	relatesTo struct {
		RelType string     `json:"rel_type"`
		EventID id.EventID `json:"event_id"`
		Key     string     `json:"key,omitempty"`
	}

	reactionContent struct {
		RelatesTo relatesTo `json:"m.relates_to"`
	}

	redactionContent struct {
		Reason string `json:"reason,omitempty"`
	}
)

// EchoFactory builds local echoes for the current user.
type EchoFactory struct {
	self id.UserID
	now  func() time.Time
}

// NewEchoFactory returns a factory stamping echoes with self as sender.
func NewEchoFactory(self id.UserID) *EchoFactory {
	return &EchoFactory{self: self, now: time.Now}
}

// NewTxnID returns a fresh client transaction ID.
func NewTxnID() string {
	return uuid.NewString()
}

// IsLocalEventID reports whether eventID names a local echo.
func IsLocalEventID(eventID id.EventID) bool {
	return strings.HasPrefix(string(eventID), LocalEventIDPrefix)
}

func (f *EchoFactory) echo(roomID id.RoomID, kind store.EchoKind, eventType string, content any) (*store.LocalEcho, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}

	txnID := NewTxnID()
	now := f.now()

	return &store.LocalEcho{
		TxnID:  txnID,
		RoomID: roomID,
		Kind:   kind,
		Event: store.Event{
			ID:             id.EventID(LocalEventIDPrefix + txnID),
			RoomID:         roomID,
			Type:           eventType,
			Sender:         f.self,
			OriginServerTS: now.UnixMilli(),
			Content:        raw,
			TransactionID:  txnID,
		},
		SendState: store.SendStatePending,
		JobID:     txnID,
		CreatedAt: now,
	}, nil
}

// Message builds a text message echo. An empty msgType means m.text.
func (f *EchoFactory) Message(roomID id.RoomID, body, msgType string) (*store.LocalEcho, error) {
	if msgType == "" {
		msgType = "m.text"
	}

	return f.echo(roomID, store.EchoMessage, matrix.EventMessage, messageContent{MsgType: msgType, Body: body})
}

// Reaction builds an annotation echo on target.
func (f *EchoFactory) Reaction(roomID id.RoomID, target id.EventID, key string) (*store.LocalEcho, error) {
	le, err := f.echo(roomID, store.EchoReaction, matrix.EventReaction, reactionContent{
		RelatesTo: relatesTo{RelType: matrix.RelAnnotation, EventID: target, Key: key},
	})
	if err != nil {
		return nil, err
	}

	le.Event.RelType = matrix.RelAnnotation
	le.Event.RelEventID = target
	le.Event.RelKey = key

	return le, nil
}

// Redaction builds a redaction echo for target.
func (f *EchoFactory) Redaction(roomID id.RoomID, target id.EventID, reason string) (*store.LocalEcho, error) {
	le, err := f.echo(roomID, store.EchoRedaction, matrix.EventRedaction, redactionContent{Reason: reason})
	if err != nil {
		return nil, err
	}

	le.Event.Redacts = target

	return le, nil
}
