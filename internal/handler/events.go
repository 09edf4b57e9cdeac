package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/store"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

// maxPendingRedactionAttempts bounds how many increments a redaction
// waits for its target before it is dropped.
const maxPendingRedactionAttempts = 50

// ToStoreEvent converts a wire event into its persisted form.
func ToStoreEvent(roomID id.RoomID, ev matrix.Event) *store.Event {
	se := &store.Event{
		ID:             ev.ID,
		RoomID:         roomID,
		Type:           ev.Type,
		Sender:         ev.Sender,
		StateKey:       ev.StateKey,
		OriginServerTS: ev.OriginServerTS,
		Content:        ev.Content,
		TransactionID:  ev.TransactionID(),
	}

	if ev.Type == matrix.EventRedaction {
		se.Redacts = ev.RedactionTarget()
	}

	if rel, ok := matrix.RelatesTo(ev.Content); ok {
		se.RelType = rel.Type
		se.RelEventID = rel.EventID
		se.RelKey = rel.Key
	}

	if ev.Unsigned != nil && len(ev.Unsigned.RedactedBecause) > 0 {
		se.Redacted = true
		se.RedactedBecause = id.EventID(gjson.GetBytes(ev.Unsigned.RedactedBecause, "event_id").String())
	}

	return se
}

// handleTimelineEvent stores one timeline event and applies its side
// effects. room may be nil when the room is not stored; state and summary
// updates are then skipped. Re-delivered events only converge local
// echoes, so the whole path is idempotent.
func (inc *increment) handleTimelineEvent(room *store.Room, roomID id.RoomID, ev matrix.Event) (bool, error) {
	if ev.ID == "" {
		inc.h.logger.Warn("timeline event without ID skipped",
			slog.String("room_id", roomID.String()),
			slog.String("type", ev.Type),
		)

		return false, nil
	}

	se := ToStoreEvent(roomID, ev)

	if err := inc.convergeLocalEcho(roomID, se); err != nil {
		return false, err
	}

	inserted, err := inc.tx.InsertEvent(se)
	if err != nil {
		return false, err
	}

	if !inserted {
		return false, nil
	}

	if room != nil {
		if ev.StateKey != nil {
			inc.applyState(room, ev)
		}

		if ev.OriginServerTS >= room.Summary.LatestEventTS {
			room.Summary.LatestEventID = ev.ID
			room.Summary.LatestEventTS = ev.OriginServerTS
		}
	}

	switch {
	case ev.Type == matrix.EventRedaction:
		if err := inc.handleRedaction(room, se); err != nil {
			return true, err
		}
	case se.Type == matrix.EventReaction && se.RelType == matrix.RelAnnotation && !se.Redacted:
		if err := inc.aggregateReaction(se); err != nil {
			if !errors.Is(err, errs.ErrUnresolvedReference) {
				return true, err
			}

			inc.h.logger.Info("reaction target not found",
				slog.String("room_id", roomID.String()),
				slog.String("event_id", se.ID.String()),
				slog.String("target", se.RelEventID.String()),
			)
		}
	}

	return true, nil
}

// convergeLocalEcho deletes the local echo the server has now confirmed,
// moving any pending reaction it held onto the confirmed event.
func (inc *increment) convergeLocalEcho(roomID id.RoomID, se *store.Event) error {
	if se.TransactionID == "" {
		return nil
	}

	echo, err := inc.tx.LocalEcho(se.TransactionID)
	if err != nil || echo == nil || echo.RoomID != roomID {
		return err
	}

	if echo.Kind == store.EchoReaction {
		if err := inc.releaseEchoReaction(echo); err != nil {
			return err
		}
	}

	inc.h.logger.Debug("local echo confirmed",
		slog.String("room_id", roomID.String()),
		slog.String("txn_id", echo.TxnID),
		slog.String("event_id", se.ID.String()),
	)

	return inc.tx.DeleteLocalEcho(echo)
}

// ReleaseEchoReaction removes a reaction echo's pending contribution from
// its aggregate.
func ReleaseEchoReaction(tx *store.Tx, echo *store.LocalEcho) error {
	inc := &increment{tx: tx}
	return inc.releaseEchoReaction(echo)
}

func (inc *increment) releaseEchoReaction(echo *store.LocalEcho) error {
	r, err := inc.tx.Reaction(echo.RoomID, echo.Event.RelEventID, echo.Event.RelKey)
	if err != nil || r == nil {
		return err
	}

	r.LocalEchoTxnIDs = slices.DeleteFunc(r.LocalEchoTxnIDs, func(t string) bool { return t == echo.TxnID })

	return inc.tx.PutReaction(r)
}

// aggregateReaction adds a confirmed annotation to its aggregate.
func (inc *increment) aggregateReaction(se *store.Event) error {
	target, err := inc.tx.Event(se.RoomID, se.RelEventID)
	if err != nil {
		return err
	}

	if target == nil {
		return fmt.Errorf("%w: reaction %s targets %s", errs.ErrUnresolvedReference, se.ID, se.RelEventID)
	}

	r, err := inc.tx.Reaction(se.RoomID, se.RelEventID, se.RelKey)
	if err != nil {
		return err
	}

	if r == nil {
		r = &store.Reaction{RoomID: se.RoomID, TargetEventID: se.RelEventID, Key: se.RelKey, FirstTS: se.OriginServerTS}
	}

	if !slices.Contains(r.SourceEventIDs, se.ID) {
		r.SourceEventIDs = append(r.SourceEventIDs, se.ID)
	}

	if se.Sender == inc.h.self && !slices.Contains(r.MyEventIDs, se.ID) {
		r.MyEventIDs = append(r.MyEventIDs, se.ID)
	}

	if se.OriginServerTS > 0 && (r.FirstTS == 0 || se.OriginServerTS < r.FirstTS) {
		r.FirstTS = se.OriginServerTS
	}

	return inc.tx.PutReaction(r)
}

// handleRedaction applies a redaction to its target, or queues it when
// the target has not been seen yet.
func (inc *increment) handleRedaction(room *store.Room, redaction *store.Event) error {
	if redaction.Redacts == "" {
		return nil
	}

	applied, err := inc.applyRedaction(room, redaction.RoomID, redaction.Redacts, redaction.ID)
	if err != nil || applied {
		return err
	}

	inc.h.logger.Debug("redaction target unknown, queued",
		slog.String("room_id", redaction.RoomID.String()),
		slog.String("redaction", redaction.ID.String()),
		slog.String("target", redaction.Redacts.String()),
	)

	return inc.tx.PutPendingRedaction(&store.PendingRedaction{
		RoomID:           redaction.RoomID,
		RedactionEventID: redaction.ID,
		TargetEventID:    redaction.Redacts,
	})
}

// applyRedaction redacts targetID. It returns false when the target is
// not stored.
func (inc *increment) applyRedaction(room *store.Room, roomID id.RoomID, targetID, redactionID id.EventID) (bool, error) {
	target, err := inc.tx.Event(roomID, targetID)
	if err != nil || target == nil {
		return false, err
	}

	if target.Redacted {
		return true, nil
	}

	target.Redacted = true
	target.RedactedBecause = redactionID
	target.Content = PruneContent(target.Type, target.Content)

	if err := inc.tx.UpdateEvent(target); err != nil {
		return true, err
	}

	if target.Type == matrix.EventReaction && target.RelType == matrix.RelAnnotation {
		if err := inc.removeReaction(target); err != nil {
			return true, err
		}
	}

	if room != nil && target.StateKey != nil {
		if entry, ok := room.StateEvent(target.Type, *target.StateKey); ok && entry.EventID == target.ID {
			entry.Content = target.Content
			room.SetState(target.Type, *target.StateKey, entry)
		}
	}

	return true, nil
}

func (inc *increment) removeReaction(target *store.Event) error {
	r, err := inc.tx.Reaction(target.RoomID, target.RelEventID, target.RelKey)
	if err != nil || r == nil {
		return err
	}

	match := func(e id.EventID) bool { return e == target.ID }
	r.SourceEventIDs = slices.DeleteFunc(r.SourceEventIDs, match)
	r.MyEventIDs = slices.DeleteFunc(r.MyEventIDs, match)

	return inc.tx.PutReaction(r)
}

// retryPendingRedactions applies queued redactions whose target arrived.
func (inc *increment) retryPendingRedactions() error {
	pending, err := inc.tx.PendingRedactions()
	if err != nil {
		return err
	}

	for i := range pending {
		pr := &pending[i]

		room, err := inc.tx.Room(pr.RoomID)
		if err != nil {
			return err
		}

		applied, err := inc.applyRedaction(room, pr.RoomID, pr.TargetEventID, pr.RedactionEventID)
		if err != nil {
			return err
		}

		switch {
		case applied:
			if room != nil {
				if err := inc.tx.PutRoom(room); err != nil {
					return err
				}
			}

			err = inc.tx.DeletePendingRedaction(pr)
		case pr.Attempts+1 >= maxPendingRedactionAttempts:
			inc.h.logger.Info("dropping redaction with unknown target",
				slog.String("room_id", pr.RoomID.String()),
				slog.String("target", pr.TargetEventID.String()),
			)

			err = inc.tx.DeletePendingRedaction(pr)
		default:
			pr.Attempts++
			err = inc.tx.PutPendingRedaction(pr)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// allowedContentKeys lists, per event type, the content keys that
// survive redaction. Every other type keeps an empty object.
var allowedContentKeys = map[string][]string{
	matrix.EventRoomMember:            {"membership", "join_authorised_via_users_server"},
	matrix.EventRoomCreate:            {"creator", "room_version"},
	matrix.EventRoomJoinRules:         {"join_rule", "allow"},
	matrix.EventRoomPowerLevels:       {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default", "invite"},
	matrix.EventRoomHistoryVisibility: {"history_visibility"},
	matrix.EventRoomAliases:           {"aliases"},
}

// PruneContent strips content down to what a redacted event of the given
// type keeps.
func PruneContent(eventType string, content json.RawMessage) json.RawMessage {
	keys := allowedContentKeys[eventType]
	if len(keys) == 0 || len(content) == 0 {
		return json.RawMessage(`{}`)
	}

	kept := make(map[string]json.RawMessage, len(keys))

	for _, k := range keys {
		v := gjson.GetBytes(content, matrix.EscapeKey(k))
		if v.Exists() {
			kept[k] = json.RawMessage(v.Raw)
		}
	}

	out, err := json.Marshal(kept)
	if err != nil {
		return json.RawMessage(`{}`)
	}

	return out
}
