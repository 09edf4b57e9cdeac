package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	errs "github.com/steef435/riotx-sdk/internal/errors"
	bolt "go.etcd.io/bbolt"
	"maunium.net/go/mautrix/id"
)

const keySep = 0x00

// Tx is a store transaction. Read methods work on both read-only and
// read-write transactions; write methods fail on read-only ones.
type Tx struct {
	btx    *bolt.Tx
	s      *Store
	change Change
}

func (s *Store) newTx(btx *bolt.Tx) *Tx {
	return &Tx{btx: btx, s: s}
}

func (tx *Tx) touch(t Table, roomID id.RoomID) {
	tx.change.add(t, roomID)
}

func compositeKey(parts ...string) []byte {
	var buf bytes.Buffer

	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(keySep)
		}

		buf.WriteString(p)
	}

	return buf.Bytes()
}

func prefixKey(parts ...string) []byte {
	return append(compositeKey(parts...), keySep)
}

func (tx *Tx) bucket(t Table) *bolt.Bucket {
	return tx.btx.Bucket([]byte(t))
}

// put seals v and stores it under key in t.
func (tx *Tx) put(t Table, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s value: %w", t, err)
	}

	sealed, err := tx.s.cipher.Seal(data, sealAD([]byte(t), key))
	if err != nil {
		return fmt.Errorf("%w: sealing %s value: %w", errs.ErrStoreWrite, t, err)
	}

	if err := tx.bucket(t).Put(key, sealed); err != nil {
		return fmt.Errorf("%w: writing %s: %w", errs.ErrStoreWrite, t, err)
	}

	return nil
}

// get loads and unseals the value under key in t into out.
func (tx *Tx) get(t Table, key []byte, out any) (bool, error) {
	sealed := tx.bucket(t).Get(key)
	if sealed == nil {
		return false, nil
	}

	return true, tx.decode(t, key, sealed, out)
}

func (tx *Tx) decode(t Table, key, sealed []byte, out any) error {
	data, err := tx.s.cipher.Open(sealed, sealAD([]byte(t), key))
	if err != nil {
		return fmt.Errorf("unsealing %s value: %w", t, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s value: %w", t, err)
	}

	return nil
}

func (tx *Tx) del(t Table, key []byte) error {
	if err := tx.bucket(t).Delete(key); err != nil {
		return fmt.Errorf("%w: deleting from %s: %w", errs.ErrStoreWrite, t, err)
	}

	return nil
}

// scan decodes every value whose key starts with prefix (all values when
// prefix is nil) and passes each to keep.
func scan[T any](tx *Tx, t Table, prefix []byte, keep func(*T)) error {
	c := tx.bucket(t).Cursor()

	var k, v []byte
	if prefix == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(prefix)
	}

	for ; k != nil && (prefix == nil || bytes.HasPrefix(k, prefix)); k, v = c.Next() {
		var item T
		if err := tx.decode(t, k, v, &item); err != nil {
			return err
		}

		keep(&item)
	}

	return nil
}

// --- Sync token ---

// SyncToken returns the committed continuation token, or "".
func (tx *Tx) SyncToken() (string, error) {
	sealed := tx.btx.Bucket(appBucket).Get(tokenKey)
	if sealed == nil {
		return "", nil
	}

	data, err := tx.s.cipher.Open(sealed, sealAD(appBucket, tokenKey))
	if err != nil {
		return "", fmt.Errorf("unsealing sync token: %w", err)
	}

	return string(data), nil
}

// SetSyncToken records the continuation token. It commits with whatever
// else the transaction wrote.
func (tx *Tx) SetSyncToken(token string) error {
	sealed, err := tx.s.cipher.Seal([]byte(token), sealAD(appBucket, tokenKey))
	if err != nil {
		return fmt.Errorf("%w: sealing sync token: %w", errs.ErrStoreWrite, err)
	}

	if err := tx.btx.Bucket(appBucket).Put(tokenKey, sealed); err != nil {
		return fmt.Errorf("%w: writing sync token: %w", errs.ErrStoreWrite, err)
	}

	tx.touch(TableSyncToken, "")

	return nil
}

// --- Rooms ---

// Room returns the room, or nil if it is not stored.
func (tx *Tx) Room(roomID id.RoomID) (*Room, error) {
	r := &Room{}

	ok, err := tx.get(TableRooms, []byte(roomID), r)
	if err != nil || !ok {
		return nil, err
	}

	return r, nil
}

// RoomOrNew returns the stored room or a new empty one. The new room is
// not persisted until PutRoom.
func (tx *Tx) RoomOrNew(roomID id.RoomID) (*Room, error) {
	r, err := tx.Room(roomID)
	if err != nil {
		return nil, err
	}

	if r == nil {
		r = NewRoom(roomID)
	}

	return r, nil
}

// PutRoom inserts or replaces a room.
func (tx *Tx) PutRoom(r *Room) error {
	if err := tx.put(TableRooms, []byte(r.ID), r); err != nil {
		return err
	}

	tx.touch(TableRooms, r.ID)

	return nil
}

// Rooms returns every room, most recently active first.
func (tx *Tx) Rooms() ([]Room, error) {
	var rooms []Room

	err := scan(tx, TableRooms, nil, func(r *Room) { rooms = append(rooms, *r) })
	if err != nil {
		return nil, err
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].Summary.LatestEventTS > rooms[j].Summary.LatestEventTS
	})

	return rooms, nil
}

// --- Events ---

// Event returns the event, or nil if it is not stored.
func (tx *Tx) Event(roomID id.RoomID, eventID id.EventID) (*Event, error) {
	e := &Event{}

	ok, err := tx.get(TableEvents, compositeKey(roomID.String(), eventID.String()), e)
	if err != nil || !ok {
		return nil, err
	}

	return e, nil
}

// InsertEvent stores e if no event with the same ID exists in the room.
// It reports whether the event was new; re-inserting is a no-op.
func (tx *Tx) InsertEvent(e *Event) (bool, error) {
	key := compositeKey(e.RoomID.String(), e.ID.String())
	if tx.bucket(TableEvents).Get(key) != nil {
		return false, nil
	}

	seq, err := tx.bucket(TableEvents).NextSequence()
	if err != nil {
		return false, fmt.Errorf("%w: allocating event sequence: %w", errs.ErrStoreWrite, err)
	}

	e.Seq = seq

	if err := tx.put(TableEvents, key, e); err != nil {
		return false, err
	}

	tx.touch(TableEvents, e.RoomID)

	return true, nil
}

// UpdateEvent overwrites an existing event, keeping its sequence. Used
// for redaction.
func (tx *Tx) UpdateEvent(e *Event) error {
	if err := tx.put(TableEvents, compositeKey(e.RoomID.String(), e.ID.String()), e); err != nil {
		return err
	}

	tx.touch(TableEvents, e.RoomID)

	return nil
}

// Timeline returns up to limit of the room's most recent events, oldest
// first. limit <= 0 returns all of them.
func (tx *Tx) Timeline(roomID id.RoomID, limit int) ([]Event, error) {
	var events []Event

	err := scan(tx, TableEvents, prefixKey(roomID.String()), func(e *Event) { events = append(events, *e) })
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}

	return events, nil
}

// --- Groups ---

// Group returns the group, or nil if it is not stored.
func (tx *Tx) Group(groupID string) (*Group, error) {
	g := &Group{}

	ok, err := tx.get(TableGroups, []byte(groupID), g)
	if err != nil || !ok {
		return nil, err
	}

	return g, nil
}

// PutGroup inserts or replaces a group.
func (tx *Tx) PutGroup(g *Group) error {
	if err := tx.put(TableGroups, []byte(g.ID), g); err != nil {
		return err
	}

	tx.touch(TableGroups, "")

	return nil
}

// Groups returns every group ordered by ID.
func (tx *Tx) Groups() ([]Group, error) {
	var groups []Group

	err := scan(tx, TableGroups, nil, func(g *Group) { groups = append(groups, *g) })

	return groups, err
}

// --- Users ---

// User returns the user, or nil if it is not stored.
func (tx *Tx) User(userID id.UserID) (*User, error) {
	u := &User{}

	ok, err := tx.get(TableUsers, []byte(userID), u)
	if err != nil || !ok {
		return nil, err
	}

	return u, nil
}

// PutUser inserts or replaces a user.
func (tx *Tx) PutUser(u *User) error {
	if err := tx.put(TableUsers, []byte(u.ID), u); err != nil {
		return err
	}

	tx.touch(TableUsers, "")

	return nil
}

// Users returns every known user ordered by ID.
func (tx *Tx) Users() ([]User, error) {
	var users []User

	err := scan(tx, TableUsers, nil, func(u *User) { users = append(users, *u) })

	return users, err
}

// --- Account data ---

// AccountData returns the account data event of the given type, or nil.
func (tx *Tx) AccountData(eventType string) (*AccountData, error) {
	ad := &AccountData{}

	ok, err := tx.get(TableAccountData, []byte(eventType), ad)
	if err != nil || !ok {
		return nil, err
	}

	return ad, nil
}

// PutAccountData replaces the account data event of ad.Type.
func (tx *Tx) PutAccountData(ad *AccountData) error {
	if err := tx.put(TableAccountData, []byte(ad.Type), ad); err != nil {
		return err
	}

	tx.touch(TableAccountData, "")

	return nil
}

// --- Local echoes ---

// LocalEcho returns the echo with the given transaction ID, or nil.
func (tx *Tx) LocalEcho(txnID string) (*LocalEcho, error) {
	le := &LocalEcho{}

	ok, err := tx.get(TableLocalEchoes, []byte(txnID), le)
	if err != nil || !ok {
		return nil, err
	}

	return le, nil
}

// PutLocalEcho inserts or replaces a local echo.
func (tx *Tx) PutLocalEcho(le *LocalEcho) error {
	if err := tx.put(TableLocalEchoes, []byte(le.TxnID), le); err != nil {
		return err
	}

	tx.touch(TableLocalEchoes, le.RoomID)

	return nil
}

// DeleteLocalEcho removes a local echo. Deleting a missing echo is a no-op.
func (tx *Tx) DeleteLocalEcho(le *LocalEcho) error {
	if err := tx.del(TableLocalEchoes, []byte(le.TxnID)); err != nil {
		return err
	}

	tx.touch(TableLocalEchoes, le.RoomID)

	return nil
}

// LocalEchoes returns the room's echoes, oldest first. An empty roomID
// returns the echoes of every room.
func (tx *Tx) LocalEchoes(roomID id.RoomID) ([]LocalEcho, error) {
	var echoes []LocalEcho

	err := scan(tx, TableLocalEchoes, nil, func(le *LocalEcho) {
		if roomID == "" || le.RoomID == roomID {
			echoes = append(echoes, *le)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(echoes, func(i, j int) bool { return echoes[i].CreatedAt.Before(echoes[j].CreatedAt) })

	return echoes, nil
}

// --- Reactions ---

func reactionKey(roomID id.RoomID, target id.EventID, key string) []byte {
	return compositeKey(roomID.String(), target.String(), key)
}

// Reaction returns the aggregate for (room, target, key), or nil.
func (tx *Tx) Reaction(roomID id.RoomID, target id.EventID, key string) (*Reaction, error) {
	r := &Reaction{}

	ok, err := tx.get(TableReactions, reactionKey(roomID, target, key), r)
	if err != nil || !ok {
		return nil, err
	}

	return r, nil
}

// PutReaction stores an aggregate, or deletes it once it is empty.
func (tx *Tx) PutReaction(r *Reaction) error {
	key := reactionKey(r.RoomID, r.TargetEventID, r.Key)

	var err error
	if r.Empty() {
		err = tx.del(TableReactions, key)
	} else {
		err = tx.put(TableReactions, key, r)
	}

	if err != nil {
		return err
	}

	tx.touch(TableReactions, r.RoomID)

	return nil
}

// Reactions returns the aggregates on one target event ordered by first
// use.
func (tx *Tx) Reactions(roomID id.RoomID, target id.EventID) ([]Reaction, error) {
	var out []Reaction

	err := scan(tx, TableReactions, prefixKey(roomID.String(), target.String()), func(r *Reaction) { out = append(out, *r) })
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstTS < out[j].FirstTS })

	return out, nil
}

// --- Pending redactions ---

// PutPendingRedaction queues a redaction whose target is unknown.
func (tx *Tx) PutPendingRedaction(p *PendingRedaction) error {
	if err := tx.put(TablePendingRedactions, compositeKey(p.RoomID.String(), p.RedactionEventID.String()), p); err != nil {
		return err
	}

	tx.touch(TablePendingRedactions, p.RoomID)

	return nil
}

// DeletePendingRedaction removes a queued redaction.
func (tx *Tx) DeletePendingRedaction(p *PendingRedaction) error {
	if err := tx.del(TablePendingRedactions, compositeKey(p.RoomID.String(), p.RedactionEventID.String())); err != nil {
		return err
	}

	tx.touch(TablePendingRedactions, p.RoomID)

	return nil
}

// PendingRedactions returns every queued redaction.
func (tx *Tx) PendingRedactions() ([]PendingRedaction, error) {
	var out []PendingRedaction

	err := scan(tx, TablePendingRedactions, nil, func(p *PendingRedaction) { out = append(out, *p) })

	return out, err
}
