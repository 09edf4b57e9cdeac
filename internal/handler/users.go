package handler

import (
	"encoding/json"
	"log/slog"

	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/store"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

// handleUsers writes presence updates and the member profiles collected
// while reconciling rooms.
func (inc *increment) handleUsers(presence []matrix.Event) error {
	touched := make(map[id.UserID]*store.User)

	load := func(userID id.UserID) (*store.User, error) {
		if u, ok := touched[userID]; ok {
			return u, nil
		}

		u, err := inc.tx.User(userID)
		if err != nil {
			return nil, err
		}

		if u == nil {
			u = &store.User{ID: userID}
		}

		touched[userID] = u

		return u, nil
	}

	for _, ev := range presence {
		if ev.Type != matrix.EventPresence || ev.Sender == "" {
			continue
		}

		u, err := load(ev.Sender)
		if err != nil {
			return err
		}

		c := gjson.ParseBytes(ev.Content)
		u.Presence = c.Get("presence").String()
		u.StatusMsg = c.Get("status_msg").String()
		u.LastActiveAgo = c.Get("last_active_ago").Int()
		u.CurrentlyActive = c.Get("currently_active").Bool()

		if name := c.Get("displayname"); name.Exists() {
			u.DisplayName = normalizeName(name.String())
		}

		if avatar := c.Get("avatar_url"); avatar.Exists() {
			u.AvatarURL = avatar.String()
		}
	}

	for userID, p := range inc.profiles {
		u, err := load(userID)
		if err != nil {
			return err
		}

		u.DisplayName = p.DisplayName
		u.AvatarURL = p.AvatarURL
	}

	for _, u := range touched {
		if err := inc.tx.PutUser(u); err != nil {
			return err
		}
	}

	return nil
}

// handleAccountData stores global account data and applies the parts
// that shape rooms: the direct-chat map.
func (inc *increment) handleAccountData(events []matrix.Event) error {
	for _, ev := range events {
		if ev.Type == "" {
			continue
		}

		if err := inc.tx.PutAccountData(&store.AccountData{Type: ev.Type, Content: ev.Content}); err != nil {
			return err
		}

		switch ev.Type {
		case matrix.EventDirect:
			if err := inc.applyDirectMap(ev.Content); err != nil {
				return err
			}
		case matrix.EventIgnoredUsers:
			inc.h.logger.Debug("ignored users updated", slog.Int("count", len(IgnoredUsers(ev.Content))))
		}
	}

	return nil
}

// applyDirectMap marks exactly the rooms listed in m.direct as direct
// chats. Listed rooms not yet known are created.
func (inc *increment) applyDirectMap(content json.RawMessage) error {
	direct := make(map[id.RoomID]struct{})

	var byUser map[id.UserID][]id.RoomID
	if err := json.Unmarshal(content, &byUser); err != nil {
		inc.h.logger.Warn("ignoring malformed m.direct", slog.String("error", err.Error()))
		return nil
	}

	for _, rooms := range byUser {
		for _, roomID := range rooms {
			direct[roomID] = struct{}{}
		}
	}

	rooms, err := inc.tx.Rooms()
	if err != nil {
		return err
	}

	for i := range rooms {
		room := &rooms[i]

		_, isDirect := direct[room.ID]
		delete(direct, room.ID)

		if room.IsDirect == isDirect {
			continue
		}

		room.IsDirect = isDirect
		if err := inc.tx.PutRoom(room); err != nil {
			return err
		}
	}

	for _, roomID := range sortedKeys(direct) {
		room := store.NewRoom(roomID)
		room.IsDirect = true

		if err := inc.tx.PutRoom(room); err != nil {
			return err
		}
	}

	return nil
}

// IgnoredUsers parses m.ignored_user_list content.
func IgnoredUsers(content json.RawMessage) []id.UserID {
	var out []id.UserID

	gjson.GetBytes(content, "ignored_users").ForEach(func(key, _ gjson.Result) bool {
		out = append(out, id.UserID(key.String()))
		return true
	})

	return out
}
