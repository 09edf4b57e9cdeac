package handler

import (
	"log/slog"

	"github.com/steef435/riotx-sdk/internal/store"
	"maunium.net/go/mautrix/id"
)

// handleGroups sets the membership of every group in the bucket,
// creating groups on first reference. Membership is set, not merged.
func (inc *increment) handleGroups(s GroupStrategy, p *progress) error {
	switch s := s.(type) {
	case JoinedGroups:
		for i, groupID := range sortedKeys(s) {
			if err := inc.setGroupMembership(groupID, store.MembershipJoin, nil); err != nil {
				return err
			}

			p.item(i+1, len(s))
		}
	case InvitedGroups:
		for i, groupID := range sortedKeys(s) {
			invite := s[groupID]
			err := inc.setGroupMembership(groupID, store.MembershipInvite, func(g *store.Group) {
				g.Inviter = invite.Inviter
				if invite.Profile != nil {
					g.Name = normalizeName(invite.Profile.Name)
					g.AvatarURL = invite.Profile.AvatarURL
				}
			})
			if err != nil {
				return err
			}

			p.item(i+1, len(s))
		}
	case LeftGroups:
		for i, groupID := range sortedKeys(s) {
			if err := inc.setGroupMembership(groupID, store.MembershipLeave, nil); err != nil {
				return err
			}

			p.item(i+1, len(s))
		}
	}

	return nil
}

func (inc *increment) setGroupMembership(groupID string, m store.Membership, update func(*store.Group)) error {
	g, err := inc.tx.Group(groupID)
	if err != nil {
		return err
	}

	if g == nil {
		g = &store.Group{ID: groupID}
		inc.h.logger.Debug("group created", slog.String("group_id", groupID))
	}

	g.Membership = m
	if m != store.MembershipInvite {
		g.Inviter = id.UserID("")
	}

	if update != nil {
		update(g)
	}

	return inc.tx.PutGroup(g)
}
