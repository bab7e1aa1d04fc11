package pipeline

import (
	"context"
	"errors"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/hub"
	"securechat-backend/internal/store"
)

func (p *Pipeline) handleJoin(ctx context.Context, client *hub.Client, ev *JoinChannelEvent, correlationID string) {
	allowed, err := p.gate.Allow(ctx, client.UserID, "join_channel", client.Address)
	if err != nil {
		p.sendError(client, correlationID, codeStorageError, "authorization check unavailable")
		return
	}
	if !allowed {
		p.sendError(client, correlationID, codeForbidden, "not permitted to join channels")
		return
	}

	// capture the membership list before the insert so the joiner is
	// excluded from their own join announcement
	existing, err := p.memberships.ListMembers(ctx, ev.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		p.sendError(client, correlationID, codeNotFound, "channel not found")
		return
	} else if err != nil {
		p.sendError(client, correlationID, codeStorageError, "membership lookup unavailable")
		return
	}

	alreadyMember := false
	for _, userID := range existing {
		if userID == client.UserID {
			alreadyMember = true
			break
		}
	}

	if !alreadyMember {
		if err := p.memberships.Add(ctx, ev.ChannelID, client.UserID, "member"); err != nil {
			p.sugar.Errorf("adding user %d to channel %d: %v", client.UserID, ev.ChannelID, err)
			p.sendError(client, correlationID, codeStorageError, "membership could not be stored")
			return
		}
		p.hub.InvalidateMembers(ev.ChannelID)
	}

	if err := p.hub.Subscribe(ctx, client, ev.ChannelID); err != nil {
		p.sendError(client, correlationID, codeForbidden, "subscription rejected")
		return
	}

	if !alreadyMember {
		announcement := hub.NewEnvelope(hub.TypeMemberJoined, map[string]any{
			"channelID": fmt64(ev.ChannelID),
			"userID":    fmt64(client.UserID),
		})
		audience := make([]int64, 0, len(existing))
		for _, userID := range existing {
			if userID != client.UserID {
				audience = append(audience, userID)
			}
		}
		if _, err := p.hub.BroadcastToUsers(audience, announcement); err != nil {
			p.sugar.Error(err)
		}

		p.recordAudit(ctx, audit.Event{
			Actor:   &client.UserID,
			Action:  audit.ActionJoinChannel,
			Detail:  map[string]any{"channelID": ev.ChannelID},
			Address: client.Address,
		})
	}

	p.reply(client, correlationID, hub.TypeAck, map[string]any{"channelID": fmt64(ev.ChannelID)})
}

func (p *Pipeline) handleLeave(ctx context.Context, client *hub.Client, ev *LeaveChannelEvent, correlationID string) {
	err := p.memberships.Remove(ctx, ev.ChannelID, client.UserID)
	if errors.Is(err, store.ErrNotFound) {
		p.sendError(client, correlationID, codeNotFound, "not a member of this channel")
		return
	} else if err != nil {
		p.sugar.Errorf("removing user %d from channel %d: %v", client.UserID, ev.ChannelID, err)
		p.sendError(client, correlationID, codeStorageError, "membership could not be removed")
		return
	}

	p.hub.InvalidateMembers(ev.ChannelID)
	p.hub.Unsubscribe(client, ev.ChannelID)

	// remaining members all hear about the departure, no exclusions
	announcement := hub.NewEnvelope(hub.TypeMemberLeft, map[string]any{
		"channelID": fmt64(ev.ChannelID),
		"userID":    fmt64(client.UserID),
	})
	if _, err := p.hub.BroadcastToChannel(ctx, ev.ChannelID, announcement); err != nil {
		p.sugar.Error(err)
	}

	p.recordAudit(ctx, audit.Event{
		Actor:   &client.UserID,
		Action:  audit.ActionLeaveChannel,
		Detail:  map[string]any{"channelID": ev.ChannelID},
		Address: client.Address,
	})

	p.reply(client, correlationID, hub.TypeAck, map[string]any{"channelID": fmt64(ev.ChannelID)})
}

// handleTyping is fire and forget: no persistence, no audit entry, no
// acknowledgement. A stale or failed indicator is harmless.
func (p *Pipeline) handleTyping(ctx context.Context, client *hub.Client, ev *TypingEvent) {
	if (ev.ChannelID == nil) == (ev.RecipientID == nil) {
		return
	}

	indicator := hub.NewEnvelope(hub.TypeUserTyping, map[string]any{
		"userID":    fmt64(client.UserID),
		"channelID": optional64(ev.ChannelID),
	})

	if ev.RecipientID != nil {
		if _, err := p.hub.BroadcastToUsers([]int64{*ev.RecipientID}, indicator); err != nil {
			p.sugar.Debug(err)
		}
		return
	}

	members, err := p.memberships.ListMembers(ctx, *ev.ChannelID)
	if err != nil {
		p.sugar.Debugf("typing indicator for channel %d dropped: %v", *ev.ChannelID, err)
		return
	}

	audience := make([]int64, 0, len(members))
	sender := false
	for _, userID := range members {
		if userID == client.UserID {
			sender = true
			continue
		}
		audience = append(audience, userID)
	}
	if !sender {
		// non-members do not get to signal presence in a channel
		return
	}

	if _, err := p.hub.BroadcastToUsers(audience, indicator); err != nil {
		p.sugar.Debug(err)
	}
}
