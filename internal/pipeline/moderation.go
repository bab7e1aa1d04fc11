package pipeline

import (
	"context"
	"errors"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/crypto"
	"securechat-backend/internal/hub"
	"securechat-backend/internal/models"
	"securechat-backend/internal/store"
)

func (p *Pipeline) handleFetch(ctx context.Context, client *hub.Client, ev *FetchMessageEvent, correlationID string) {
	msg, err := p.messages.Find(ctx, ev.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		p.sendError(client, correlationID, codeNotFound, "message not found")
		return
	} else if err != nil {
		p.sugar.Error(err)
		p.sendError(client, correlationID, codeStorageError, "message lookup unavailable")
		return
	}

	if !p.canAccess(ctx, client, msg, correlationID) {
		return
	}

	outbound := *msg
	outbound.Ciphertext = nil
	p.attachSender(ctx, &outbound)

	// soft-deleted rows keep their metadata but never return a body
	if !msg.Deleted && msg.ContainsSensitive {
		allowed, err := p.gate.Allow(ctx, client.UserID, "read_sensitive", client.Address)
		if err != nil {
			p.sendError(client, correlationID, codeStorageError, "authorization check unavailable")
			return
		}
		if !allowed {
			p.sendError(client, correlationID, codeForbidden, "not permitted to read sensitive content")
			return
		}

		envlp, err := crypto.Unpack(msg.Ciphertext)
		if err == nil {
			var plaintext []byte
			plaintext, err = p.cipher.Open(envlp)
			outbound.Content = string(plaintext)
		}
		if err != nil {
			// a stored body that no longer authenticates is a tamper
			// signal, never served partially
			p.sugar.Errorf("message %d failed decryption: %v", msg.ID, err)
			p.sendError(client, correlationID, codeIntegrity, "stored content failed verification")
			return
		}

		p.recordAudit(ctx, audit.Event{
			Actor:   &client.UserID,
			Action:  audit.ActionSensitiveAccess,
			Detail:  map[string]any{"messageID": msg.ID},
			Address: client.Address,
		})
	}

	p.reply(client, correlationID, hub.TypeMessageBody, outbound)
}

func (p *Pipeline) handleFlag(ctx context.Context, client *hub.Client, ev *FlagMessageEvent, correlationID string) {
	msg, err := p.findLiveMessage(ctx, client, ev.MessageID, correlationID)
	if msg == nil || err != nil {
		return
	}

	if !p.canAccess(ctx, client, msg, correlationID) {
		return
	}

	allowed, err := p.gate.Allow(ctx, client.UserID, "flag_message", client.Address)
	if err != nil {
		p.sendError(client, correlationID, codeStorageError, "authorization check unavailable")
		return
	}
	if !allowed {
		p.sendError(client, correlationID, codeForbidden, "not permitted to flag messages")
		return
	}

	if err := p.messages.Flag(ctx, msg.ID, ev.Reason); err != nil {
		p.sugar.Errorf("flagging message %d: %v", msg.ID, err)
		p.sendError(client, correlationID, codeStorageError, "flag could not be stored")
		return
	}

	p.recordAudit(ctx, audit.Event{
		Actor:   &client.UserID,
		Action:  audit.ActionMessageFlag,
		Detail:  map[string]any{"messageID": msg.ID, "reason": ev.Reason},
		Address: client.Address,
	})

	p.notifyModerators(ctx, client, msg)

	p.reply(client, correlationID, hub.TypeAck, map[string]any{"messageID": fmt64(msg.ID)})
}

// canAccess enforces the audience rule for reads: channel messages need
// membership, direct messages are limited to the two parties.
func (p *Pipeline) canAccess(ctx context.Context, client *hub.Client, msg *models.Message, correlationID string) bool {
	if msg.RecipientID != nil {
		if msg.SenderID == client.UserID || *msg.RecipientID == client.UserID {
			return true
		}
		p.sendError(client, correlationID, codeForbidden, "not a party to this conversation")
		return false
	}

	isMember, err := p.memberships.IsMember(ctx, *msg.ChannelID, client.UserID)
	if err != nil {
		p.sendError(client, correlationID, codeStorageError, "membership check unavailable")
		return false
	}
	if !isMember {
		p.recordAudit(ctx, audit.Event{
			Actor:   &client.UserID,
			Action:  audit.ActionAuthzDenied,
			Detail:  map[string]any{"requested": "read_message", "messageID": msg.ID},
			Address: client.Address,
		})
		p.sendError(client, correlationID, codeForbidden, "not a member of this channel")
		return false
	}
	return true
}

// notifyModerators tells the channel's moderators a message was flagged.
// Direct messages have no moderators, so nothing is sent.
func (p *Pipeline) notifyModerators(ctx context.Context, client *hub.Client, msg *models.Message) {
	if msg.ChannelID == nil {
		return
	}

	members, err := p.memberships.ListMembers(ctx, *msg.ChannelID)
	if err != nil {
		p.sugar.Errorf("resolving moderators for channel %d: %v", *msg.ChannelID, err)
		return
	}

	var moderators []int64
	for _, userID := range members {
		role, err := p.memberships.Role(ctx, *msg.ChannelID, userID)
		if err != nil {
			continue
		}
		if role == "moderator" {
			moderators = append(moderators, userID)
		}
	}
	if len(moderators) == 0 {
		return
	}

	notification := hub.NewEnvelope(hub.TypeNotification, map[string]any{
		"kind":      "flag",
		"messageID": fmt64(msg.ID),
		"channelID": optional64(msg.ChannelID),
		"flaggedBy": fmt64(client.UserID),
	})
	if _, err := p.hub.BroadcastToUsers(moderators, notification); err != nil {
		p.sugar.Error(err)
	}
}
