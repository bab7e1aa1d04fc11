package pipeline

import (
	"context"
	"errors"
	"time"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/crypto"
	"securechat-backend/internal/hub"
	"securechat-backend/internal/models"
	"securechat-backend/internal/prefs"
	"securechat-backend/internal/store"
)

func (p *Pipeline) handleSend(ctx context.Context, client *hub.Client, ev *SendMessageEvent, correlationID string) {
	if (ev.ChannelID == nil) == (ev.RecipientID == nil) {
		p.sendError(client, correlationID, codeMalformed, "exactly one of channelID and recipientID is required")
		return
	}
	if len(ev.Content) > p.maxContentLength {
		p.sendError(client, correlationID, codeMalformed, "message content too long")
		return
	}

	allowed, err := p.gate.Allow(ctx, client.UserID, "send_message", client.Address)
	if err != nil {
		p.sendError(client, correlationID, codeStorageError, "authorization check unavailable")
		return
	}
	if !allowed {
		p.sendError(client, correlationID, codeForbidden, "not permitted to send messages")
		return
	}

	if ev.ChannelID != nil {
		isMember, err := p.memberships.IsMember(ctx, *ev.ChannelID, client.UserID)
		if errors.Is(err, store.ErrNotFound) {
			p.sendError(client, correlationID, codeNotFound, "channel not found")
			return
		} else if err != nil {
			p.sendError(client, correlationID, codeStorageError, "membership check unavailable")
			return
		}
		if !isMember {
			p.recordAudit(ctx, audit.Event{
				Actor:   &client.UserID,
				Action:  audit.ActionAuthzDenied,
				Detail:  map[string]any{"requested": "send_message", "channelID": *ev.ChannelID},
				Address: client.Address,
			})
			p.sendError(client, correlationID, codeForbidden, "not a member of this channel")
			return
		}
	} else {
		exists, err := p.users.Exists(ctx, *ev.RecipientID)
		if err != nil {
			p.sendError(client, correlationID, codeStorageError, "recipient check unavailable")
			return
		}
		if !exists {
			p.sendError(client, correlationID, codeNotFound, "recipient not found")
			return
		}
	}

	messageID, err := p.gen.Generate()
	if err != nil {
		p.sugar.Error(err)
		p.sendError(client, correlationID, codeStorageError, "could not assign message id")
		return
	}

	msg := models.Message{
		ID:                messageID,
		ChannelID:         ev.ChannelID,
		RecipientID:       ev.RecipientID,
		SenderID:          client.UserID,
		ContainsSensitive: ev.ContainsSensitive,
		CreatedAt:         time.Now().UTC(),
	}

	if ev.ContainsSensitive {
		envlp, err := p.cipher.Seal([]byte(ev.Content))
		if err != nil {
			p.sugar.Errorf("encrypting message %d: %v", messageID, err)
			p.sendError(client, correlationID, codeStorageError, "encryption failed")
			return
		}
		msg.Ciphertext = crypto.Pack(envlp)
	} else {
		msg.Content = ev.Content
	}

	if err := p.messages.Insert(ctx, &msg); err != nil {
		p.sugar.Errorf("persisting message %d: %v", messageID, err)
		p.sendError(client, correlationID, codeStorageError, "message could not be stored")
		return
	}

	// the live fan-out carries the plaintext; at-rest protection is the
	// ciphertext column, and the audience is exactly the authorized set
	outbound := msg
	outbound.Content = ev.Content
	outbound.Ciphertext = nil
	p.attachSender(ctx, &outbound)

	result := p.broadcastToAudience(ctx, client, &msg, hub.NewEnvelope(hub.TypeNewMessage, outbound), correlationID)
	if result == nil {
		return
	}

	p.notifyRecipients(ctx, &msg, ev.Content)

	p.recordAudit(ctx, audit.Event{
		Actor:  &client.UserID,
		Action: audit.ActionSendMessage,
		Detail: map[string]any{
			"messageID":         messageID,
			"channelID":         ev.ChannelID,
			"recipientID":       ev.RecipientID,
			"containsSensitive": ev.ContainsSensitive,
			"delivered":         result.Delivered,
			"failed":            result.Failed,
		},
		Address: client.Address,
	})

	p.reply(client, correlationID, hub.TypeAck, map[string]any{
		"messageID": fmt64(messageID),
		"timestamp": msg.CreatedAt,
	})
}

func (p *Pipeline) handleEdit(ctx context.Context, client *hub.Client, ev *EditMessageEvent, correlationID string) {
	if len(ev.Content) > p.maxContentLength {
		p.sendError(client, correlationID, codeMalformed, "message content too long")
		return
	}

	msg, err := p.findLiveMessage(ctx, client, ev.MessageID, correlationID)
	if msg == nil || err != nil {
		return
	}

	allowed, err := p.gate.Allow(ctx, client.UserID, "edit_message", client.Address)
	if err != nil {
		p.sendError(client, correlationID, codeStorageError, "authorization check unavailable")
		return
	}
	if !allowed || msg.SenderID != client.UserID {
		if msg.SenderID != client.UserID {
			p.recordAudit(ctx, audit.Event{
				Actor:   &client.UserID,
				Action:  audit.ActionAuthzDenied,
				Detail:  map[string]any{"requested": "edit_message", "messageID": ev.MessageID},
				Address: client.Address,
			})
		}
		p.sendError(client, correlationID, codeForbidden, "only the original sender may edit a message")
		return
	}

	var content string
	var ciphertext []byte
	if msg.ContainsSensitive {
		envlp, err := p.cipher.Seal([]byte(ev.Content))
		if err != nil {
			p.sugar.Errorf("re-encrypting message %d: %v", msg.ID, err)
			p.sendError(client, correlationID, codeStorageError, "encryption failed")
			return
		}
		ciphertext = crypto.Pack(envlp)
	} else {
		content = ev.Content
	}

	if err := p.messages.UpdateContent(ctx, msg.ID, content, ciphertext); err != nil {
		p.sugar.Errorf("updating message %d: %v", msg.ID, err)
		p.sendError(client, correlationID, codeStorageError, "message could not be updated")
		return
	}

	editedAt := time.Now().UTC()
	outbound := *msg
	outbound.Content = ev.Content
	outbound.Ciphertext = nil
	outbound.EditedAt = &editedAt
	p.attachSender(ctx, &outbound)

	result := p.broadcastToAudience(ctx, client, msg, hub.NewEnvelope(hub.TypeMessageUpdated, outbound), correlationID)
	if result == nil {
		return
	}

	p.recordAudit(ctx, audit.Event{
		Actor:   &client.UserID,
		Action:  audit.ActionEditMessage,
		Detail:  map[string]any{"messageID": msg.ID, "delivered": result.Delivered, "failed": result.Failed},
		Address: client.Address,
	})

	p.reply(client, correlationID, hub.TypeAck, map[string]any{
		"messageID": fmt64(msg.ID),
		"timestamp": editedAt,
	})
}

func (p *Pipeline) handleDelete(ctx context.Context, client *hub.Client, ev *DeleteMessageEvent, correlationID string) {
	msg, err := p.findLiveMessage(ctx, client, ev.MessageID, correlationID)
	if msg == nil || err != nil {
		return
	}

	if msg.RecipientID != nil {
		// direct messages may only be deleted by their sender
		if msg.SenderID != client.UserID {
			p.recordAudit(ctx, audit.Event{
				Actor:   &client.UserID,
				Action:  audit.ActionAuthzDenied,
				Detail:  map[string]any{"requested": "delete_message", "messageID": ev.MessageID},
				Address: client.Address,
			})
			p.sendError(client, correlationID, codeForbidden, "only the sender may delete a direct message")
			return
		}
	} else {
		action := "delete_message"
		if msg.SenderID != client.UserID {
			action = "moderate_messages"
		}
		allowed, err := p.gate.Allow(ctx, client.UserID, action, client.Address)
		if err != nil {
			p.sendError(client, correlationID, codeStorageError, "authorization check unavailable")
			return
		}
		if !allowed {
			p.sendError(client, correlationID, codeForbidden, "not permitted to delete this message")
			return
		}
	}

	if err := p.messages.SoftDelete(ctx, msg.ID); err != nil {
		p.sugar.Errorf("deleting message %d: %v", msg.ID, err)
		p.sendError(client, correlationID, codeStorageError, "message could not be deleted")
		return
	}

	// a distinct deletion event so clients discard cached content
	deletion := hub.NewEnvelope(hub.TypeMessageDeleted, map[string]any{
		"messageID": fmt64(msg.ID),
		"channelID": optional64(msg.ChannelID),
	})

	result := p.broadcastToAudience(ctx, client, msg, deletion, correlationID)
	if result == nil {
		return
	}

	p.recordAudit(ctx, audit.Event{
		Actor:   &client.UserID,
		Action:  audit.ActionMessageDelete,
		Detail:  map[string]any{"messageID": msg.ID, "bySender": msg.SenderID == client.UserID},
		Address: client.Address,
	})

	p.reply(client, correlationID, hub.TypeAck, map[string]any{"messageID": fmt64(msg.ID)})
}

func (p *Pipeline) handleReadReceipt(ctx context.Context, client *hub.Client, ev *ReadReceiptEvent, correlationID string) {
	msg, err := p.findLiveMessage(ctx, client, ev.MessageID, correlationID)
	if msg == nil || err != nil {
		return
	}

	if msg.RecipientID == nil {
		p.sendError(client, correlationID, codeMalformed, "read receipts are only valid for direct messages")
		return
	}
	if *msg.RecipientID != client.UserID {
		p.sendError(client, correlationID, codeForbidden, "only the recipient may acknowledge a direct message")
		return
	}

	if err := p.messages.MarkRead(ctx, msg.ID); err != nil {
		p.sugar.Errorf("marking message %d read: %v", msg.ID, err)
		p.sendError(client, correlationID, codeStorageError, "receipt could not be stored")
		return
	}

	// the original sender is the only audience for a receipt
	update := hub.NewEnvelope(hub.TypeReadReceiptUpdate, map[string]any{
		"messageID": fmt64(msg.ID),
		"readerID":  fmt64(client.UserID),
	})
	if _, err := p.hub.BroadcastToUsers([]int64{msg.SenderID}, update); err != nil {
		p.sugar.Error(err)
	}

	p.recordAudit(ctx, audit.Event{
		Actor:   &client.UserID,
		Action:  audit.ActionReadReceipt,
		Detail:  map[string]any{"messageID": msg.ID},
		Address: client.Address,
	})

	p.reply(client, correlationID, hub.TypeAck, map[string]any{"messageID": fmt64(msg.ID)})
}

// findLiveMessage loads a message and answers the connection when it is
// missing or already soft-deleted.
func (p *Pipeline) findLiveMessage(ctx context.Context, client *hub.Client, messageID int64, correlationID string) (*models.Message, error) {
	msg, err := p.messages.Find(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		p.sendError(client, correlationID, codeNotFound, "message not found")
		return nil, nil
	} else if err != nil {
		p.sugar.Error(err)
		p.sendError(client, correlationID, codeStorageError, "message lookup unavailable")
		return nil, err
	}
	if msg.Deleted {
		p.sendError(client, correlationID, codeNotFound, "message was deleted")
		return nil, nil
	}
	return msg, nil
}

// broadcastToAudience fans an envelope out to the message's original
// audience. Returns nil after answering the client when the channel
// lookup failed entirely, the one fan-out failure that surfaces.
func (p *Pipeline) broadcastToAudience(ctx context.Context, client *hub.Client, msg *models.Message, env hub.Envelope, correlationID string) *hub.Result {
	var result hub.Result
	var err error

	if msg.ChannelID != nil {
		result, err = p.hub.BroadcastToChannel(ctx, *msg.ChannelID, env)
		if errors.Is(err, hub.ErrChannelUnknown) {
			p.sendError(client, correlationID, codeNotFound, "channel not found")
			return nil
		}
	} else {
		result, err = p.hub.BroadcastToUsers([]int64{msg.SenderID, *msg.RecipientID}, env)
	}
	if err != nil {
		p.sugar.Error(err)
		p.sendError(client, correlationID, codeDelivery, "broadcast failed")
		return nil
	}

	return &result
}

// notifyRecipients applies the preference filter per recipient and sends
// notification envelopes to those who want them.
func (p *Pipeline) notifyRecipients(ctx context.Context, msg *models.Message, plaintext string) {
	mentioned := make(map[int64]bool)
	for _, userID := range p.prefs.Mentions(ctx, plaintext) {
		mentioned[userID] = true
	}

	var audience []int64
	var contextType string
	var contextID int64

	if msg.ChannelID != nil {
		members, err := p.memberships.ListMembers(ctx, *msg.ChannelID)
		if err != nil {
			p.sugar.Errorf("resolving notification audience for channel %d: %v", *msg.ChannelID, err)
			return
		}
		audience = members
		contextType = models.ContextChannel
		contextID = *msg.ChannelID
	} else {
		audience = []int64{*msg.RecipientID}
		contextType = models.ContextDM
		// a DM conversation is keyed by the other party
		contextID = msg.SenderID
	}

	for _, userID := range audience {
		if userID == msg.SenderID {
			continue
		}

		level, err := p.prefs.ResolveLevel(ctx, userID, contextType, &contextID)
		if err != nil {
			p.sugar.Errorf("resolving notification level for user %d: %v", userID, err)
			continue
		}
		if !prefs.ShouldNotify(level, mentioned[userID]) {
			continue
		}

		kind := "message"
		if mentioned[userID] {
			kind = "mention"
		}

		notification := hub.NewEnvelope(hub.TypeNotification, map[string]any{
			"kind":      kind,
			"messageID": fmt64(msg.ID),
			"channelID": optional64(msg.ChannelID),
			"senderID":  fmt64(msg.SenderID),
		})
		if _, err := p.hub.BroadcastToUsers([]int64{userID}, notification); err != nil {
			p.sugar.Error(err)
		}
	}
}

func (p *Pipeline) attachSender(ctx context.Context, msg *models.Message) {
	sender, err := p.users.Find(ctx, msg.SenderID)
	if err != nil {
		p.sugar.Debugf("attaching sender %d: %v", msg.SenderID, err)
		return
	}
	msg.Sender = models.User{ID: sender.ID, Username: sender.Username, DisplayName: sender.DisplayName}
}
