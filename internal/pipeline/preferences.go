package pipeline

import (
	"context"

	"securechat-backend/internal/hub"
	"securechat-backend/internal/models"
)

func (p *Pipeline) handleSetPreference(ctx context.Context, client *hub.Client, ev *SetPreferenceEvent, correlationID string) {
	if (ev.ContextType == models.ContextGlobal) != (ev.ContextID == nil) {
		p.sendError(client, correlationID, codeMalformed, "context ID is required unless the context is global")
		return
	}

	allowed, err := p.gate.Allow(ctx, client.UserID, "manage_preferences", client.Address)
	if err != nil {
		p.sendError(client, correlationID, codeStorageError, "authorization check unavailable")
		return
	}
	if !allowed {
		p.sendError(client, correlationID, codeForbidden, "not permitted to manage preferences")
		return
	}

	pref := models.NotificationPreference{
		UserID:      client.UserID,
		ContextType: ev.ContextType,
		ContextID:   ev.ContextID,
		Level:       ev.Level,
	}
	if err := p.prefs.Upsert(ctx, pref, client.Address); err != nil {
		p.sugar.Errorf("storing preference for user %d: %v", client.UserID, err)
		p.sendError(client, correlationID, codeStorageError, "preference could not be stored")
		return
	}

	p.reply(client, correlationID, hub.TypeAck, map[string]any{
		"contextType": ev.ContextType,
		"level":       ev.Level,
	})
}
