package hub

import (
	"context"
	"errors"
	"time"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/store"
)

// Result tallies one fan-out. Individual delivery failures land here,
// they are never raised to the caller.
type Result struct {
	Delivered int
	Failed    int
}

// BroadcastToChannel fans an envelope out to the channel's members.
// Member resolution prefers the authoritative store; when that lookup
// fails the fan-out falls back to connections that already declare the
// channel in their local subscription set, and the fallback itself is
// recorded as a critical audit event. Each member user receives the
// envelope once, through one of their live connections.
func (h *Hub) BroadcastToChannel(ctx context.Context, channelID int64, env Envelope) (Result, error) {
	memberIDs, err := h.resolveMembers(ctx, channelID)
	if errors.Is(err, ErrChannelUnknown) {
		return Result{}, err
	} else if err != nil {
		memberIDs = h.subscribedUsers(channelID)
		h.sugar.Warnf("Membership lookup for channel ID [%d] failed, falling back to %d locally subscribed users: %v", channelID, len(memberIDs), err)
		h.recordAudit(audit.Event{
			Action: audit.ActionBroadcastFallback,
			Detail: map[string]any{
				"channelID": channelID,
				"reason":    err.Error(),
				"userCount": len(memberIDs),
			},
		})
	}

	payload, err := env.Marshal()
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, userID := range memberIDs {
		conns := h.channelConnections(userID, channelID)
		if len(conns) == 0 {
			continue
		}
		h.deliverToOne(conns, payload, &result)
	}

	return result, nil
}

// BroadcastToUsers applies the same delivery discipline keyed directly by
// user id, bypassing membership lookup. Used for direct messages and
// targeted notifications.
func (h *Hub) BroadcastToUsers(userIDs []int64, env Envelope) (Result, error) {
	payload, err := env.Marshal()
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, userID := range userIDs {
		conns := h.userConnections(userID)
		if len(conns) == 0 {
			continue
		}
		h.deliverToOne(conns, payload, &result)
	}

	return result, nil
}

// deliverToOne attempts the user's connections in turn until one accepts
// the payload. Dead or backpressured sockets count as failures.
func (h *Hub) deliverToOne(conns []*Client, payload []byte, result *Result) {
	for _, client := range conns {
		if client.trySend(payload) {
			result.Delivered++
			return
		}
		result.Failed++
		h.sugar.Debugf("Delivery to connection [%d] of user ID [%d] failed", client.ID, client.UserID)
	}
}

func (h *Hub) resolveMembers(ctx context.Context, channelID int64) ([]int64, error) {
	h.cacheMutex.RLock()
	cached, ok := h.memberCache[channelID]
	h.cacheMutex.RUnlock()

	if ok && time.Since(cached.fetched) < memberCacheTTL {
		return cached.userIDs, nil
	}

	memberIDs, err := h.memberships.ListMembers(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChannelUnknown
	} else if err != nil {
		return nil, err
	}

	h.cacheMutex.Lock()
	h.memberCache[channelID] = cachedMembers{userIDs: memberIDs, fetched: time.Now()}
	h.cacheMutex.Unlock()

	return memberIDs, nil
}

// subscribedUsers collects the users whose live connections declare the
// channel locally. Availability-over-consistency fallback for when the
// authoritative lookup is down.
func (h *Hub) subscribedUsers(channelID int64) []int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	seen := make(map[int64]bool)
	var userIDs []int64
	for _, client := range h.clients {
		if client.SubscribedTo(channelID) && !seen[client.UserID] {
			seen[client.UserID] = true
			userIDs = append(userIDs, client.UserID)
		}
	}
	return userIDs
}

func (h *Hub) channelConnections(userID, channelID int64) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var conns []*Client
	for _, client := range h.byUser[userID] {
		if client.SubscribedTo(channelID) {
			conns = append(conns, client)
		}
	}
	return conns
}

func (h *Hub) userConnections(userID int64) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var conns []*Client
	for _, client := range h.byUser[userID] {
		conns = append(conns, client)
	}
	return conns
}
