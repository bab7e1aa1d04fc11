package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/snowflake"
	"securechat-backend/internal/store"

	"go.uber.org/zap"
)

var (
	// ErrChannelUnknown is the only fan-out failure surfaced to callers;
	// individual send failures are tallied, never raised.
	ErrChannelUnknown = errors.New("channel not found")

	// ErrAccessDenied is returned by Subscribe when the membership check
	// fails. The connection is neither subscribed nor broadcast to.
	ErrAccessDenied = errors.New("channel access denied")
)

const memberCacheTTL = 30 * time.Second

// FrameHandler consumes one inbound client frame. Frames from a single
// connection are delivered in order, one at a time.
type FrameHandler func(ctx context.Context, client *Client, frame []byte)

// Authenticator validates the first frame of a new connection and returns
// the authenticated user id and the response to send back.
type Authenticator func(ctx context.Context, frame []byte, address string) (int64, Envelope, error)

type cachedMembers struct {
	userIDs []int64
	fetched time.Time
}

// Hub owns the table of live connections and the channel-membership
// cache. It is the only mutation surface for both.
type Hub struct {
	sugar       *zap.SugaredLogger
	ledger      *audit.Ledger
	memberships store.Memberships
	gen         *snowflake.Generator

	handler       FrameHandler
	authenticator Authenticator

	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	maxMessageSize   int64

	mutex   sync.RWMutex
	clients map[int64]*Client
	byUser  map[int64]map[int64]*Client

	cacheMutex  sync.RWMutex
	memberCache map[int64]cachedMembers
}

func NewHub(sugar *zap.SugaredLogger, ledger *audit.Ledger, memberships store.Memberships, gen *snowflake.Generator, handshakeTimeout, idleTimeout time.Duration, maxMessageSize int64) *Hub {
	return &Hub{
		sugar:            sugar,
		ledger:           ledger,
		memberships:      memberships,
		gen:              gen,
		handshakeTimeout: handshakeTimeout,
		idleTimeout:      idleTimeout,
		maxMessageSize:   maxMessageSize,
		clients:          make(map[int64]*Client),
		byUser:           make(map[int64]map[int64]*Client),
		memberCache:      make(map[int64]cachedMembers),
	}
}

// SetHandler wires the message pipeline in. Must be called before the
// first connection is accepted.
func (h *Hub) SetHandler(handler FrameHandler, authenticator Authenticator) {
	h.handler = handler
	h.authenticator = authenticator
}

// Register stores an authenticated connection and audits the connect.
func (h *Hub) Register(client *Client) {
	h.mutex.Lock()
	h.clients[client.ID] = client
	userConns, ok := h.byUser[client.UserID]
	if !ok {
		userConns = make(map[int64]*Client)
		h.byUser[client.UserID] = userConns
	}
	userConns[client.ID] = client
	h.mutex.Unlock()

	h.sugar.Debugf("Registered connection [%d] for user ID [%d]", client.ID, client.UserID)

	h.recordAudit(audit.Event{
		Actor:   &client.UserID,
		Action:  audit.ActionConnect,
		Detail:  map[string]int64{"connectionID": client.ID},
		Address: client.Address,
	})
}

// Remove deletes a connection and audits the disconnect with its
// session duration.
func (h *Hub) Remove(client *Client) {
	h.mutex.Lock()
	_, present := h.clients[client.ID]
	delete(h.clients, client.ID)
	if userConns, ok := h.byUser[client.UserID]; ok {
		delete(userConns, client.ID)
		if len(userConns) == 0 {
			delete(h.byUser, client.UserID)
		}
	}
	h.mutex.Unlock()

	if !present {
		return
	}

	h.sugar.Debugf("Removed connection [%d] for user ID [%d]", client.ID, client.UserID)

	h.recordAudit(audit.Event{
		Actor:  &client.UserID,
		Action: audit.ActionDisconnect,
		Detail: map[string]any{
			"connectionID":    client.ID,
			"sessionDuration": time.Since(client.ConnectedAt).String(),
		},
		Address: client.Address,
	})
}

// Subscribe adds a channel to the connection's subscription set after
// verifying access against the authoritative membership store.
func (h *Hub) Subscribe(ctx context.Context, client *Client, channelID int64) error {
	isMember, err := h.memberships.IsMember(ctx, channelID, client.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrChannelUnknown
	} else if err != nil {
		return err
	}

	if !isMember {
		h.recordAudit(audit.Event{
			Actor:   &client.UserID,
			Action:  audit.ActionAuthzDenied,
			Detail:  map[string]any{"requested": "subscribe", "channelID": channelID},
			Address: client.Address,
		})
		return ErrAccessDenied
	}

	client.subscribe(channelID)
	h.sugar.Debugf("Connection [%d] subscribed to channel ID [%d]", client.ID, channelID)
	return nil
}

func (h *Hub) Unsubscribe(client *Client, channelID int64) {
	client.unsubscribe(channelID)
	h.sugar.Debugf("Connection [%d] unsubscribed from channel ID [%d]", client.ID, channelID)
}

// InvalidateMembers drops the cached member list for a channel. Called on
// every membership-changing event; the cache is never authoritative for
// access decisions.
func (h *Hub) InvalidateMembers(channelID int64) {
	h.cacheMutex.Lock()
	delete(h.memberCache, channelID)
	h.cacheMutex.Unlock()
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) recordAudit(event audit.Event) {
	if err := h.ledger.Record(context.Background(), event); err != nil {
		h.sugar.Errorf("recording %s audit event: %v", event.Action, err)
	}
}
