package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Client is one live duplex connection with an authenticated identity and
// a channel subscription set. Owned exclusively by the Hub.
type Client struct {
	ID          int64
	UserID      int64
	Address     string
	ConnectedAt time.Time

	hub  *Hub
	conn *websocket.Conn

	send    chan []byte
	inbound chan []byte

	subMutex      sync.RWMutex
	subscriptions map[int64]bool

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Client) subscribe(channelID int64) {
	c.subMutex.Lock()
	c.subscriptions[channelID] = true
	c.subMutex.Unlock()
}

func (c *Client) unsubscribe(channelID int64) {
	c.subMutex.Lock()
	delete(c.subscriptions, channelID)
	c.subMutex.Unlock()
}

// SubscribedTo reports whether this connection declares membership in the
// channel. Used only for fan-out, never for access decisions.
func (c *Client) SubscribedTo(channelID int64) bool {
	c.subMutex.RLock()
	defer c.subMutex.RUnlock()
	return c.subscriptions[channelID]
}

// trySend queues a payload without blocking. A full buffer or a closed
// connection counts as a delivery failure for the tally.
func (c *Client) trySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// SendEnvelope marshals and queues one envelope for this connection.
func (c *Client) SendEnvelope(env Envelope) bool {
	payload, err := env.Marshal()
	if err != nil {
		c.hub.sugar.Errorf("marshaling %s envelope: %v", env.Type, err)
		return false
	}
	return c.trySend(payload)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// HandleClient upgrades the request and serves the connection until it
// closes. The first frame must authenticate within the handshake timeout;
// any other first frame, or silence, closes the connection.
func (h *Hub) HandleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.sugar.Error(err)
		return
	}
	defer conn.Close()

	address := r.RemoteAddr

	conn.SetReadLimit(h.maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.handshakeTimeout))

	_, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.sugar.Debugf("Handshake read from %s failed: %v", address, err)
		return
	}

	userID, response, err := h.authenticator(r.Context(), firstFrame, address)
	payload, marshalErr := response.Marshal()
	if marshalErr != nil {
		h.sugar.Error(marshalErr)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if writeErr := conn.WriteMessage(websocket.TextMessage, payload); writeErr != nil {
		h.sugar.Debug(writeErr)
		return
	}

	if err != nil {
		h.sugar.Debugf("Authentication from %s failed: %v", address, err)
		return
	}

	connectionID, err := h.gen.Generate()
	if err != nil {
		h.sugar.Error(err)
		return
	}

	client := &Client{
		ID:            connectionID,
		UserID:        userID,
		Address:       address,
		ConnectedAt:   time.Now().UTC(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		inbound:       make(chan []byte, 32),
		subscriptions: make(map[int64]bool),
		done:          make(chan struct{}),
	}

	h.Register(client)
	defer h.Remove(client)
	defer client.close()

	go client.writePump(h.idleTimeout)
	go client.pipelineLoop()

	client.readPump(h.idleTimeout)
}

// readPump delivers inbound frames to the pipeline loop in arrival order.
// A peer that stops answering pings trips the read deadline and is
// deregistered.
func (c *Client) readPump(idleTimeout time.Duration) {
	defer close(c.inbound)

	c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.sugar.Debugf("Connection [%d] read error: %v", c.ID, err)
			}
			return
		}

		select {
		case c.inbound <- frame:
		case <-c.done:
			return
		}
	}
}

// pipelineLoop runs the frame handler serially so per-connection event
// order is preserved end to end.
func (c *Client) pipelineLoop() {
	for frame := range c.inbound {
		c.hub.handler(context.Background(), c, frame)
	}
}

func (c *Client) writePump(idleTimeout time.Duration) {
	pingPeriod := idleTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
