package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ErrUnavailable is returned by Emit when the signaling channel is closed or
// was never established.
var ErrUnavailable = errors.New("signaling unavailable")

// Handler receives the raw data payload of a subscribed event. Handlers are
// invoked serially from the read loop, preserving delivery order.
type Handler func(data json.RawMessage)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type subscription struct {
	id int64
	h  Handler
}

// Client is a thin wrapper over a persistent websocket used to exchange room
// membership events and WebRTC handshake payloads. It offers no delivery
// guarantee beyond "at most once, in send order, while connected";
// reconnection is the caller's responsibility.
type Client struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	nextID   int64
	handlers map[string][]subscription
}

func Dial(ctx context.Context, serverURL, token string) (*Client, error) {
	wsURL := strings.Replace(serverURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = wsURL + "/ws"

	connCtx, cancel := context.WithCancel(context.Background())
	options := &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	}
	conn, _, err := websocket.Dial(ctx, wsURL, options)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return &Client{
		conn:     conn,
		ctx:      connCtx,
		cancel:   cancel,
		handlers: make(map[string][]subscription),
	}, nil
}

// Emit sends a named event fire-and-forget.
func (c *Client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnavailable
	}
	writeCtx, writeCancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer writeCancel()
	return c.conn.Write(writeCtx, websocket.MessageText, msg)
}

// On subscribes a handler to an event and returns a token for Off.
func (c *Client) On(event string, h Handler) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[event] = append(c.handlers[event], subscription{id: c.nextID, h: h})
	return c.nextID
}

// Off removes a previously registered handler. Unknown tokens are ignored.
func (c *Client) Off(event string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.handlers[event]
	for i, sub := range subs {
		if sub.id == id {
			c.handlers[event] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Run reads and dispatches events until the connection closes or ctx is
// canceled. Malformed frames and events without subscribers are dropped.
func (c *Client) Run(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if ctx.Err() != nil || c.ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if strings.TrimSpace(msg.Event) == "" {
			continue
		}
		c.dispatch(msg.Event, msg.Data)
	}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	subs := make([]subscription, len(c.handlers[event]))
	copy(subs, c.handlers[event])
	c.mu.Unlock()
	for _, sub := range subs {
		sub.h(data)
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}
