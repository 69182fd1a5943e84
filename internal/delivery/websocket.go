package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/jmbish04/cfgate/internal/types"
)

// inbound is a client-to-server frame.
type inbound struct {
	Type string `json:"type"`
}

// Conn adapts a WebSocket connection to Subscriber.
type Conn struct {
	id        types.SubscriberID
	sessionID types.SessionID
	ws        *websocket.Conn
	closeOnce sync.Once
}

// NewConn wraps an accepted WebSocket for the given session.
func NewConn(sessionID types.SessionID, ws *websocket.Conn) *Conn {
	return &Conn{
		id:        types.NewSubscriberID(),
		sessionID: sessionID,
		ws:        ws,
	}
}

func (c *Conn) ID() types.SubscriberID {
	return c.id
}

// Send writes one text frame. Concurrent writers are serialised by the
// websocket library.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
}

// Serve runs the read loop until the peer goes away or ctx ends. Pings are
// answered with pong; malformed or unknown frames get an error envelope and
// the connection stays open. Replies go through hub so they share its write
// deadline.
func (c *Conn) Serve(ctx context.Context, hub *Hub) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		reply := c.reply(data)
		payload, err := Encode(reply)
		if err != nil {
			return err
		}
		if err := hub.Send(ctx, c, payload); err != nil {
			return err
		}
	}
}

func (c *Conn) reply(data []byte) types.Event {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.Event{Type: types.EventError, SessionID: c.sessionID, Error: "malformed message"}
	}
	switch msg.Type {
	case "ping":
		return types.Event{Type: types.EventPong, SessionID: c.sessionID}
	default:
		return types.Event{Type: types.EventError, SessionID: c.sessionID, Error: "unknown message type: " + msg.Type}
	}
}
