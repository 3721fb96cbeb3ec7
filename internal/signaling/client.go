package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/util"
)

// Compile-time interface check.
var _ Relay = (*Client)(nil)

// Client is a Relay backed by a WebSocket connection to a Server.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	in        *dispatcher
	done      chan struct{}
	closeOnce sync.Once

	log util.Logger
}

// Dial connects to the relay at url, e.g.
//
//	ws://relay.example:8080/ws?room=QUICK-FROG
//
// and starts reading envelopes.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c := &Client{
		conn: conn,
		in:   newDispatcher(),
		done: make(chan struct{}),
		log:  util.Scoped("relay"),
	}
	go c.readLoop()
	return c, nil
}

// send writes an envelope to the WebSocket, guarded by a mutex.
func (c *Client) send(env Envelope) error {
	select {
	case <-c.done:
		return ErrRelayClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// SendReady announces this side to the other room member.
func (c *Client) SendReady() error {
	return c.send(Envelope{Type: EnvReady})
}

// SendSignal forwards an opaque signal to the other room member.
func (c *Client) SendSignal(data string) error {
	return c.send(Envelope{Type: EnvSignal, Data: data})
}

// OnSignal registers the inbound signal handler.
func (c *Client) OnSignal(fn func(string)) {
	c.in.setHandler(fn)
}

// Done returns a channel that is closed when the relay connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the WebSocket connection. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		c.in.close()
		c.conn.Close()
	}()

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Debug("read loop ended: %v", err)
			}
			return
		}

		switch env.Type {
		case EnvSignal:
			c.in.push(env.Data)
		case EnvReady:
			c.log.Info("peer %s is ready", shortID(env.From))
		case EnvLeave:
			c.log.Warn("peer %s left the room", shortID(env.From))
		}
	}
}
