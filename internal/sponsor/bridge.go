package sponsor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// recvBuffer bounds the per-conversation inbound queue. A runner that stops
// reading causes the read pump to suspend, which propagates backpressure to
// the engine through the underlying TCP connection.
const recvBuffer = 16

// Conversation is one bidirectional exchange with a sponsor, dedicated to a
// single match. The Recv channel is closed when the sponsor closes the
// connection or a read fails; senders must treat a closed channel as a
// connectivity failure for the match.
type Conversation interface {
	Send(ctx context.Context, req Request) error
	Recv() <-chan Response
	Close() error
}

// Dialer opens conversations with one named sponsor.
type Dialer interface {
	Open(ctx context.Context) (Conversation, error)
}

// Bridge dials a sponsor's WebSocket endpoint. One Bridge exists per
// configured sponsor; each Open call yields an independent conversation.
type Bridge struct {
	name   string
	url    string
	logger *slog.Logger
}

// NewBridge creates a bridge for the named sponsor at the given ws:// URL.
func NewBridge(name, url string, logger *slog.Logger) *Bridge {
	return &Bridge{name: name, url: url, logger: logger}
}

// Open dials the sponsor and starts the conversation's read pump.
func (b *Bridge) Open(ctx context.Context) (Conversation, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("sponsor: dial %s: %w", b.name, err)
	}

	c := &wsConversation{
		sponsor: b.name,
		conn:    conn,
		recv:    make(chan Response, recvBuffer),
		logger:  b.logger,
	}
	go c.readPump()
	return c, nil
}

type wsConversation struct {
	sponsor string
	conn    *websocket.Conn
	recv    chan Response
	logger  *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// readPump decodes sponsor responses until the connection fails or closes,
// then closes the recv channel so the owning runner observes the loss.
func (c *wsConversation) readPump() {
	defer close(c.recv)
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("sponsor: read failed", "sponsor", c.sponsor, "error", err)
			}
			return
		}
		c.recv <- resp
	}
}

func (c *wsConversation) Send(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sponsor: send to %s: %w", c.sponsor, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("sponsor: send to %s: %w", c.sponsor, err)
	}
	return nil
}

func (c *wsConversation) Recv() <-chan Response {
	return c.recv
}

func (c *wsConversation) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
