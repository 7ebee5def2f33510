package transport

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sitekeeper/sitekeeper/pkg/protocol"
)

var (
	// ErrDisconnected is returned by Send when the channel is not open
	ErrDisconnected = errors.New("channel disconnected")

	// ErrChannelClosed is returned for invocations in flight when the channel closes
	ErrChannelClosed = errors.New("channel closed")
)

// Channel is one persistent, ordered, bidirectional connection to a peer.
// A reconnect always produces a fresh Channel with a new ID.
type Channel interface {
	ID() string
	RemoteAddr() string
	Send(method string, payload any) error
	Close() error
}

// wsChannel wraps a websocket connection with a single writer goroutine so
// concurrent senders keep per-connection ordering.
type wsChannel struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSChannel(id string, conn *websocket.Conn) *wsChannel {
	ch := &wsChannel{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	go ch.writePump()
	return ch
}

func (c *wsChannel) ID() string {
	return c.id
}

func (c *wsChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send encodes and queues a message. It fails with ErrDisconnected once the
// channel is closed.
func (c *wsChannel) Send(method string, payload any) error {
	data, err := protocol.Encode(method, payload)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	}
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

func (c *wsChannel) writePump() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
