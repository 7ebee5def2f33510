package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/protocol"
)

// ClientHandler receives master-originated messages on the slave side.
// OnConnected is invoked with a fresh Channel after every successful dial.
type ClientHandler interface {
	OnConnected(ch Channel)
	OnDisconnected()
	HandlePrepare(p protocol.PrepareForTask)
	HandleExecute(e protocol.ExecuteTaskInstruction)
	HandleCancel(c protocol.CancelTaskRequest)
	HandleLogFlushRequest(r protocol.LogFlushRequest)
	HandleAdjustSystemTime(cmd protocol.AdjustSystemTimeCommand)
}

// Client maintains the slave's connection to the master, redialing on loss
// with the documented backoff schedule until the context is cancelled.
type Client struct {
	masterURL string
	handler   ClientHandler
	logger    zerolog.Logger
}

// NewClient creates a slave-side transport client
func NewClient(masterURL string, handler ClientHandler) *Client {
	return &Client{
		masterURL: masterURL,
		handler:   handler,
		logger:    log.WithComponent("transport-client"),
	}
}

// Run connects and serves the connection, reconnecting indefinitely until
// ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.masterURL, nil)
		if err != nil {
			attempt++
			delay := reconnectDelay(attempt)
			c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).
				Msg("failed to connect to master")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		ch := newWSChannel("master", conn)
		c.handler.OnConnected(ch)
		c.serve(ctx, ch, conn)
		c.handler.OnDisconnected()
	}
}

func (c *Client) serve(ctx context.Context, ch *wsChannel, conn *websocket.Conn) {
	defer ch.Close()

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed master message")
			continue
		}

		switch env.Method {
		case protocol.MethodPrepareForTask:
			var p protocol.PrepareForTask
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			c.handler.HandlePrepare(p)

		case protocol.MethodExecuteTask:
			var e protocol.ExecuteTaskInstruction
			if err := json.Unmarshal(env.Payload, &e); err != nil {
				continue
			}
			c.handler.HandleExecute(e)

		case protocol.MethodCancelTask:
			var req protocol.CancelTaskRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				continue
			}
			c.handler.HandleCancel(req)

		case protocol.MethodRequestLogFlush:
			var req protocol.LogFlushRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				continue
			}
			c.handler.HandleLogFlushRequest(req)

		case protocol.MethodAdjustSystemTime:
			var cmd protocol.AdjustSystemTimeCommand
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				continue
			}
			c.handler.HandleAdjustSystemTime(cmd)

		default:
			c.logger.Warn().Str("method", env.Method).Msg("unknown master message method")
		}
	}
}

// reconnectDelay implements the slave redial schedule: 1s, 2s, 5s, then 10s
// up to 5 attempts, 30s up to 12 attempts, 1min thereafter.
func reconnectDelay(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return 1 * time.Second
	case attempt == 2:
		return 2 * time.Second
	case attempt == 3:
		return 5 * time.Second
	case attempt <= 5:
		return 10 * time.Second
	case attempt <= 12:
		return 30 * time.Second
	default:
		return time.Minute
	}
}
