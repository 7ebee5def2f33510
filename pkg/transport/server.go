package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/protocol"
)

// MessageHandler receives decoded slave-originated messages. Handlers are
// invoked from the owning connection's read loop, so messages from one slave
// arrive in order.
type MessageHandler interface {
	HandleRegister(ch Channel, reg protocol.SlaveRegistration, remoteAddr string)
	HandleHeartbeat(hb protocol.Heartbeat)
	HandleReadiness(r protocol.TaskReadinessReport)
	HandleProgress(u protocol.TaskProgressUpdate)
	HandleTaskLog(e protocol.TaskLogEntry)
	HandleLogFlushConfirm(c protocol.LogFlushConfirmation)
	HandleDisconnect(ch Channel, nodeName string)
}

// Server accepts slave connections on the agent endpoint and pumps their
// messages into a MessageHandler.
type Server struct {
	handler  MessageHandler
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	logger   zerolog.Logger
}

// NewServer creates a transport server for the master
func NewServer(handler MessageHandler) *Server {
	return &Server{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.WithComponent("transport"),
	}
}

// Start listens on addr until the server is shut down
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/agent", s.handleAgent)

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	s.logger.Info().Str("addr", addr).Msg("agent transport listening")

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve agent transport: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the listener
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade agent connection")
		return
	}

	ch := newWSChannel(uuid.New().String(), conn)
	go s.readLoop(ch, conn)
}

// readLoop decodes envelopes until the connection drops. The registered node
// name is remembered so the disconnect callback can identify the agent.
func (s *Server) readLoop(ch *wsChannel, conn *websocket.Conn) {
	nodeName := ""
	defer func() {
		ch.Close()
		s.handler.HandleDisconnect(ch, nodeName)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("channel", ch.ID()).Msg("dropping malformed message")
			continue
		}

		switch env.Method {
		case protocol.MethodRegisterSlave:
			var reg protocol.SlaveRegistration
			if err := json.Unmarshal(env.Payload, &reg); err != nil {
				s.logger.Warn().Err(err).Msg("bad registration payload")
				continue
			}
			nodeName = reg.AgentName
			s.handler.HandleRegister(ch, reg, ch.RemoteAddr())

		case protocol.MethodHeartbeat:
			var hb protocol.Heartbeat
			if err := json.Unmarshal(env.Payload, &hb); err != nil {
				continue
			}
			s.handler.HandleHeartbeat(hb)

		case protocol.MethodReportTaskReadiness:
			var rep protocol.TaskReadinessReport
			if err := json.Unmarshal(env.Payload, &rep); err != nil {
				continue
			}
			s.handler.HandleReadiness(rep)

		case protocol.MethodReportTaskProgress:
			var upd protocol.TaskProgressUpdate
			if err := json.Unmarshal(env.Payload, &upd); err != nil {
				continue
			}
			s.handler.HandleProgress(upd)

		case protocol.MethodReportTaskLog:
			var entry protocol.TaskLogEntry
			if err := json.Unmarshal(env.Payload, &entry); err != nil {
				continue
			}
			s.handler.HandleTaskLog(entry)

		case protocol.MethodConfirmLogFlush:
			var conf protocol.LogFlushConfirmation
			if err := json.Unmarshal(env.Payload, &conf); err != nil {
				continue
			}
			s.handler.HandleLogFlushConfirm(conf)

		default:
			s.logger.Warn().Str("method", env.Method).Msg("unknown slave message method")
		}
	}
}
