// Package ws serves the local control and progress surface: a WebSocket
// endpoint on localhost that pushes the agent's configuration on connect,
// broadcasts upload events to every connected client and accepts
// start/pause/resume/cancel commands. The server outlives individual jobs.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanlift/lanlift/internal/config"
	"github.com/lanlift/lanlift/internal/events"
	"github.com/lanlift/lanlift/internal/logging"
)

const writeTimeout = 10 * time.Second

// Controller is the command half of the surface, implemented by the job
// supervisor.
type Controller interface {
	Start(filePath, backendURL string) error
	Pause()
	Resume()
	Cancel()
}

// Server broadcasts bus events to connected WebSocket clients and forwards
// their commands to the controller.
type Server struct {
	cfg  config.Config
	bus  *events.Bus
	ctrl Controller
	log  *logging.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

// client serializes all writes to one connection through its send channel.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates the surface. Call Run to start serving.
func NewServer(cfg config.Config, bus *events.Bus, ctrl Controller, log *logging.Logger) *Server {
	return &Server{
		cfg:  cfg,
		bus:  bus,
		ctrl: ctrl,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local-only surface; the listener binds to loopback
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Run serves until ctx is cancelled. It binds to loopback only; the surface
// is not reachable from other hosts.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.WSPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{Handler: mux}

	go s.broadcastLoop(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("control surface listening")
	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// broadcastLoop fans bus events out to every connected client.
func (s *Server) broadcastLoop(ctx context.Context) {
	ch := s.bus.SubscribeAll()
	defer s.bus.UnsubscribeAll(ch)

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			frame := frameFor(event)
			if frame == nil {
				continue
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				s.log.Error().Err(err).Msg("marshal frame")
				continue
			}
			s.broadcast(payload)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) broadcast(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; drop the frame rather than stall the bus
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	s.sendConfig(c)

	go s.writeLoop(c)
	s.readLoop(c)
}

// sendConfig pushes the agent's effective configuration as the first frame.
func (s *Server) sendConfig(c *client) {
	frame := configFrame{
		Type:             "config",
		ChunkSizeMB:      s.cfg.PartSize / (1 << 20),
		MaxThreads:       s.cfg.WorkersMax,
		PresignBatchSize: s.cfg.PresignBatchSize,
		WSPort:           s.cfg.WSPort,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal config frame")
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// writeLoop owns all writes to the connection.
func (s *Server) writeLoop(c *client) {
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

// readLoop parses inbound commands until the connection drops.
func (s *Server) readLoop(c *client) {
	defer s.drop(c)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("client connection lost")
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.log.Warn().Err(err).Msg("malformed command")
			continue
		}
		s.dispatch(cmd)
	}
}

// dispatch routes one command to the controller. Unknown actions are ignored
// so newer extension versions do not break older agents.
func (s *Server) dispatch(cmd command) {
	switch cmd.Action {
	case "start":
		if cmd.FilePath == "" {
			s.bus.PublishError("", "upload_error", errors.New("start command requires filePath"))
			return
		}
		// Start publishes its own error frame on rejection
		_ = s.ctrl.Start(cmd.FilePath, cmd.BackendURL)
	case "pause":
		s.ctrl.Pause()
	case "resume":
		s.ctrl.Resume()
	case "cancel":
		s.ctrl.Cancel()
	default:
		s.log.Debug().Str("action", cmd.Action).Msg("ignoring unknown action")
	}
}

// drop unregisters the client and closes its send channel, which lets the
// write loop finish.
func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}
