package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vk/agentgridgo/internal/events"
	"github.com/vk/agentgridgo/internal/runtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The HTTP layer already runs permissive CORS; the stream follows suit.
	CheckOrigin: func(*http.Request) bool { return true },
}

// stateFrame is the periodic full-state message on the stream.
type stateFrame struct {
	Type string `json:"type"`
	*runtime.Snapshot
}

// eventFrame relays one discrete runtime event.
type eventFrame struct {
	Type      events.Type     `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// wsSink adapts a websocket connection to the broadcast.Sink contract.
// gorilla connections allow one concurrent writer, hence the mutex.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) SendState(snap *runtime.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(stateFrame{Type: "state_update", Snapshot: snap})
}

func (s *wsSink) SendEvent(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(eventFrame{
		Type:      ev.Type,
		AgentID:   ev.AgentID,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	})
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

func (s *Server) handleStream(c *gin.Context) {
	runID := c.Param("run_id")

	if _, ok := s.kernel.Snapshot(runID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	sink := &wsSink{conn: conn}

	// Reads are discarded; a read error (client went away) cancels the stream.
	ctx, cancel := context.WithCancel(c.Request.Context())
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.streamer.Stream(ctx, runID, sink); err != nil && ctx.Err() == nil {
		s.logger.Debug("Stream ended with error.", "run_id", runID, "error", err)
	}
	cancel()
}
