package bridge

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "timeflow/config"
	"timeflow/internal/session"
	"timeflow/logger"
	"timeflow/models"
)

// Message is the wire envelope in both directions. Outbound types:
// progress, complete, fatal, snapshot, delta, estimate. Inbound types:
// click, viewport, set_channels, clear.
type Message struct {
	Type      string              `json:"type"`
	Event     *models.IngestEvent `json:"event,omitempty"`
	Error     string              `json:"error,omitempty"`
	Snapshot  *session.Snapshot   `json:"snapshot,omitempty"`
	Delta     *models.DeltaResult `json:"delta,omitempty"`
	Estimate  *int                `json:"estimate,omitempty"`
	X         float64             `json:"x,omitempty"`
	Y         float64             `json:"y,omitempty"`
	Rect      *session.Rect       `json:"rect,omitempty"`
	StartTime float64             `json:"start_time,omitempty"`
	EndTime   float64             `json:"end_time,omitempty"`
	Channels  []string            `json:"channels,omitempty"`
}

// Server is the boundary to the external plot surface: it pushes series
// snapshots, ingestion progress and delta results over a websocket and
// accepts click, viewport and channel-selection events back. The export
// endpoint serves the bounded export as a single in-memory blob.
type Server struct {
	cfg        appconfig.BridgeConfig
	log        *logger.Log
	session    *session.Session
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

func NewServer(cfg appconfig.BridgeConfig, sess *session.Session) *Server {
	s := &Server{
		cfg:     cfg,
		log:     logger.GetLogger(),
		session: sess,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferBytes,
			WriteBufferSize: cfg.ReadBufferBytes,
		},
		clients: make(map[*client]struct{}),
	}

	sess.OnEvent(func(event models.IngestEvent) {
		msg := Message{Type: string(event.Type), Event: &event}
		if event.Err != nil {
			msg.Error = event.Err.Error()
		}
		s.broadcast(msg)
	})
	sess.OnSnapshot(func(snap session.Snapshot) {
		s.broadcast(Message{Type: "snapshot", Snapshot: &snap})
	})

	return s
}

// Run starts the bridge HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/export", s.handleExport)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: mux,
	}

	s.log.WithComponent("bridge").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("bridge server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("bridge").WithError(err).Warn("websocket upgrade failed")
		return
	}

	buffer := s.cfg.ClientBuffer
	if buffer <= 0 {
		buffer = 32
	}
	c := &client{conn: conn, send: make(chan Message, buffer)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.log.WithComponent("bridge").WithFields(logger.Fields{
		"remote": conn.RemoteAddr().String(),
	}).Info("plot surface connected")

	// New surfaces get the current read model immediately.
	c.send <- Message{Type: "snapshot", Snapshot: snapshotPtr(s.session.Snapshot())}

	go s.writePump(c)
	s.readPump(c)
}

func snapshotPtr(snap session.Snapshot) *session.Snapshot {
	return &snap
}

func (s *Server) readPump(c *client) {
	defer s.dropClient(c)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithComponent("bridge").WithError(err).Warn("websocket read failed")
			}
			return
		}
		s.handleInbound(c, msg)
	}
}

func (s *Server) handleInbound(c *client, msg Message) {
	switch msg.Type {
	case "click":
		if msg.Rect == nil {
			return
		}
		if result := s.session.HandleClick(msg.X, msg.Y, *msg.Rect); result != nil {
			s.broadcast(Message{Type: "delta", Delta: result})
		}
	case "viewport":
		estimate := s.session.VisibleEstimate(msg.StartTime, msg.EndTime)
		s.sendTo(c, Message{Type: "estimate", Estimate: &estimate})
	case "set_channels":
		s.session.SetActive(msg.Channels)
	case "clear":
		s.session.ClearSelection()
	default:
		s.log.WithComponent("bridge").WithFields(logger.Fields{
			"type": msg.Type,
		}).Debug("ignoring unknown message type")
	}
}

func (s *Server) writePump(c *client) {
	writeTimeout := time.Duration(s.cfg.WriteTimeout)
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			s.log.WithComponent("bridge").WithError(err).Warn("websocket write failed")
			c.conn.Close()
			return
		}
	}
	c.conn.Close()
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

func (s *Server) sendTo(c *client, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// dropClient closes c.send under this lock; a departed client is
	// simply skipped.
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
		logger.RecordChannelMessage("bridge_out", 1)
	default:
		s.log.WithComponent("bridge").Warn("dropping message for slow plot surface")
	}
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.sendTo(c, msg)
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, rows, err := s.session.Export()
	if err != nil {
		s.log.WithComponent("bridge").WithError(err).Error("export failed")
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	if s.session.ExportFormat() == "parquet" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="export.parquet"`)
	} else {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="export.csv"`)
	}
	w.Header().Set("X-Export-Rows", strconv.Itoa(rows))
	w.Write(data)
}
