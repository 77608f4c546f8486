package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/types"
)

// Stream message types
const (
	StreamWelcome = "welcome"
	StreamAlert   = "alert"
)

// ErrStreamBacklog is returned by HandleAlert when the broadcast buffer is full
var ErrStreamBacklog = errors.New("alert stream backlog full")

// StreamMessage is one frame sent to live alert subscribers
type StreamMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type streamClient struct {
	id         string
	conn       *websocket.Conn
	send       chan StreamMessage
	tenantID   string // empty receives every tenant
	remoteAddr string
}

// AlertStream fans newly created alerts out to WebSocket subscribers. It is
// registered as an alert handler on the engine.
type AlertStream struct {
	clients    map[string]*streamClient
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
	broadcast  chan StreamMessage
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
	maxClients     int
}

// NewAlertStream creates a stream; call Start before serving subscribers
func NewAlertStream(logger *logrus.Logger) *AlertStream {
	return &AlertStream{
		clients: make(map[string]*streamClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:         logger,
		broadcast:      make(chan StreamMessage, 256),
		register:       make(chan *streamClient),
		unregister:     make(chan *streamClient),
		done:           make(chan struct{}),
		pingInterval:   30 * time.Second,
		pongTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		maxMessageSize: 512,
		maxClients:     100,
	}
}

// Start runs the hub loop until ctx is cancelled or Stop is called
func (s *AlertStream) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.logger.Info("Starting alert stream")
		go s.run(ctx)
	})
}

// Stop closes every subscriber
func (s *AlertStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// ClientCount returns the number of connected subscribers
func (s *AlertStream) ClientCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.clients)
}

// HandleAlert queues an alert for broadcast without blocking the engine
func (s *AlertStream) HandleAlert(ctx context.Context, alert *types.Alert) error {
	msg := StreamMessage{
		Type:      StreamAlert,
		Timestamp: time.Now().UTC(),
		Data:      alert,
	}

	select {
	case s.broadcast <- msg:
		return nil
	default:
		return ErrStreamBacklog
	}
}

// Serve upgrades the request and subscribes it to alerts of tenantID, or all
// tenants when tenantID is empty
func (s *AlertStream) Serve(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &streamClient{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan StreamMessage, 64),
		tenantID:   tenantID,
		remoteAddr: getClientIP(r),
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	go s.writePump(client)
	go s.readPump(client)
}

func (s *AlertStream) run(ctx context.Context) {
	defer s.closeAll()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-s.done:
			return
		case client := <-s.register:
			s.registerClient(client)
		case client := <-s.unregister:
			s.unregisterClient(client)
		case msg := <-s.broadcast:
			s.broadcastMessage(msg)
		}
	}
}

func (s *AlertStream) registerClient(client *streamClient) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.clients) >= s.maxClients {
		s.logger.WithField("client_id", client.id).Warn("Maximum alert stream subscribers reached")
		close(client.send)
		return
	}

	s.clients[client.id] = client
	s.logger.WithFields(logrus.Fields{
		"client_id":   client.id,
		"remote_addr": client.remoteAddr,
		"tenant_id":   client.tenantID,
		"total":       len(s.clients),
	}).Info("Alert stream subscriber registered")

	client.send <- StreamMessage{
		Type:      StreamWelcome,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"clientId": client.id,
			"tenantId": client.tenantID,
		},
	}
}

func (s *AlertStream) unregisterClient(client *streamClient) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.clients[client.id]; exists {
		delete(s.clients, client.id)
		close(client.send)

		s.logger.WithFields(logrus.Fields{
			"client_id": client.id,
			"total":     len(s.clients),
		}).Info("Alert stream subscriber unregistered")
	}
}

func (s *AlertStream) broadcastMessage(msg StreamMessage) {
	alert, _ := msg.Data.(*types.Alert)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, client := range s.clients {
		if alert != nil && client.tenantID != "" && client.tenantID != alert.TenantID {
			continue
		}
		select {
		case client.send <- msg:
		default:
			s.logger.WithField("client_id", client.id).Warn("Subscriber buffer full, disconnecting")
			go s.drop(client)
		}
	}
}

func (s *AlertStream) drop(client *streamClient) {
	select {
	case s.unregister <- client:
	case <-s.done:
	}
}

func (s *AlertStream) closeAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, client := range s.clients {
		close(client.send)
		delete(s.clients, id)
	}
	s.logger.Info("Alert stream stopped")
}

func (s *AlertStream) writePump(client *streamClient) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(msg); err != nil {
				s.logger.WithError(err).WithField("client_id", client.id).Debug("Alert stream write failed")
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only handles control frames; subscribers never send data
func (s *AlertStream) readPump(client *streamClient) {
	defer func() {
		s.drop(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(s.maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).WithField("client_id", client.id).Debug("Alert stream read error")
			}
			return
		}
	}
}
