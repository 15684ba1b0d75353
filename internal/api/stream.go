package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"meal-mate/backend/internal/pipeline"
)

// ResultEvent describes websocket payloads emitted after each pipeline run.
type ResultEvent struct {
	Type           string    `json:"type"`
	Source         string    `json:"source"`
	FoodName       string    `json:"food_name,omitempty"`
	CarbEstimation float64   `json:"carb_estimation,omitempty"`
	Insulin        float64   `json:"insulin,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	Message        string    `json:"message,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// wsClient wraps a websocket connection with write locking.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// ResultNotifier keeps track of active websocket clients and broadcasts
// pipeline outcomes. It implements pipeline.Observer.
type ResultNotifier struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	last    *ResultEvent
}

// NewResultNotifier constructs a notifier instance.
func NewResultNotifier() *ResultNotifier {
	return &ResultNotifier{clients: make(map[*wsClient]struct{})}
}

// Register attaches a websocket connection and replays the latest event.
func (n *ResultNotifier) Register(conn *websocket.Conn) *wsClient {
	client := &wsClient{conn: conn}
	n.mu.Lock()
	n.clients[client] = struct{}{}
	last := n.last
	n.mu.Unlock()

	if last != nil {
		_ = client.writeJSON(*last)
	}
	return client
}

// Unregister removes the websocket client from the notifier and closes the socket.
func (n *ResultNotifier) Unregister(client *wsClient) {
	if client == nil {
		return
	}
	n.mu.Lock()
	delete(n.clients, client)
	n.mu.Unlock()
	_ = client.conn.Close()
}

// ObserveRun converts an outcome into an event and broadcasts it.
func (n *ResultNotifier) ObserveRun(o pipeline.Outcome) {
	event := ResultEvent{
		Type:       "result",
		Source:     o.Source,
		DurationMs: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		event.Type = "error"
		event.Kind = string(pipeline.KindOf(o.Err))
		event.Message = o.Err.Error()
	} else {
		event.FoodName = o.Result.FoodName
		event.CarbEstimation = o.Result.CarbEstimation
		event.Insulin = round2(o.Result.Insulin)
	}
	n.Broadcast(event)
}

// Broadcast sends the supplied event to all registered websocket clients.
func (n *ResultNotifier) Broadcast(event ResultEvent) {
	event.Timestamp = time.Now().UTC()

	n.mu.Lock()
	defer n.mu.Unlock()
	snapshot := event
	n.last = &snapshot
	for client := range n.clients {
		if err := client.writeJSON(event); err != nil {
			delete(n.clients, client)
			_ = client.conn.Close()
		}
	}
}

// LastEvent returns a copy of the most recent event, or nil.
func (n *ResultNotifier) LastEvent() *ResultEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.last == nil {
		return nil
	}
	copy := *n.last
	return &copy
}

// Close disconnects every client.
func (n *ResultNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for client := range n.clients {
		_ = client.conn.Close()
		delete(n.clients, client)
	}
}

func (c *wsClient) writeJSON(payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(payload)
}

func (s *Server) handleClassifyStream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		HandshakeTimeout:  5 * time.Second,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("upgrade websocket")
		return
	}

	client := s.notifier.Register(conn)
	logrus.WithField("remote", conn.RemoteAddr().String()).Info("result websocket connected")
	defer s.notifier.Unregister(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithField("remote", conn.RemoteAddr().String()).Info("result websocket closed")
			} else {
				logrus.WithError(err).Warn("result websocket unexpected close")
			}
			break
		}
	}
}
