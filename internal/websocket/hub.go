package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/internal/model"
)

const (
	sendBuffer   = 256
	pingInterval = 30 * time.Second
)

// Client represents a WebSocket client
type Client struct {
	TaskID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by task ID
	clients map[string]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Broadcast messages to task subscribers
	broadcast chan *BroadcastMessage

	// Closed once Run has returned
	done chan struct{}

	logger *zap.Logger
	mu     sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	TaskID  string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, sendBuffer),
		done:       make(chan struct{}),
		logger:     logging.OrNop(logger),
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.TaskID] == nil {
				h.clients[client.TaskID] = make(map[*Client]bool)
			}
			h.clients[client.TaskID][client] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client registered", zap.String(logging.FieldTaskID, client.TaskID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("websocket client unregistered", zap.String(logging.FieldTaskID, client.TaskID))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.TaskID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.TaskID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
		if len(clients) == 0 {
			delete(h.clients, client.TaskID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			h.remove(client)
		}
	}
}

// Subscribers returns how many clients follow a task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[taskID])
}

// Register adds a new client. Once the hub has stopped the client is
// turned away with its Send channel closed.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// BroadcastProgress sends a progress update to all task subscribers
func (h *Hub) BroadcastProgress(taskID string, progress int, status model.TaskStatus, stage, message string) {
	h.publish(taskID, model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		TaskID:   taskID,
		Progress: progress,
		Status:   status,
		Stage:    stage,
		Message:  message,
	})
}

// BroadcastComplete sends a completion message to all task subscribers
func (h *Hub) BroadcastComplete(taskID string, result *model.TaskResult) {
	h.publish(taskID, model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		TaskID: taskID,
		Result: result,
	})
}

// BroadcastError sends a failure or cancellation message to all task subscribers
func (h *Hub) BroadcastError(taskID string, status model.TaskStatus, code, message string) {
	h.publish(taskID, model.WSErrorMessage{
		Type:   model.WSMessageTypeError,
		TaskID: taskID,
		Status: status,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

// publish never blocks the caller; status writes must not wait on sockets.
func (h *Hub) publish(taskID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", zap.String(logging.FieldTaskID, taskID), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{TaskID: taskID, Message: data}:
	default:
		h.logger.Warn("websocket broadcast queue full, dropping message", zap.String(logging.FieldTaskID, taskID))
	}
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, taskID string) {
	client := &Client{
		TaskID: taskID,
		Conn:   c,
		Send:   make(chan []byte, sendBuffer),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Send may be closed by the hub at any time, so pongs travel separately.
	pongs := make(chan struct{}, 1)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.String(logging.FieldTaskID, taskID), zap.Error(err))
			}
			break
		}

		// Handle client messages (ping/pong)
		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
