// Package feed pushes conversation timelines to websocket clients.
package feed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"megagram/chat"
	"megagram/metrics"
	"megagram/models"
)

const (
	frameTypeTimeline = "timeline"
	sendBuffer        = 16
	writeWait         = 10 * time.Second
)

// Frame is one message sent to feed clients.
type Frame struct {
	Type         string           `json:"type"`
	Conversation string           `json:"conversation"`
	Messages     []models.Message `json:"messages"`
}

// Source publishes timeline updates.
type Source interface {
	Subscribe() (<-chan chat.Update, func())
}

type client struct {
	conn         *websocket.Conn
	conversation string
	send         chan Frame
}

// Hub fans timeline updates out to the websocket clients watching each
// conversation. A newly connected client first receives the latest known
// timeline of its conversation.
type Hub struct {
	upgrader websocket.Upgrader

	mux     sync.Mutex
	clients map[*client]struct{}
	latest  map[string]Frame
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		latest:  make(map[string]Frame),
	}
}

// Run forwards updates from src until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, src Source) error {
	updates, cancel := src.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			h.Broadcast(update)
		}
	}
}

// Broadcast sends update to every client watching its conversation.
func (h *Hub) Broadcast(update chat.Update) {
	frame := Frame{
		Type:         frameTypeTimeline,
		Conversation: update.ConversationKey,
		Messages:     update.Messages,
	}
	if frame.Messages == nil {
		frame.Messages = []models.Message{}
	}

	h.mux.Lock()
	defer h.mux.Unlock()
	h.latest[frame.Conversation] = frame
	for c := range h.clients {
		if c.conversation != frame.Conversation {
			continue
		}
		select {
		case c.send <- frame:
		default:
			jww.WARN.Printf("[FEED] client of %s is behind, dropping frame", c.conversation)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mux.Lock()
	defer h.mux.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades /ws?conversation=<key> requests.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversation := r.URL.Query().Get("conversation")
	if conversation == "" {
		http.Error(w, "conversation query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.WARN.Printf("[FEED] upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, conversation: conversation, send: make(chan Frame, sendBuffer)}
	h.register(c)
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) register(c *client) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.clients[c] = struct{}{}
	if frame, ok := h.latest[c.conversation]; ok {
		c.send <- frame
	}
	metrics.SetFeedClients(len(h.clients))
	jww.DEBUG.Printf("[FEED] client joined %s (%d connected)", c.conversation, len(h.clients))
}

func (h *Hub) unregister(c *client) {
	h.mux.Lock()
	defer h.mux.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.SetFeedClients(len(h.clients))
}

func (h *Hub) closeAll() {
	h.mux.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mux.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// readLoop discards client input and unregisters the client once the
// connection fails.
func (h *Hub) readLoop(c *client) {
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(frame); err != nil {
			jww.WARN.Printf("[FEED] write to client of %s failed: %v", c.conversation, err)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
