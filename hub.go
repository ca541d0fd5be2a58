package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WSMessage represents a message from the client
type WSMessage struct {
	Action     string `json:"action"`
	SessionKey string `json:"session_key,omitempty"`
	Name       string `json:"name,omitempty"`
	Target     string `json:"target,omitempty"`
}

// Event is a server-to-client message: a broadcast announcement, a private
// role or investigation notice, or an error toast.
type Event struct {
	Type       string `json:"type"`
	Level      string `json:"level,omitempty"`
	Message    string `json:"message"`
	SessionKey string `json:"session_key,omitempty"`
}

const (
	EventAnnounce = "announce"
	EventRole     = "role"
	EventReveal   = "reveal"
	EventToast    = "toast"
)

// Notifier delivers events to participants. Broadcasts go to everyone;
// ToActor reaches only the connections bound to one actor.
type Notifier interface {
	Announce(ev Event)
	ToActor(actorID string, ev Event)
}

// Client represents a websocket connection with actor info
type Client struct {
	conn       *websocket.Conn
	actorID    string
	name       string
	sessionKey string
	writeMu    sync.Mutex // Serialize writes to WebSocket (required by gorilla/websocket)
}

// bind associates the connection with a joined actor in a session.
func (c *Client) bind(sessionKey, actorID, name string) {
	c.sessionKey = sessionKey
	c.actorID = actorID
	c.name = name
}

// send writes one event to this connection.
func (c *Client) send(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Event marshal error: %v", err)
		return
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		log.Printf("WebSocket write error: %v", err)
	}
}

// WebSocket hub for broadcasting updates to all connected clients
type Hub struct {
	clients    map[*websocket.Conn]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	done       chan struct{}
	wg         sync.WaitGroup
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*Client),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn, 64),
		done:       make(chan struct{}),
	}
}

// stop signals the hub goroutine to exit and waits for it to finish
func (h *Hub) stop() {
	close(h.done)
	h.wg.Wait()
}

var hub = newHub()

// Announce broadcasts an event to every connected client.
func (h *Hub) Announce(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Event marshal error: %v", err)
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// ToActor sends an event to every connection bound to the given actor.
// Connections for simulated actors do not exist, so their private events
// fall away here.
func (h *Hub) ToActor(actorID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Event marshal error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.actorID != actorID {
			continue
		}
		LogWSMessage("OUT", client.name, string(payload))

		// Serialize writes to each connection
		client.writeMu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, payload)
		client.writeMu.Unlock()

		if err != nil {
			log.Printf("WebSocket write error to actor %s: %v", actorID, err)
		}
	}
}

func (h *Hub) run() {
	h.wg.Add(1)
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected. Total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			client, ok := h.clients[conn]
			if ok {
				delete(h.clients, conn)
				conn.Close()
				if client.actorID != "" {
					DebugLog("hub.unregister", "Actor '%s' (%s) disconnected", client.name, client.actorID)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected. Total: %d", total)

		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, client := range h.clients {
				// Serialize writes to each connection
				client.writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, message)
				client.writeMu.Unlock()

				if err != nil {
					log.Printf("WebSocket write error: %v", err)
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			// Removing a client writes the map, which needs the write lock.
			if len(failed) > 0 {
				h.mu.Lock()
				for _, conn := range failed {
					if _, ok := h.clients[conn]; ok {
						delete(h.clients, conn)
						conn.Close()
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

func handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Capture globals at entry to avoid race conditions in parallel tests
	currentHub := hub
	currentApp := app

	var upgrader = websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	DebugLog("handleWebSocket", "WebSocket upgraded successfully")
	client := &Client{conn: conn}
	currentHub.register <- client

	// Handle messages and disconnection
	go func() {
		defer func() {
			currentHub.unregister <- conn
		}()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			handleWSMessage(currentApp, client, message)
		}
	}()
}
