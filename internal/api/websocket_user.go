package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"patapim-server/internal/events"
	"patapim-server/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// pushedEvents are forwarded to the owning account's open dashboards
var pushedEvents = []events.EventType{
	events.EventLicenseUpdated,
	events.EventRewardGranted,
	events.EventTrialExtended,
	events.EventDevicePaired,
	events.EventDeviceRenamed,
	events.EventDeviceUnlinked,
	events.EventDeviceEvicted,
}

// hubClient is one dashboard connection. It is indexed under every key in
// owners (googleId and email) because events name their owner by either.
type hubClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *UserHub
	owners    []string
	closeChan chan struct{}
}

type ownerMessage struct {
	owner string
	data  []byte
}

// UserHub fans account events out to that account's websocket clients
type UserHub struct {
	clients    map[*hubClient]bool
	byOwner    map[string]map[*hubClient]bool
	ownerCast  chan ownerMessage
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewUserHub creates a hub. Run must be started before clients connect.
func NewUserHub(logger zerolog.Logger) *UserHub {
	return &UserHub{
		clients:    make(map[*hubClient]bool),
		byOwner:    make(map[string]map[*hubClient]bool),
		ownerCast:  make(chan ownerMessage, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "UserHub").Logger(),
	}
}

func ownerKey(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

// Run processes registrations and deliveries until Stop
func (h *UserHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			for _, owner := range client.owners {
				if h.byOwner[owner] == nil {
					h.byOwner[owner] = make(map[*hubClient]bool)
				}
				h.byOwner[owner][client] = true
			}
			h.mu.Unlock()
			metrics.WebsocketClients.Inc()

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case msg := <-h.ownerCast:
			h.mu.Lock()
			for client := range h.byOwner[msg.owner] {
				select {
				case client.send <- msg.data:
				default:
					// slow consumer; its writePump sees the closed channel and hangs up
					h.remove(client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.remove(client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// remove drops client from every index. Callers hold h.mu.
func (h *UserHub) remove(client *hubClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for _, owner := range client.owners {
		if set, ok := h.byOwner[owner]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.byOwner, owner)
			}
		}
	}
	close(client.send)
	metrics.WebsocketClients.Dec()
}

// Stop closes every connection and ends Run
func (h *UserHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// SendToOwner queues event for owner's connections. Nothing blocks: a full
// queue drops the event.
func (h *UserHub) SendToOwner(owner string, event events.Event) {
	owner = ownerKey(owner)
	if owner == "" {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to marshal event")
		return
	}
	select {
	case h.ownerCast <- ownerMessage{owner: owner, data: data}:
	case <-h.done:
	default:
		h.logger.Warn().Str("type", string(event.Type)).Msg("Owner broadcast channel full, dropping event")
	}
}

// ClientCount returns how many connections are open for owner
func (h *UserHub) ClientCount(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byOwner[ownerKey(owner)])
}

// Subscribe forwards account events from bus
func (h *UserHub) Subscribe(bus *events.EventBus) {
	for _, t := range pushedEvents {
		bus.Subscribe(t, func(e events.Event) {
			h.SendToOwner(e.Owner, e)
		})
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump discards client messages and keeps the read deadline fresh
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// handleUserWebSocket upgrades a signed-in dashboard to a push connection
func (s *Server) handleUserWebSocket(c *gin.Context) {
	sess := currentSession(c)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowOrigin(origin)
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &hubClient{
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		hub:       s.hub,
		owners:    []string{ownerKey(sess.GoogleID), ownerKey(sess.Email)},
		closeChan: make(chan struct{}),
	}

	welcome, _ := json.Marshal(map[string]interface{}{
		"type":      "CONNECTED",
		"timestamp": time.Now().UTC(),
		"data":      map[string]interface{}{"email": sess.Email},
	})
	client.send <- welcome

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
