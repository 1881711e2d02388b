// Package tap relays readings seen on the broker to websocket clients, so an
// operator can watch the simulated stations live.
package tap

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/broker"
	"github.com/pumpsim/internal/models"
)

// Filter matches every device data topic.
const Filter = "devices/+/data"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Subscriber is the part of the MQTT client the hub needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Events() <-chan broker.Event
}

type Frame struct {
	Topic      string         `json:"topic"`
	Reading    models.Reading `json:"reading"`
	ReceivedAt time.Time      `json:"received_at"`
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Frame
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	sub        Subscriber
	log        zerolog.Logger
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Frame
}

func NewHub(sub Subscriber, log zerolog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan Frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		sub:        sub,
		log:        log.With().Str("component", "tap").Logger(),
	}
}

// Run serves registrations and broadcasts until ctx is done. The
// subscription is renewed after every reconnect because sessions are clean.
func (h *Hub) Run(ctx context.Context) {
	h.subscribe()

	var events <-chan broker.Event
	if h.sub != nil {
		events = h.sub.Events()
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind == broker.Reconnected {
				h.subscribe()
			}

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Int("clients", n).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Int("clients", n).Msg("client disconnected")

		case frame := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- frame:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) subscribe() {
	if h.sub == nil {
		return
	}
	if err := h.sub.Subscribe(Filter, 1, h.onMessage); err != nil {
		h.log.Error().Err(err).Str("filter", Filter).Msg("subscribe failed")
		return
	}
	h.log.Info().Str("filter", Filter).Msg("subscribed")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) onMessage(_ mqtt.Client, msg mqtt.Message) {
	h.handleMessage(msg.Topic(), msg.Payload())
}

func (h *Hub) handleMessage(topic string, payload []byte) {
	var reading models.Reading
	if err := json.Unmarshal(payload, &reading); err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("undecodable reading")
		return
	}

	select {
	case h.broadcast <- Frame{Topic: topic, Reading: reading, ReceivedAt: time.Now()}:
	default:
		h.log.Warn().Str("topic", topic).Msg("broadcast channel full, dropping reading")
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("upgrade failed")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan Frame, 256),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Msg("read failed")
			}
			return
		}
	}
}

// writePump sends one JSON frame per websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
