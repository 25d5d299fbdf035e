package whatsapp

import (
	"net/http"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = hubPongWait * 9 / 10
	hubSendBuffer = 32
)

// Hub fans realtime events out to websocket subscribers. It is the only
// subscriber of RealtimeTopic that talks to the network.
type Hub struct {
	pairing  *PairingBroadcaster
	bus      EventBus.Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*hubClient
	closed  bool
}

type hubClient struct {
	id       string
	identity SessionIdentity
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(bus EventBus.Bus, pairing *PairingBroadcaster) (*Hub, error) {
	h := &Hub{
		pairing: pairing,
		bus:     bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*hubClient),
	}
	if err := bus.Subscribe(RealtimeTopic, h.broadcast); err != nil {
		return nil, errors.Wrap(err, "whatsapp: subscribe realtime topic")
	}
	return h, nil
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev RealtimeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		zap.L().Error("whatsapp: encode realtime event", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if c.identity != "" && c.identity != ev.Identity {
			continue
		}
		select {
		case c.send <- data:
		default:
			zap.L().Warn("whatsapp: realtime subscriber too slow, dropping", zap.String("client", id))
			delete(h.clients, id)
			c.close()
		}
	}
}

// ServeWS upgrades the request and streams events of identity (all
// identities when empty) until the peer goes away. The current snapshot is
// written first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, identity SessionIdentity) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errors.Wrap(err, "whatsapp: websocket upgrade")
	}
	c := &hubClient{id: uuid.NewString(), identity: identity, conn: conn}

	var registered bool
	h.pairing.WithSnapshot(identity, func(snaps []Snapshot) {
		now := time.Now()
		var initial [][]byte
		for _, s := range snaps {
			for _, ev := range s.Events(now) {
				if data, err := json.Marshal(ev); err == nil {
					initial = append(initial, data)
				}
			}
		}
		c.send = make(chan []byte, len(initial)+hubSendBuffer)
		for _, data := range initial {
			c.send <- data
		}
		h.mu.Lock()
		if !h.closed {
			h.clients[c.id] = c
			registered = true
		}
		h.mu.Unlock()
	})
	if !registered {
		conn.Close()
		return errors.New("whatsapp: realtime hub closed")
	}
	zap.L().Debug("whatsapp: realtime subscriber joined",
		zap.String("client", c.id), zap.String("identity", string(identity)))

	go h.writePump(c)
	h.readPump(c)
	return nil
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
	}
	h.mu.Unlock()
}

// readPump only watches for the peer closing and answers pongs.
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber and stops accepting new ones.
func (h *Hub) Close() {
	_ = h.bus.Unsubscribe(RealtimeTopic, h.broadcast)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
}
