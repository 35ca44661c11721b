package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgestack/edgestack/server/internal/alerts"
	"github.com/edgestack/edgestack/server/internal/api"
	"github.com/edgestack/edgestack/server/internal/store"
)

const (
	writeTimeout = 10 * time.Second

	// pongWait bounds the silence tolerated from a client. pingPeriod must
	// stay below it.
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// queueDepth is how many snapshots may wait for a slow client before it
	// is dropped.
	queueDepth = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is left to the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Message is the JSON envelope of every frame sent to clients.
type Message struct {
	Event string               `json:"event"`
	Data  api.SnapshotResponse `json:"data"`
}

// Hub fans run snapshots out to WebSocket clients. The client set is owned
// by the Run goroutine; ServeHTTP hands connections to it over channels.
type Hub struct {
	store    *store.Store
	alerts   *alerts.Engine
	interval time.Duration

	notify chan struct{}
	join   chan *peer
	leave  chan *peer
	done   chan struct{}
	count  atomic.Int64
}

type peer struct {
	conn  *websocket.Conn
	queue chan *websocket.PreparedMessage
}

// New returns a Hub that snapshots st and eng (which may be nil) every
// interval and whenever Notify is called.
func New(st *store.Store, eng *alerts.Engine, interval time.Duration) *Hub {
	return &Hub{
		store:    st,
		alerts:   eng,
		interval: interval,
		notify:   make(chan struct{}, 1),
		join:     make(chan *peer),
		leave:    make(chan *peer),
		done:     make(chan struct{}),
	}
}

// Notify asks for an out-of-cycle broadcast. Calls made while one is
// already pending collapse into it.
func (h *Hub) Notify() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int { return int(h.count.Load()) }

// Run owns the client set until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	peers := make(map[*peer]struct{})
	drop := func(p *peer) {
		if _, ok := peers[p]; !ok {
			return
		}
		delete(peers, p)
		close(p.queue)
		h.count.Add(-1)
	}

	tick := time.NewTicker(h.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			for p := range peers {
				drop(p)
			}
			return

		case p := <-h.join:
			peers[p] = struct{}{}
			h.count.Add(1)
			if msg, err := h.snapshot(); err == nil {
				p.queue <- msg
			}

		case p := <-h.leave:
			drop(p)

		case <-tick.C:
			h.fanOut(peers, drop)
		case <-h.notify:
			h.fanOut(peers, drop)
		}
	}
}

// fanOut encodes one snapshot and queues it for every peer. Peers whose
// queue is full are disconnected.
func (h *Hub) fanOut(peers map[*peer]struct{}, drop func(*peer)) {
	if len(peers) == 0 {
		return
	}
	msg, err := h.snapshot()
	if err != nil {
		slog.Error("ws: encode snapshot", "err", err)
		return
	}
	for p := range peers {
		select {
		case p.queue <- msg:
		default:
			slog.Warn("ws: client too slow, disconnecting", "remote", p.conn.RemoteAddr().String())
			drop(p)
		}
	}
}

func (h *Hub) snapshot() (*websocket.PreparedMessage, error) {
	b, err := json.Marshal(Message{Event: "snapshot", Data: api.BuildSnapshot(h.store, h.alerts)})
	if err != nil {
		return nil, err
	}
	return websocket.NewPreparedMessage(websocket.TextMessage, b)
}

// ServeHTTP upgrades the request and streams snapshots until the client
// goes away or the hub stops. The first frame is sent on connect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // upgrader wrote the response
	}
	p := &peer{conn: conn, queue: make(chan *websocket.PreparedMessage, queueDepth)}

	select {
	case h.join <- p:
	case <-h.done:
		conn.Close()
		return
	}

	go p.write()
	p.read()

	select {
	case h.leave <- p:
	case <-h.done:
	}
}

// write forwards queued frames and keeps the connection alive with pings.
// It returns when the queue is closed or a write fails.
func (p *peer) write() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.queue:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck
				return
			}
			if err := p.conn.WritePreparedMessage(msg); err != nil {
				return
			}
		case <-ping.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// read discards inbound frames so pongs and close frames are processed.
func (p *peer) read() {
	defer p.conn.Close()
	p.conn.SetReadLimit(512)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}
