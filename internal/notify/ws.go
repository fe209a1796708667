package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	reconnectDelay = 2 * time.Second
)

// Handler upgrades HTTP requests to websocket peers of hub. Every event
// broadcast on the hub is written to each peer; events received from a peer
// are rebroadcast to everyone else. Peer failures drop the peer, never the
// hub.
func Handler(hub *Hub, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("events ws upgrade failed", "error", err)
			return
		}
		peer := &wsPeer{conn: conn}
		cancel := hub.Subscribe("", "", func(e Event) {
			if err := peer.write(e); err != nil {
				log.Debug("events ws write failed", "error", err)
			}
		})
		defer cancel()
		defer conn.Close()
		for {
			var e Event
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			if e.Kind != KindEntityChanged {
				continue
			}
			hub.Broadcast(e)
		}
	}
}

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) write(e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(e)
}

// Relay connects a client hub to a server event feed. While connected the
// hub reports Connected, locally broadcast events are forwarded upstream and
// upstream events are delivered locally. On any error the relay drops to
// Disconnected and retries; events raised in the gap are lost, which is the
// documented at-most-once contract.
type Relay struct {
	URL string
	Hub *Hub
	Log *slog.Logger

	// Dial is overridable for tests; defaults to websocket.DefaultDialer.
	Dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// Run maintains the connection until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	dial := r.Dial
	if dial == nil {
		dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		}
	}
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := dial(ctx, r.URL)
		if err != nil {
			log.Debug("events relay dial failed", "url", r.URL, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		r.serve(ctx, conn)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (r *Relay) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	peer := &wsPeer{conn: conn}
	r.Hub.attach(func(e Event) {
		// best-effort: a failed forward is a silent drop
		_ = peer.write(e)
	})
	r.Hub.setStatus(Connected)
	defer func() {
		r.Hub.detach()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var e Event
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			if e.Kind != KindEntityChanged {
				continue
			}
			r.Hub.Deliver(e)
		}
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}
