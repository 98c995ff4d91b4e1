package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/savostin/betfair-stream-app/pkg/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// wsEnvelope is one message pushed to a websocket client.
type wsEnvelope struct {
	Type     string                 `json:"type"` // "snapshot" or "event"
	Snapshot *stream.MarketSnapshot `json:"snapshot,omitempty"`
	Event    *wsEvent               `json:"event,omitempty"`
}

type wsEvent struct {
	Kind   stream.EventKind `json:"kind"`
	Detail string           `json:"detail,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// wsHub fans snapshots and events out to connected websocket clients. Each
// client holds a one-slot mailbox: a slow reader sees the latest snapshot at
// a bounded rate instead of an ever-growing backlog.
type wsHub struct {
	logger       *logrus.Logger
	pushInterval time.Duration

	mu      sync.Mutex
	latest  *stream.MarketSnapshot
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn    *websocket.Conn
	mailbox chan wsEnvelope
	done    chan struct{}
}

func newWSHub(logger *logrus.Logger, pushInterval time.Duration) *wsHub {
	return &wsHub{
		logger:       logger,
		pushInterval: pushInterval,
		clients:      make(map[*wsClient]struct{}),
	}
}

func (h *wsHub) publish(snapshot stream.MarketSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = &snapshot
	for c := range h.clients {
		c.offer(wsEnvelope{Type: "snapshot", Snapshot: &snapshot})
	}
}

func (h *wsHub) publishEvent(event stream.Event) {
	e := &wsEvent{Kind: event.Kind, Detail: event.Detail}
	if event.Err != nil {
		e.Error = event.Err.Error()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.offer(wsEnvelope{Type: "event", Event: e})
	}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if h.latest != nil {
		c.offer(wsEnvelope{Type: "snapshot", Snapshot: h.latest})
	}
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// offer replaces whatever is queued: the mailbox holds at most the newest
// message.
func (c *wsClient) offer(env wsEnvelope) {
	for {
		select {
		case c.mailbox <- env:
			return
		default:
			select {
			case <-c.mailbox:
			default:
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:    conn,
		mailbox: make(chan wsEnvelope, 1),
		done:    make(chan struct{}),
	}
	s.hub.add(client)
	s.logger.WithField("remote", r.RemoteAddr).Info("Websocket client connected")

	go s.writeLoop(client)

	// Drain (and ignore) client messages so pings are answered and closes
	// are noticed.
	go func() {
		defer func() {
			close(client.done)
			s.hub.remove(client)
			conn.Close()
			s.logger.WithField("remote", r.RemoteAddr).Info("Websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeLoop(client *wsClient) {
	limiter := rate.NewLimiter(rate.Every(s.cfg.PushInterval), 1)
	for {
		select {
		case <-client.done:
			return
		case env := <-client.mailbox:
			if !limiter.Allow() {
				// Too soon since the last push: wait out the interval, then
				// send the newest message available.
				time.Sleep(limiter.Reserve().Delay())
				select {
				case newer := <-client.mailbox:
					env = newer
				default:
				}
			}
			if err := client.conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

// checkOrigin enforces the configured allow-list: an empty list allows
// everything, anything else must match exactly.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	_, ok := s.allowedOrigins[origin]
	return ok
}
