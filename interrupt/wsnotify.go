package interrupt

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deepagent/agent"
)

// InterruptEvent is pushed to operator consoles the moment a run suspends.
type InterruptEvent struct {
	AgentID   string                 `json:"agent_id"`
	ThreadID  string                 `json:"thread_id"`
	Interrupt *agent.PendingInterrupt `json:"interrupt"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Notifier pushes InterruptEvents to any attached websocket clients. It
// complements polling — a client can miss a push (a push that cannot be
// written is dropped, not queued) and should still be able to list pending interrupts
// via the ordinary HTTP API.
type Notifier struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{clients: make(map[*websocket.Conn]struct{})}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection until it disconnects or a write fails.
func (n *Notifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("hitl notifier upgrade failed", "error", err)
		return
	}

	n.mu.Lock()
	n.clients[conn] = struct{}{}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.clients, conn)
		n.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard client messages; this channel is push-only, but
	// reading is required to notice a closed connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish pushes ev to every attached client, dropping connections whose
// write fails or blocks.
func (n *Notifier) Publish(ev InterruptEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal interrupt event", "error", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for conn := range n.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(n.clients, conn)
			conn.Close()
		}
	}
}
