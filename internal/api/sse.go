package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SSEHub fans snapshots out to server-sent-event clients. Each event is
// three lines on the wire: "event: <name>", "data: <json>", blank.
// Heartbeat comments (": heartbeat") defeat proxy idle timeouts.
type SSEHub struct {
	server          *Server
	heartbeatPeriod time.Duration

	mu      sync.Mutex
	clients map[string]chan []byte
}

func newSSEHub(server *Server, heartbeatPeriod time.Duration) *SSEHub {
	if heartbeatPeriod <= 0 {
		heartbeatPeriod = 30 * time.Second
	}
	return &SSEHub{
		server:          server,
		heartbeatPeriod: heartbeatPeriod,
		clients:         make(map[string]chan []byte),
	}
}

// broadcast queues the payload for every client. A client that cannot
// keep up is dropped silently.
func (h *SSEHub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- payload:
		default:
			delete(h.clients, id)
			close(ch)
		}
	}
}

func (h *SSEHub) add(id string) chan []byte {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	h.server.clientConnected()
	return ch
}

func (h *SSEHub) remove(id string) {
	h.mu.Lock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
	h.mu.Unlock()
	h.server.clientDisconnected()
}

func (h *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := uuid.NewString()
	ch := h.add(id)
	defer h.remove(id)

	hello, _ := json.Marshal(map[string]string{"clientId": id})
	writeSSE(w, "connected", hello)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, "update", payload); err != nil {
				log.Printf("[sse] client %s: %v", id, err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
