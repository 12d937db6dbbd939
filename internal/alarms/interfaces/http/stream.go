package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	alarmapp "engineroom-monitor/internal/alarms/application"
	alarms "engineroom-monitor/internal/alarms/domain"
)

const streamKeepalive = 30 * time.Second

type streamEvent struct {
	name     string
	severity alarms.Severity
	payload  []byte
}

// SSEBroker fans out alarm events to connected clients. Slow clients
// drop events rather than block the notifier.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[chan streamEvent]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[chan streamEvent]struct{})}
}

// Notify implements AlarmNotifier.
func (b *SSEBroker) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.broadcast(streamEvent{name: event.Type, severity: event.Alarm.Severity, payload: payload})
}

func (b *SSEBroker) subscribe() chan streamEvent {
	if b == nil {
		return nil
	}
	ch := make(chan streamEvent, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *SSEBroker) unsubscribe(ch chan streamEvent) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
}

func (b *SSEBroker) broadcast(event streamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

// StreamHandler serves the SSE alarm stream.
type StreamHandler struct {
	broker *SSEBroker
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

// ServeHTTP handles GET /api/v1/alarms/stream. An optional min_severity
// query parameter filters the stream to that severity and above.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	minSeverity := alarms.Severity(r.URL.Query().Get("min_severity"))
	if minSeverity != "" && !minSeverity.Valid() {
		http.Error(w, "unknown min_severity", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.broker.subscribe()
	if ch == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	defer h.broker.unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	done := r.Context().Done()
	for {
		select {
		case event := <-ch:
			if minSeverity != "" && event.severity.Rank() < minSeverity.Rank() {
				continue
			}
			_, _ = w.Write([]byte("event: " + event.name + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(event.payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-keepalive.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}
