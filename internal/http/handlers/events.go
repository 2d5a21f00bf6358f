package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mjc/reencodarr/internal/events"
)

// defaultHeartbeatInterval keeps idle SSE connections alive through
// proxies.
const defaultHeartbeatInterval = 15 * time.Second

// EventsHandler streams pipeline events to operator UIs over SSE.
type EventsHandler struct {
	bus               *events.Bus
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewEventsHandler creates a new SSE events handler.
func NewEventsHandler(bus *events.Bus, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		bus:               bus,
		logger:            logger,
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// RegisterRoutes registers the raw SSE route on the router. SSE is
// registered outside huma because the response never terminates.
func (h *EventsHandler) RegisterRoutes(router *chi.Mux) {
	router.Get("/api/v1/events", h.handleSSE)
}

// handleSSE streams bus events until the client disconnects. Topics can
// be filtered with repeated ?topic= query parameters; slow consumers
// lose progress events first, never lifecycle events.
func (h *EventsHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var topics []events.Topic
	for _, raw := range r.URL.Query()["topic"] {
		topics = append(topics, events.Topic(raw))
	}

	sub := h.bus.Subscribe(topics...)
	defer h.bus.Unsubscribe(sub)

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	// Establish the connection so the browser fires onopen.
	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				h.logger.Debug("heartbeat flush failed, client likely disconnected", "error", err)
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				h.logger.Debug("sse write failed",
					"topic", event.Topic,
					"type", event.Type,
					"error", err,
				)
				return
			}
			if err := rc.Flush(); err != nil {
				h.logger.Debug("event flush failed, client likely disconnected", "error", err)
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s.%s\ndata: %s\n\n", event.Topic, event.Type, data)
	return err
}
