package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"cipherchat/internal/websocket"
	"cipherchat/pkg/types"
)

// DefaultBufferSize is the event queue length used when none is configured
const DefaultBufferSize = 1000

// Hub fans room events out to every connection subscribed to the room
// ARCHITECTURAL DISCOVERY: One goroutine drains a single queue, so events
// published for a room reach each subscriber in publish order
type Hub struct {
	eventChannel    chan *roomEvent
	shutdownChannel chan struct{}
	done            chan struct{}

	registry *websocket.Registry

	delivered atomic.Int64
	dropped   atomic.Int64

	running bool
	mu      sync.RWMutex
}

type roomEvent struct {
	roomID int64
	event  *types.Event
}

// NewHub creates a hub delivering to the registry's room groups
func NewHub(registry *websocket.Registry, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		eventChannel: make(chan *roomEvent, bufferSize),
		registry:     registry,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	log.Info().Str("module", "hub").Int("buffer", cap(h.eventChannel)).Msg("starting event hub")

	go h.run(ctx, h.shutdownChannel, h.done)

	return nil
}

// Stop delivers already queued events, then shuts the loop down
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	<-done
	log.Info().Str("module", "hub").
		Int64("delivered", h.delivered.Load()).
		Int64("dropped", h.dropped.Load()).
		Msg("event hub stopped")
	return nil
}

// Publish queues event for roomID without blocking
func (h *Hub) Publish(roomID int64, event *types.Event) error {
	if event == nil {
		return ErrNilEvent
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	// TECHNICAL DISCOVERY: Non-blocking send with error handling prevents hub lockup
	select {
	case h.eventChannel <- &roomEvent{roomID: roomID, event: event}:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// Stats returns delivery counters
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"delivered": h.delivered.Load(),
		"dropped":   h.dropped.Load(),
		"queued":    int64(len(h.eventChannel)),
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case ev := <-h.eventChannel:
			h.deliver(ev)

		case <-shutdown:
			h.drain()
			return

		case <-ctx.Done():
			log.Info().Str("module", "hub").Msg("hub context cancelled")
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case ev := <-h.eventChannel:
			h.deliver(ev)
		default:
			return
		}
	}
}

// deliver writes one event to the room group snapshot.
// FUNCTIONAL DISCOVERY: A subscriber whose buffer is full is closed rather than
// waited on; its read loop then runs the normal disconnect path
func (h *Hub) deliver(ev *roomEvent) {
	for _, conn := range h.registry.RoomConnections(ev.roomID) {
		err := conn.WriteJSON(ev.event)
		switch {
		case err == nil:
			h.delivered.Add(1)
		case errors.Is(err, websocket.ErrSlowConsumer):
			h.dropped.Add(1)
			log.Warn().Str("module", "hub").Str("conn", conn.ID()).Int64("room", ev.roomID).Msg("closing slow consumer")
			_ = conn.Close()
		default:
			h.dropped.Add(1)
			log.Debug().Str("module", "hub").Str("conn", conn.ID()).Err(err).Msg("event not delivered")
		}
	}
}
