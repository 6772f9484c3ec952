package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/api"
)

// DefaultPingInterval is how often the agent reports host load on the
// notification stream.
const DefaultPingInterval = 5 * time.Second

// Hub fans agent events out to every connected notification stream. Node
// adapters and projects publish; the controller consumes over a websocket.
type Hub struct {
	logger       *zap.Logger
	pingInterval time.Duration

	mu       sync.Mutex
	watchers map[chan api.Event]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a notification hub.
func NewHub(pingInterval time.Duration, logger *zap.Logger) *Hub {
	if pingInterval == 0 {
		pingInterval = DefaultPingInterval
	}
	return &Hub{
		logger:       logger,
		pingInterval: pingInterval,
		watchers:     make(map[chan api.Event]struct{}),
	}
}

// Start begins the periodic ping loop.
func (h *Hub) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(1)
	go h.pingLoop(ctx)
}

// Stop halts the ping loop and closes every watcher.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		h.wg.Wait()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers {
		close(ch)
		delete(h.watchers, ch)
	}
}

// Publish sends an event to every watcher. Slow watchers are skipped rather
// than allowed to block a node operation.
func (h *Hub) Publish(action string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Could not marshal event payload",
			zap.String("action", action),
			zap.Error(err),
		)
		return
	}
	event := api.Event{Action: action, Event: raw}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers {
		select {
		case ch <- event:
		default:
			h.logger.Warn("Dropping event for slow notification watcher",
				zap.String("action", action),
			)
		}
	}
}

// Watch registers a new watcher channel.
func (h *Hub) Watch() chan api.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan api.Event, 128)
	h.watchers[ch] = struct{}{}
	return ch
}

// Unwatch removes a watcher channel.
func (h *Hub) Unwatch(ch chan api.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watchers[ch]; ok {
		delete(h.watchers, ch)
		close(ch)
	}
}

// pingLoop publishes host load at a fixed interval. Pings are informational;
// the controller updates its agent summary from them and forwards nothing.
func (h *Hub) pingLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Publish(api.ActionPing, h.hostLoad())
		}
	}
}

func (h *Hub) hostLoad() api.PingEvent {
	var ping api.PingEvent
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		ping.CPUUsagePercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ping.MemoryUsagePercent = vm.UsedPercent
	}
	return ping
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The controller authenticates with HTTP Basic, not origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and streams {action, event} frames until the
// peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.Watch()
	defer h.Unwatch(ch)

	// Drain the peer's side so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for event := range ch {
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Debug("Notification stream closed", zap.Error(err))
			return
		}
	}
}
