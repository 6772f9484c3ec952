package controller

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/api"
	"github.com/wirelab/wirelab/pkg/observability"
	"github.com/wirelab/wirelab/pkg/rpcerr"
)

// Channel connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateClosed       = "closed"
)

const (
	// DefaultRequestTimeout bounds ordinary control calls. Long operations
	// (image upload, node start) pass their own timeout or none at all.
	DefaultRequestTimeout = 20 * time.Second

	// reconnectDelay is the fixed pause before a reconnect attempt, so a
	// dead agent is never hammered in a hot loop.
	reconnectDelay = 2 * time.Second

	// maxConsecutiveFailures is the strike budget: once this many
	// handshakes fail in a row, every project hosted on the agent is
	// closed so the controller's view cannot silently diverge.
	maxConsecutiveFailures = 5
)

// ChannelConfig identifies one compute agent.
type ChannelConfig struct {
	ID       string // assigned when empty
	Protocol string // http or https
	Host     string
	Port     int
	User     string
	Password string

	// ControllerVersion is this controller's own version, for the
	// handshake compatibility gate.
	ControllerVersion string
}

// Validate validates the channel configuration.
func (c *ChannelConfig) Validate() error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Protocol == "" {
		c.Protocol = "http"
	}
	if c.Protocol != "http" && c.Protocol != "https" {
		return fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
	if c.Host == "" {
		return fmt.Errorf("agent host is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("agent port is required")
	}
	if c.ControllerVersion == "" {
		return fmt.Errorf("controller version is required")
	}
	return nil
}

// Channel is the controller's reliable, versioned request/response and
// event-stream connection to one compute agent. It outlives any number of
// connect/disconnect cycles; only explicit removal closes it for good.
type Channel struct {
	config  ChannelConfig
	version api.Version
	client  *http.Client
	logger  *zap.Logger
	bus     *observability.EventBus

	// onStrikeOut runs when the failure counter reaches its budget; the
	// controller closes every project hosting on this agent there.
	onStrikeOut func(*Channel)
	// knownProject filters late events for projects the controller has
	// already deleted locally; they are dropped, never re-created.
	knownProject func(projectID string) bool
	// dialWS is swappable in tests.
	dialWS func(url string, header http.Header) (wsConn, error)

	mu           sync.Mutex
	state        string
	capabilities *api.Capabilities
	lastError    error
	failures     int
	cpuUsage     float64
	memoryUsage  float64
	stream       wsConn
	retry        *time.Timer
	// handshake is non-nil while a Connect is in flight and is closed when
	// it settles, so concurrent callers coalesce onto one handshake.
	handshake chan struct{}
}

// wsConn is the slice of *websocket.Conn the event pump needs.
type wsConn interface {
	ReadJSON(v interface{}) error
	Close() error
}

// NewChannel creates a channel in the disconnected state. No network call
// happens until the first request or an explicit Connect.
func NewChannel(config ChannelConfig, bus *observability.EventBus, logger *zap.Logger) (*Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel configuration: %w", err)
	}
	version, err := api.ParseVersion(config.ControllerVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid controller version: %w", err)
	}

	c := &Channel{
		config:  config,
		version: version,
		client:  &http.Client{},
		logger:  logger.With(zap.String("agent_id", config.ID)),
		bus:     bus,
		state:   StateDisconnected,
	}
	c.dialWS = func(url string, header http.Header) (wsConn, error) {
		conn, _, err := websocket.DefaultDialer.Dial(url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	c.knownProject = func(string) bool { return true }
	return c, nil
}

// ID returns the agent identifier.
func (c *Channel) ID() string { return c.config.ID }

// Addr returns the agent's host:port.
func (c *Channel) Addr() string {
	return net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
}

// State returns the current connection state.
func (c *Channel) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the handshake has succeeded and the event
// stream is up.
func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Capabilities returns the capability set cached at the last handshake.
func (c *Channel) Capabilities() *api.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// LastError returns the most recent connection error.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Failures returns the consecutive handshake failure count.
func (c *Channel) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// HostLoad returns the CPU and memory usage reported by the agent's last
// ping event.
func (c *Channel) HostLoad() (cpu, memory float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cpuUsage, c.memoryUsage
}

func (c *Channel) baseURL() string {
	return fmt.Sprintf("%s://%s/v3", c.config.Protocol, c.Addr())
}

func (c *Channel) wsURL() string {
	scheme := "ws"
	if c.config.Protocol == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/v3/notifications/ws", scheme, c.Addr())
}

func (c *Channel) authHeader() http.Header {
	header := http.Header{}
	if c.config.User != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(c.config.User + ":" + c.config.Password))
		header.Set("Authorization", "Basic "+cred)
	}
	return header
}

// Connect performs the capability handshake if the channel is not already
// connected. On success the failure counter resets, capabilities are cached
// and the event pump starts. A version mismatch leaves the channel
// disconnected without scheduling a retry; transport failures increment the
// strike counter and schedule one.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	for c.state == StateConnecting {
		// Another caller is already mid-handshake. Wait for its outcome
		// rather than racing a second capability fetch and stream dial.
		done := c.handshake
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		if c.state == StateDisconnected && c.lastError != nil {
			err := c.lastError
			c.mu.Unlock()
			return err
		}
	}
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return rpcerr.ErrChannelClosed
	}
	c.state = StateConnecting
	done := make(chan struct{})
	c.handshake = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.handshake = nil
		c.mu.Unlock()
		close(done)
	}()

	caps, err := c.fetchCapabilities(ctx)
	if err != nil {
		c.handshakeFailed(err)
		return err
	}

	if caps.Version == "" {
		err := fmt.Errorf("%w: %s", rpcerr.ErrNotAnAgent, c.Addr())
		c.rejectAgent(err, "not_an_agent")
		return err
	}
	agentVersion, err := api.ParseVersion(caps.Version)
	if err != nil {
		err = fmt.Errorf("%w: unparsable version %q", rpcerr.ErrNotAnAgent, caps.Version)
		c.rejectAgent(err, "not_an_agent")
		return err
	}
	ok, warn := c.version.CompatibleWith(agentVersion)
	if !ok {
		err := &rpcerr.VersionMismatchError{
			Controller: c.version.String(),
			Agent:      agentVersion.String(),
		}
		c.rejectAgent(err, "version_mismatch")
		return err
	}
	if warn {
		c.logger.Warn("Agent version differs from controller",
			zap.String("controller_version", c.version.String()),
			zap.String("agent_version", agentVersion.String()),
		)
	}

	stream, err := c.dialWS(c.wsURL(), c.authHeader())
	if err != nil {
		c.handshakeFailed(&rpcerr.TransportError{Op: "GET /v3/notifications/ws", Err: err})
		return err
	}

	c.mu.Lock()
	c.state = StateConnected
	c.capabilities = caps
	c.failures = 0
	c.lastError = nil
	c.stream = stream
	c.mu.Unlock()

	observability.AgentConnectionsTotal.WithLabelValues("success").Inc()
	observability.AgentsConnected.Inc()
	c.logger.Info("Agent connected",
		zap.String("agent_version", caps.Version),
		zap.Strings("node_types", caps.NodeTypes),
	)
	c.publishSummaryChanged()

	go c.pumpEvents(stream)
	return nil
}

// fetchCapabilities issues the raw handshake request, outside the normal
// Request path so it cannot recurse into Connect.
func (c *Channel) fetchCapabilities(ctx context.Context) (*api.Capabilities, error) {
	reqCtx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL()+"/capabilities", nil)
	if err != nil {
		return nil, &rpcerr.TransportError{Op: "GET /v3/capabilities", Err: err}
	}
	if c.config.User != "" {
		req.SetBasicAuth(c.config.User, c.config.Password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &rpcerr.TransportError{Op: "GET /v3/capabilities", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body api.ErrorBody
		json.NewDecoder(resp.Body).Decode(&body)
		return nil, rpcerr.FromResponse("GET /v3/capabilities", resp.StatusCode, &body)
	}
	var caps api.Capabilities
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return nil, &rpcerr.TransportError{Op: "GET /v3/capabilities", Err: fmt.Errorf("malformed capabilities body: %w", err)}
	}
	return &caps, nil
}

// handshakeFailed records a transport-level failure, schedules a reconnect
// and, at the strike budget, triggers the project close fan-out.
func (c *Channel) handshakeFailed(err error) {
	observability.AgentConnectionsTotal.WithLabelValues("transport_error").Inc()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.lastError = err
	c.failures++
	failures := c.failures
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.logger.Warn("Agent handshake failed",
		zap.Int("consecutive_failures", failures),
		zap.Error(err),
	)

	if failures == maxConsecutiveFailures && c.onStrikeOut != nil {
		c.logger.Error("Agent unreachable too long, closing its projects",
			zap.Int("consecutive_failures", failures),
		)
		c.onStrikeOut(c)
	}
}

// rejectAgent records a fatal handshake failure that no retry can fix. The
// channel stays disconnected until an operator intervenes.
func (c *Channel) rejectAgent(err error, reason string) {
	observability.AgentConnectionsTotal.WithLabelValues(reason).Inc()

	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	c.lastError = err
	c.mu.Unlock()

	c.logger.Error("Agent rejected at handshake", zap.Error(err))
	c.publishSummaryChanged()
}

func (c *Channel) scheduleReconnectLocked() {
	if c.retry != nil {
		c.retry.Stop()
	}
	c.retry = time.AfterFunc(reconnectDelay, func() {
		if c.State() == StateDisconnected {
			c.Connect(context.Background())
		}
	})
}

// pumpEvents forwards the agent's notification stream onto the controller
// bus until it breaks, then schedules a reconnect.
func (c *Channel) pumpEvents(stream wsConn) {
	for {
		var event api.Event
		if err := stream.ReadJSON(&event); err != nil {
			c.streamEnded(stream, err)
			return
		}
		c.handleEvent(event)
	}
}

func (c *Channel) handleEvent(event api.Event) {
	if event.Action == api.ActionPing {
		var ping api.PingEvent
		if err := json.Unmarshal(event.Event, &ping); err == nil {
			c.mu.Lock()
			c.cpuUsage = ping.CPUUsagePercent
			c.memoryUsage = ping.MemoryUsagePercent
			c.mu.Unlock()
		}
		return
	}

	var ref struct {
		ProjectID string `json:"project_id"`
	}
	json.Unmarshal(event.Event, &ref)

	// Late events for a project deleted locally are dropped; re-creating
	// state here would contradict the close/delete contract.
	if ref.ProjectID != "" && !c.knownProject(ref.ProjectID) {
		c.logger.Debug("Dropping event for unknown project",
			zap.String("action", event.Action),
			zap.String("project_id", ref.ProjectID),
		)
		return
	}

	observability.AgentEventsForwardedTotal.WithLabelValues(event.Action).Inc()
	c.bus.Publish(observability.ControllerEvent{
		Action:    event.Action,
		AgentID:   c.config.ID,
		ProjectID: ref.ProjectID,
		Event:     event.Event,
	})
}

func (c *Channel) streamEnded(stream wsConn, err error) {
	stream.Close()

	c.mu.Lock()
	if c.stream != stream || c.state == StateClosed {
		// A newer stream took over, or the channel was shut down.
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.state = StateDisconnected
	c.lastError = err
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	observability.AgentsConnected.Dec()
	c.logger.Warn("Agent event stream ended", zap.Error(err))
	c.publishSummaryChanged()
}

func (c *Channel) publishSummaryChanged() {
	if c.bus == nil {
		return
	}
	summary, _ := json.Marshal(map[string]interface{}{
		"compute_id": c.config.ID,
		"connected":  c.State() == StateConnected,
		"last_error": errString(c.LastError()),
	})
	c.bus.Publish(observability.ControllerEvent{
		Action:  "compute.updated",
		AgentID: c.config.ID,
		Event:   summary,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Request issues an RPC with the default timeout. A non-nil out receives
// the decoded response body.
func (c *Channel) Request(ctx context.Context, method, path string, body, out interface{}) error {
	return c.RequestTimeout(ctx, method, path, body, out, DefaultRequestTimeout)
}

// RequestTimeout issues an RPC with an explicit timeout; timeout <= 0 means
// unlimited, for long operations like image uploads and VM boots.
func (c *Channel) RequestTimeout(ctx context.Context, method, path string, body, out interface{}, timeout time.Duration) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	return c.do(ctx, method, path, reader, "application/json", out, timeout)
}

// Upload streams a file to the agent with no timeout.
func (c *Channel) Upload(ctx context.Context, path string, r io.Reader) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, r, "application/octet-stream", nil, 0)
}

func (c *Channel) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}, timeout time.Duration) error {
	op := method + " /v3" + path
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "agent."+op)
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, body)
	if err != nil {
		return &rpcerr.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if id := observability.GetRequestID(ctx); id != "" {
		req.Header.Set(observability.RequestIDHeader, id)
	}
	if c.config.User != "" {
		req.SetBasicAuth(c.config.User, c.config.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.AgentRequestsTotal.WithLabelValues(method, "transport_error").Inc()
		return &rpcerr.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	observability.AgentRequestDurationSeconds.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if resp.StatusCode >= 300 {
		var errBody api.ErrorBody
		json.NewDecoder(resp.Body).Decode(&errBody)
		mapped := rpcerr.FromResponse(op, resp.StatusCode, &errBody)
		observability.AgentRequestsTotal.WithLabelValues(method, resultLabel(mapped)).Inc()
		return mapped
	}

	observability.AgentRequestsTotal.WithLabelValues(method, "success").Inc()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &rpcerr.TransportError{Op: op, Err: fmt.Errorf("malformed response body: %w", err)}
		}
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case rpcerr.IsConflictError(err):
		return "conflict"
	case rpcerr.IsNotFoundError(err):
		return "not_found"
	case rpcerr.IsForbiddenError(err):
		return "forbidden"
	case rpcerr.IsBadRequestError(err):
		return "bad_request"
	default:
		return "transport_error"
	}
}

// Close shuts the channel down for good; it is only called when the agent
// is removed from the controller.
func (c *Channel) Close() {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateClosed
	if c.retry != nil {
		c.retry.Stop()
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.mu.Unlock()

	if wasConnected {
		observability.AgentsConnected.Dec()
	}
	c.logger.Info("Agent channel closed")
}
