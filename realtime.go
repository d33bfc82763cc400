package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures push transports.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	// StaleAfter is how long an SSE stream may stay silent before it is
	// treated as dropped.
	StaleAfter time.Duration
	ReadLimit  int64
	HTTPClient *http.Client
	Logger     *logrus.Entry
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
}

// RealtimeState is the connection state reported by a transport.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// realtimeCommand is a client-to-server frame (WebSocket only).
type realtimeCommand struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// Shared transport plumbing
// ============================================================================

type transportBase struct {
	config *RealtimeConfig
	recon  *reconnector
	log    *logrus.Entry

	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	life             context.Context
	cancelLife       context.CancelFunc
	onEvent          func(Event)
	onState          func(RealtimeState)
}

func newTransportBase(config RealtimeConfig, kind string) transportBase {
	cfg := config
	cfg.defaults()
	return transportBase{
		config: &cfg,
		recon:  newReconnector(&cfg),
		log:    cfg.Logger.WithFields(logrus.Fields{"component": "transport", "transport": kind}),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (t *transportBase) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// begin records the callbacks and opens a lifetime context. It reports
// false when the transport is already up.
func (t *transportBase) begin(onEvent func(Event), onState func(RealtimeState)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateConnected || t.state == StateConnecting {
		return false
	}
	t.onEvent = onEvent
	t.onState = onState
	t.intentionalClose = false
	t.life, t.cancelLife = context.WithCancel(context.Background())
	t.recon.reset()
	return true
}

func (t *transportBase) lifetime() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.life
}

func (t *transportBase) closing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intentionalClose
}

func (t *transportBase) setState(s RealtimeState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	h := t.onState
	t.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (t *transportBase) emit(ev Event) {
	t.mu.Lock()
	h := t.onEvent
	closing := t.intentionalClose
	t.mu.Unlock()
	if h != nil && !closing {
		h(ev)
	}
}

// dispatch decodes a raw envelope and delivers it.
func (t *transportBase) dispatch(env Envelope) {
	ev, err := env.Event()
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			t.log.WithField("type", env.Type).Debug("skipping event")
		} else {
			t.log.WithError(err).Warn("malformed push payload")
		}
		return
	}
	t.emit(ev)
}

// markClosing flags the coming close as intentional so readers do not
// reconnect.
func (t *transportBase) markClosing() {
	t.mu.Lock()
	t.intentionalClose = true
	t.mu.Unlock()
}

// stop marks the close as intentional and cancels every loop.
func (t *transportBase) stop() {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelLife != nil {
		t.cancelLife()
		t.cancelLife = nil
	}
	t.mu.Unlock()
}

// reconnect retries dial with backoff until it succeeds, attempts run out,
// or the transport is closed.
func (t *transportBase) reconnect(ctx context.Context, dial func(context.Context) error) {
	for t.config.AutoReconnect && t.recon.shouldReconnect() {
		attempt, delay := t.recon.nextDelay()
		t.setState(StateReconnecting)
		t.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := dial(ctx)
		if err == nil {
			return
		}
		if t.closing() {
			return
		}
		t.log.WithError(err).Warn("reconnect failed")
	}
	t.setState(StateDisconnected)
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket push channel with heartbeat and auto-reconnect.
// The server must open with a connection:ready event.
type WSTransport struct {
	transportBase
	url string

	connMu sync.Mutex
	conn   *websocket.Conn

	pendingMu    sync.Mutex
	pingCounter  int
	pendingPings map[string]chan pongPayload
}

// NewWSTransport creates a WebSocket transport for url.
func NewWSTransport(url string, config RealtimeConfig) *WSTransport {
	return &WSTransport{
		transportBase: newTransportBase(config, "ws"),
		url:           url,
		pendingPings:  make(map[string]chan pongPayload),
	}
}

// Connect dials the WebSocket and waits for the readiness event.
func (ws *WSTransport) Connect(ctx context.Context, onEvent func(Event), onState func(RealtimeState)) error {
	if !ws.begin(onEvent, onState) {
		return nil
	}
	return ws.dial(ctx)
}

func (ws *WSTransport) dial(ctx context.Context) error {
	ws.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(ws.config.ReadLimit)

	// The first frame must announce readiness.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read ready message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventConnectionReady {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected %q, got %q", EventConnectionReady, env.Type)
	}

	life := ws.lifetime()
	if ws.closing() || life == nil || life.Err() != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}

	ws.connMu.Lock()
	ws.conn = conn
	ws.connMu.Unlock()
	ws.recon.markConnected()
	ws.setState(StateConnected)
	ws.dispatch(env)

	go ws.readLoop(life, conn)
	go ws.heartbeatLoop(life, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ws *WSTransport) Disconnect() error {
	ws.markClosing()

	ws.connMu.Lock()
	conn := ws.conn
	ws.conn = nil
	ws.connMu.Unlock()

	ws.clearPendingPings()
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.stop()
	ws.setState(StateDisconnected)
	return err
}

// Ping sends a ping and waits for the matching pong.
func (ws *WSTransport) Ping(ctx context.Context) error {
	ws.pendingMu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ch := make(chan pongPayload, 1)
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.send(ctx, &realtimeCommand{
		Type:    "ping",
		Payload: pongPayload{RequestID: requestID},
	})
	if err != nil {
		forget()
		return err
	}

	timer := time.NewTimer(ws.config.PingTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-timer.C:
		forget()
		return errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (ws *WSTransport) send(ctx context.Context, cmd *realtimeCommand) error {
	ws.connMu.Lock()
	conn := ws.conn
	ws.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ws.closing() {
				return
			}

			ws.connMu.Lock()
			if ws.conn == conn {
				ws.conn = nil
			}
			ws.connMu.Unlock()
			ws.clearPendingPings()
			ws.setState(StateDisconnected)
			ws.log.WithError(err).Warn("push channel dropped")

			ws.reconnect(ctx, ws.dial)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.log.WithError(err).Warn("malformed push frame")
			continue
		}

		if env.Type == "pong" {
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		ws.dispatch(env)
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.connMu.Lock()
			current := ws.conn == conn
			ws.connMu.Unlock()
			if !current {
				return
			}

			if err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				ws.log.WithError(err).Warn("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WSTransport) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// SSETransport
// ============================================================================

// SSETransport is a server-sent events push channel with a stale-stream
// watchdog and auto-reconnect. Each "data:" line carries one envelope.
type SSETransport struct {
	transportBase
	url string

	dataMu       sync.Mutex
	lastDataTime time.Time
	cancelStream context.CancelFunc
}

// NewSSETransport creates an SSE transport for url.
func NewSSETransport(url string, config RealtimeConfig) *SSETransport {
	return &SSETransport{
		transportBase: newTransportBase(config, "sse"),
		url:           url,
	}
}

// Connect opens the event stream.
func (sse *SSETransport) Connect(ctx context.Context, onEvent func(Event), onState func(RealtimeState)) error {
	if !sse.begin(onEvent, onState) {
		return nil
	}
	return sse.dial(ctx)
}

func (sse *SSETransport) dial(ctx context.Context) error {
	sse.setState(StateConnecting)

	life := sse.lifetime()
	if life == nil || life.Err() != nil {
		sse.setState(StateDisconnected)
		return ErrNotConnected
	}
	streamCtx, cancel := context.WithCancel(life)
	// Abort the request if the caller gives up before headers arrive.
	stopDial := context.AfterFunc(ctx, cancel)
	defer stopDial()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, sse.url, nil)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.dataMu.Lock()
	sse.lastDataTime = time.Now()
	sse.cancelStream = cancel
	sse.dataMu.Unlock()
	sse.recon.markConnected()
	sse.setState(StateConnected)

	go sse.readLoop(streamCtx, resp)
	go sse.watchdog(streamCtx)
	return nil
}

// Disconnect closes the stream and stops reconnecting.
func (sse *SSETransport) Disconnect() error {
	sse.stop()
	sse.dataMu.Lock()
	if sse.cancelStream != nil {
		sse.cancelStream()
		sse.cancelStream = nil
	}
	sse.dataMu.Unlock()
	sse.setState(StateDisconnected)
	return nil
}

func (sse *SSETransport) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(sse.config.ReadLimit))
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}

		line := scanner.Text()
		sse.dataMu.Lock()
		sse.lastDataTime = time.Now()
		sse.dataMu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var env Envelope
			if err := json.Unmarshal([]byte(payload), &env); err != nil {
				sse.log.WithError(err).Warn("malformed push frame")
				continue
			}
			sse.dispatch(env)
		}
	}

	if sse.closing() {
		return
	}
	sse.setState(StateDisconnected)
	sse.log.Warn("event stream ended")

	if life := sse.lifetime(); life != nil {
		sse.reconnect(life, sse.dial)
	}
}

func (sse *SSETransport) watchdog(ctx context.Context) {
	interval := sse.config.StaleAfter / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.dataMu.Lock()
			stale := time.Since(sse.lastDataTime) > sse.config.StaleAfter
			cancel := sse.cancelStream
			sse.dataMu.Unlock()
			if stale {
				sse.log.Warn("event stream stale")
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}
