package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/valter-silva-au/taskwatch/internal/events"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// Conn is the subset of *websocket.Conn the connector uses; injectable for
// tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// DialFunc opens a connection to the gateway.
type DialFunc func(url string) (Conn, error)

func defaultDial(url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// History is the durable historical-session record consumed by the
// connector and fed by the registry.
type History interface {
	Append(session models.HistoricalSession) error
	List() []models.HistoricalSession
}

// Connector maintains the persistent gateway connection and exposes
// request/response messaging over it. Any number of requests may be in
// flight; only one reconnect attempt is ever scheduled at a time.
type Connector interface {
	Start() error
	Stop() error
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	AbortSession(ctx context.Context, sessionKey string) error
	Snapshot() models.QueueSnapshot
	Connected() bool
}

type requestResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest tracks one outbound request awaiting its response.
type pendingRequest struct {
	id       string
	method   string
	params   any
	resultCh chan requestResult
	attempts int
	timer    *time.Timer
}

func (p *pendingRequest) resolve(res requestResult) {
	select {
	case p.resultCh <- res:
	default:
	}
}

type wsConnector struct {
	cfg      models.GatewayConfig
	registry *Registry
	history  History
	bus      events.Bus
	dial     DialFunc

	// onError observes background failures (dial, poll, decode) that have
	// no caller to return to. May be nil.
	onError func(op string, err error)

	mu          sync.Mutex
	conn        Conn
	connected   bool
	stopped     bool
	reconnectIn bool
	pending     map[string]*pendingRequest
	queue       []*pendingRequest

	writeMu sync.Mutex
	nextID  atomic.Uint64
	stopCh  chan struct{}
	started bool
}

// NewConnector creates a Connector with all collaborators injected. A nil
// dial uses the gorilla websocket dialer.
func NewConnector(cfg models.GatewayConfig, registry *Registry, history History, bus events.Bus, dial DialFunc, onError func(op string, err error)) Connector {
	if dial == nil {
		dial = defaultDial
	}
	return &wsConnector{
		cfg:      cfg,
		registry: registry,
		history:  history,
		bus:      bus,
		dial:     dial,
		onError:  onError,
		pending:  make(map[string]*pendingRequest),
		stopCh:   make(chan struct{}),
	}
}

func (c *wsConnector) report(op string, err error) {
	if c.onError != nil {
		c.onError(op, err)
	}
}

// Start opens the connection and begins the poll loop. Dial failures are
// absorbed into the reconnect schedule; Start itself only fails when the
// connector was already stopped.
func (c *wsConnector) Start() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return &ConnectionError{Reason: "connector stopped"}
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	go c.pollLoop()
	c.connect()
	return nil
}

// connect dials the gateway and hands the socket to the read loop. On
// failure a single reconnect attempt is scheduled.
func (c *wsConnector) connect() {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		c.report("dial", err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
}

// scheduleReconnect arms a fixed-delay reconnect. At most one attempt is in
// flight at any time.
func (c *wsConnector) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.reconnectIn {
		return
	}
	c.reconnectIn = true
	time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnectIn = false
		stopped := c.stopped
		c.mu.Unlock()
		if !stopped {
			c.connect()
		}
	})
}

// readLoop consumes frames until the socket dies, then tears the connection
// down and schedules reconnection.
func (c *wsConnector) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err.Error())
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.report("decode", err)
			continue
		}

		switch frame.Type {
		case frameEvent:
			c.handleEvent(frame)
		case frameResponse:
			c.handleResponse(frame)
		}
	}
}

// handleDisconnect marks the connection lost, rejects every pending request
// immediately (no guarantee exists about server-side application), and
// schedules reconnection.
func (c *wsConnector) handleDisconnect(conn Conn, reason string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	rejected := c.takePendingLocked()
	stopped := c.stopped
	c.mu.Unlock()

	conn.Close()
	for _, p := range rejected {
		p.resolve(requestResult{err: &ConnectionError{Reason: reason}})
	}
	if !stopped {
		c.scheduleReconnect()
	}
}

// takePendingLocked removes and returns every pending request, stopping
// their timers. Caller holds c.mu.
func (c *wsConnector) takePendingLocked() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		delete(c.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
		out = append(out, p)
	}
	return out
}

func (c *wsConnector) handleEvent(frame inboundFrame) {
	switch frame.Event {
	case eventChallenge:
		c.sendAuth()
	case eventAgent:
		var p agentEventPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.report("agent event", err)
			return
		}
		c.registry.RefinePush(p.SessionKey, p.Stream, p.Tool)
	case eventChat:
		var p chatEventPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.report("chat event", err)
			return
		}
		if p.State == "done" {
			c.registry.SetState(p.SessionKey, models.SessionIdle)
		}
	case eventSessionState:
		var p sessionStatePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.report("session state event", err)
			return
		}
		c.registry.SetState(p.SessionKey, models.SessionState(p.State))
	}
}

// sendAuth answers the server challenge with the authenticated connect
// request, using the reserved auth correlation id.
func (c *wsConnector) sendAuth() {
	req := requestFrame{
		Type:   frameRequest,
		ID:     authRequestID,
		Method: methodConnect,
		Params: connectParams{
			Client: c.cfg.ClientID,
			Scopes: c.cfg.Scopes,
			Token:  c.cfg.Token,
		},
	}
	if err := c.writeFrame(req); err != nil {
		c.report("auth", err)
	}
}

func (c *wsConnector) handleResponse(frame inboundFrame) {
	c.mu.Lock()
	p, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()

	if ok {
		if frame.OK {
			p.resolve(requestResult{payload: frame.Payload})
		} else {
			err := error(frame.Error)
			if frame.Error == nil {
				err = fmt.Errorf("request %s failed", p.method)
			}
			p.resolve(requestResult{err: err})
		}
		return
	}

	// No pending entry: an auth reply carries the reserved id; anything
	// else is ignored.
	if frame.ID == authRequestID {
		c.handleAuthResult(frame)
	}
}

// handleAuthResult marks the connector connected, flushes the offline
// queue, and kicks the initial session listing.
func (c *wsConnector) handleAuthResult(frame inboundFrame) {
	if !frame.OK {
		reason := "auth rejected"
		if frame.Error != nil {
			reason = frame.Error.Error()
		}
		c.report("auth", fmt.Errorf("%s", reason))
		return
	}

	c.mu.Lock()
	c.connected = true
	flush := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, p := range flush {
		c.dispatch(p)
	}
	go c.refreshSessions()
}

// writeFrame serializes socket writes.
func (c *wsConnector) writeFrame(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &ConnectionError{Reason: "not connected"}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// SendRequest issues a request and waits for its response. While
// disconnected the request is queued and flushed after the next successful
// handshake; past the retry bound it fails permanently.
func (c *wsConnector) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p := &pendingRequest{
		id:       fmt.Sprintf("req-%d", c.nextID.Add(1)),
		method:   method,
		params:   params,
		resultCh: make(chan requestResult, 1),
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, &ConnectionError{Reason: "connection closed"}
	}
	if !c.connected {
		c.queue = append(c.queue, p)
		c.mu.Unlock()
	} else {
		c.mu.Unlock()
		c.dispatch(p)
	}

	select {
	case <-ctx.Done():
		c.forget(p)
		return nil, ctx.Err()
	case res := <-p.resultCh:
		return res.payload, res.err
	}
}

// dispatch registers the request as pending, arms its timeout, and writes
// it to the socket.
func (c *wsConnector) dispatch(p *pendingRequest) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		p.resolve(requestResult{err: &ConnectionError{Reason: "connection closed"}})
		return
	}
	p.attempts++
	c.pending[p.id] = p
	p.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.onTimeout(p) })
	c.mu.Unlock()

	req := requestFrame{Type: frameRequest, ID: p.id, Method: p.method, Params: p.params}
	if err := c.writeFrame(req); err != nil {
		c.mu.Lock()
		if c.pending[p.id] == p {
			delete(c.pending, p.id)
			if p.timer != nil {
				p.timer.Stop()
			}
		}
		c.mu.Unlock()
		p.resolve(requestResult{err: err})
	}
}

// onTimeout retries a request that received no response, within the bounded
// retry budget; past it the request fails permanently.
func (c *wsConnector) onTimeout(p *pendingRequest) {
	c.mu.Lock()
	if c.pending[p.id] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, p.id)
	exhausted := p.attempts >= c.cfg.MaxRetries
	connected := c.connected
	c.mu.Unlock()

	switch {
	case exhausted:
		p.resolve(requestResult{err: &ProtocolTimeoutError{Method: p.method, Attempts: p.attempts}})
	case connected:
		c.dispatch(p)
	default:
		c.mu.Lock()
		c.queue = append(c.queue, p)
		c.mu.Unlock()
	}
}

// forget drops a request whose caller gave up.
func (c *wsConnector) forget(p *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.id] == p {
		delete(c.pending, p.id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	for i, q := range c.queue {
		if q == p {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
}

// pollLoop re-lists sessions on a fixed interval as a backstop against
// missed push events.
func (c *wsConnector) pollLoop() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.Connected() {
				c.refreshSessions()
			}
		}
	}
}

// refreshSessions issues sessions.list and reconciles the registry.
func (c *wsConnector) refreshSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout*time.Duration(c.cfg.MaxRetries+1))
	defer cancel()

	payload, err := c.SendRequest(ctx, methodSessionsList, nil)
	if err != nil {
		c.report("sessions.list", err)
		return
	}
	var list sessionListPayload
	if err := json.Unmarshal(payload, &list); err != nil {
		c.report("sessions.list decode", err)
		return
	}
	c.registry.UpdateFromList(list.Sessions)
}

// AbortSession asks the gateway to abort the given session.
func (c *wsConnector) AbortSession(ctx context.Context, sessionKey string) error {
	_, err := c.SendRequest(ctx, methodChatAbort, abortParams{SessionKey: sessionKey})
	if err != nil {
		return fmt.Errorf("aborting session %s: %w", sessionKey, err)
	}
	return nil
}

// Snapshot returns the current queue view: live sessions, historical
// sessions, and connection state.
func (c *wsConnector) Snapshot() models.QueueSnapshot {
	snap := models.QueueSnapshot{
		Sessions:  c.registry.Sessions(),
		Connected: c.Connected(),
	}
	if c.history != nil {
		snap.HistoricalSessions = c.history.List()
	}
	return snap
}

// Connected reports whether the auth handshake has completed on the current
// socket.
func (c *wsConnector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stop closes the socket, stops the poll loop, and rejects everything still
// awaiting a response with a connection-closed reason. Callers must not
// assume in-flight requests succeeded.
func (c *wsConnector) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.connected = false
	conn := c.conn
	c.conn = nil
	rejected := c.takePendingLocked()
	rejected = append(rejected, c.queue...)
	c.queue = nil
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
	for _, p := range rejected {
		p.resolve(requestResult{err: &ConnectionError{Reason: "connection closed"}})
	}
	return nil
}
