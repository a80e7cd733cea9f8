package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// fakeConn is a scripted socket: the test plays the gateway by reading
// outbound frames from writes and pushing inbound frames.
type fakeConn struct {
	inbound   chan []byte
	writes    chan requestFrame
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		writes:  make(chan requestFrame, 16),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (f *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame requestFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.writes <- frame
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.inbound) })
	return nil
}

func (f *fakeConn) push(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshalling frame: %v", err)
	}
	f.inbound <- data
}

func (f *fakeConn) pushChallenge(t *testing.T) {
	t.Helper()
	f.push(t, map[string]any{"type": frameEvent, "event": eventChallenge})
}

func (f *fakeConn) pushResponse(t *testing.T, id string, ok bool, payload any) {
	t.Helper()
	frame := map[string]any{"type": frameResponse, "id": id, "ok": ok}
	if payload != nil {
		frame["payload"] = payload
	}
	if !ok {
		frame["error"] = map[string]any{"message": "denied"}
	}
	f.push(t, frame)
}

func (f *fakeConn) nextWrite(t *testing.T) requestFrame {
	t.Helper()
	select {
	case frame := <-f.writes:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return requestFrame{}
	}
}

func testGatewayConfig() models.GatewayConfig {
	return models.GatewayConfig{
		URL:            "ws://test/gateway",
		ClientID:       "taskwatch",
		Scopes:         []string{"sessions.read"},
		Token:          "secret",
		RequestTimeout: 200 * time.Millisecond,
		MaxRetries:     2,
		ReconnectDelay: 10 * time.Millisecond,
		PollInterval:   time.Hour,
	}
}

// connDialer hands out successive fake connections.
type connDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *connDialer) dial(string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *connDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func setupConnector(t *testing.T) (Connector, *connDialer) {
	t.Helper()
	dialer := &connDialer{}
	registry := NewRegistry(nil, nil)
	c := NewConnector(testGatewayConfig(), registry, nil, nil, dialer.dial, nil)
	t.Cleanup(func() { _ = c.Stop() })
	return c, dialer
}

// completeHandshake drives the challenge/auth exchange on the given conn
// and consumes the post-auth sessions.list, leaving the connector idle.
func completeHandshake(t *testing.T, conn *fakeConn) {
	t.Helper()
	conn.pushChallenge(t)

	auth := conn.nextWrite(t)
	if auth.Method != methodConnect || auth.ID != authRequestID {
		t.Fatalf("expected connect request with auth id, got %+v", auth)
	}
	conn.pushResponse(t, authRequestID, true, nil)

	list := conn.nextWrite(t)
	if list.Method != methodSessionsList {
		t.Fatalf("expected post-auth sessions.list, got %s", list.Method)
	}
	conn.pushResponse(t, list.ID, true, sessionListPayload{})
}

func waitConnected(t *testing.T, c Connector) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Connected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connector never reached connected state")
}

func TestHandshakeCarriesCredentials(t *testing.T) {
	dialer := &connDialer{}
	registry := NewRegistry(nil, nil)
	c := NewConnector(testGatewayConfig(), registry, nil, nil, dialer.dial, nil)
	defer c.Stop()

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := dialer.latest()
	conn.pushChallenge(t)

	auth := conn.nextWrite(t)
	params, err := json.Marshal(auth.Params)
	if err != nil {
		t.Fatalf("marshalling params: %v", err)
	}
	var got connectParams
	if err := json.Unmarshal(params, &got); err != nil {
		t.Fatalf("parsing connect params: %v", err)
	}
	if got.Client != "taskwatch" || got.Token != "secret" || len(got.Scopes) != 1 {
		t.Fatalf("unexpected connect params: %+v", got)
	}
	if c.Connected() {
		t.Fatal("must not be connected before auth response")
	}

	conn.pushResponse(t, authRequestID, true, nil)
	waitConnected(t, c)
}

func TestRejectedAuthStaysDisconnected(t *testing.T) {
	c, dialer := setupConnector(t)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := dialer.latest()
	conn.pushChallenge(t)
	conn.nextWrite(t)
	conn.pushResponse(t, authRequestID, false, nil)

	time.Sleep(50 * time.Millisecond)
	if c.Connected() {
		t.Fatal("rejected auth must not mark the connector connected")
	}
}

func TestRequestQueuedWhileDisconnectedSentExactlyOnce(t *testing.T) {
	c, dialer := setupConnector(t)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := dialer.latest()

	// Issue a request before the handshake completes: it must wait in the
	// offline queue, not hit the socket.
	type result struct {
		payload json.RawMessage
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		payload, err := c.SendRequest(context.Background(), methodSessionsList, nil)
		resCh <- result{payload, err}
	}()

	select {
	case frame := <-conn.writes:
		t.Fatalf("request written before handshake: %+v", frame)
	case <-time.After(50 * time.Millisecond):
	}

	conn.pushChallenge(t)
	auth := conn.nextWrite(t)
	conn.pushResponse(t, auth.ID, true, nil)

	// Two sessions.list frames follow: the flushed queued request and the
	// post-auth refresh. Each must appear exactly once with a distinct id.
	first := conn.nextWrite(t)
	second := conn.nextWrite(t)
	if first.Method != methodSessionsList || second.Method != methodSessionsList {
		t.Fatalf("unexpected methods %s, %s", first.Method, second.Method)
	}
	if first.ID == second.ID {
		t.Fatal("queued request re-sent under the same id")
	}
	conn.pushResponse(t, first.ID, true, sessionListPayload{})
	conn.pushResponse(t, second.ID, true, sessionListPayload{})

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("queued request failed: %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never resolved")
	}

	// Nothing further may be written.
	select {
	case frame := <-conn.writes:
		t.Fatalf("unexpected duplicate send: %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestTimesOutAfterBoundedRetries(t *testing.T) {
	c, dialer := setupConnector(t)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := dialer.latest()
	completeHandshake(t, conn)
	waitConnected(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.SendRequest(ctx, methodChatAbort, abortParams{SessionKey: "agent:main"})

	var terr *ProtocolTimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected ProtocolTimeoutError, got %v", err)
	}
	if terr.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", terr.Attempts)
	}

	// Every attempt was a fresh write of the same request id.
	firstAttempt := conn.nextWrite(t)
	secondAttempt := conn.nextWrite(t)
	if firstAttempt.ID != secondAttempt.ID {
		t.Fatalf("retry changed the request id: %s != %s", firstAttempt.ID, secondAttempt.ID)
	}
}

func TestDisconnectRejectsPendingAndReconnects(t *testing.T) {
	c, dialer := setupConnector(t)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := dialer.latest()
	completeHandshake(t, conn)
	waitConnected(t, c)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), methodChatAbort, abortParams{SessionKey: "k"})
		errCh <- err
	}()
	conn.nextWrite(t) // request is on the wire, response never comes

	conn.Close() // server drops the connection

	select {
	case err := <-errCh:
		var cerr *ConnectionError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on disconnect")
	}

	if c.Connected() {
		t.Fatal("connector still connected after socket loss")
	}

	// A fresh dial must follow within the reconnect delay.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if next := dialer.latest(); next != nil && next != conn {
			completeHandshake(t, next)
			waitConnected(t, c)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no reconnect attempt observed")
}

func TestStopRejectsQueuedRequests(t *testing.T) {
	dialer := &connDialer{}
	registry := NewRegistry(nil, nil)
	c := NewConnector(testGatewayConfig(), registry, nil, nil, dialer.dial, nil)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), methodSessionsList, nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the request reach the queue

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case err := <-errCh:
		var cerr *ConnectionError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued request not rejected on Stop")
	}

	if _, err := c.SendRequest(context.Background(), methodSessionsList, nil); err == nil {
		t.Fatal("expected SendRequest to fail after Stop")
	}
}

func TestSessionListUpdatesSnapshot(t *testing.T) {
	c, dialer := setupConnector(t)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := dialer.latest()
	conn.pushChallenge(t)
	auth := conn.nextWrite(t)
	conn.pushResponse(t, auth.ID, true, nil)

	list := conn.nextWrite(t)
	conn.pushResponse(t, list.ID, true, sessionListPayload{
		Sessions: []sessionInfo{
			{Key: "agent:main", SessionID: "sess-1", State: "idle", Model: "sonnet", InputTokens: 100, OutputTokens: 50},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if len(snap.Sessions) == 1 {
			s := snap.Sessions[0]
			if s.Key != "agent:main" || s.SessionID != "sess-1" || s.InputTokens != 100 {
				t.Fatalf("unexpected session %+v", s)
			}
			if !snap.Connected {
				t.Fatal("snapshot should report connected")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session list never reached the snapshot")
}

func TestPushedEventsRefineRegistry(t *testing.T) {
	c, dialer := setupConnector(t)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := dialer.latest()
	completeHandshake(t, conn)
	waitConnected(t, c)

	conn.push(t, map[string]any{
		"type": frameEvent, "event": eventAgent,
		"payload": agentEventPayload{SessionKey: "agent:main", Stream: "tool_call", Tool: "Bash"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		for _, s := range snap.Sessions {
			if s.Key == "agent:main" {
				if s.State != models.SessionToolUse {
					t.Fatalf("expected tool-use state, got %s", s.State)
				}
				if len(s.RecentTools) != 1 || s.RecentTools[0].Tool != "Bash" {
					t.Fatalf("expected recorded tool call, got %v", s.RecentTools)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pushed agent event never reflected in the registry")
}
