// Package gateway implements the persistent protocol client to the agent
// runtime: the authenticated websocket connection, request/response
// correlation with bounded retry, reconnection, and the live session
// registry derived from polled listings and pushed events.
package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types on the wire.
const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

// Methods issued by this client.
const (
	methodConnect      = "connect"
	methodSessionsList = "sessions.list"
	methodChatAbort    = "chat.abort"
)

// Event names pushed by the gateway.
const (
	eventChallenge    = "connect.challenge"
	eventAgent        = "agent"
	eventChat         = "chat"
	eventSessionState = "session.state.change"
)

// authRequestID is the reserved correlation id for the auth handshake. A
// response carrying an unknown id is treated as an auth reply only when it
// matches this id; otherwise it is ignored.
const authRequestID = "auth"

// requestFrame is an outbound request.
type requestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// wireError is the error half of a response.
type wireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *wireError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// inboundFrame is any message read off the socket; Type discriminates.
type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// connectParams is the authenticated handshake request body.
type connectParams struct {
	Client string   `json:"client"`
	Scopes []string `json:"scopes"`
	Token  string   `json:"token"`
}

// sessionInfo is one entry in a sessions.list payload.
type sessionInfo struct {
	Key          string    `json:"key"`
	SessionID    string    `json:"sessionId"`
	State        string    `json:"state,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int64     `json:"inputTokens,omitempty"`
	OutputTokens int64     `json:"outputTokens,omitempty"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
}

// sessionListPayload is the result of sessions.list.
type sessionListPayload struct {
	Sessions []sessionInfo `json:"sessions"`
}

// agentEventPayload is the payload of an "agent" stream event.
type agentEventPayload struct {
	SessionKey string `json:"sessionKey"`
	Stream     string `json:"stream"` // thinking | assistant | tool_call | tool_result
	Tool       string `json:"tool,omitempty"`
}

// chatEventPayload is the payload of a "chat" lifecycle event.
type chatEventPayload struct {
	SessionKey string `json:"sessionKey"`
	State      string `json:"state"`
}

// sessionStatePayload is the payload of a session.state.change event.
type sessionStatePayload struct {
	SessionKey string `json:"sessionKey"`
	State      string `json:"state"`
}

// abortParams is the body of a chat.abort request.
type abortParams struct {
	SessionKey string `json:"sessionKey"`
}

// ConnectionError reports that the protocol socket closed or errored while
// a request was outstanding. Callers retry through the request queue; the
// connector never re-sends blindly.
type ConnectionError struct {
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gateway connection lost: %s", e.Reason)
}

// ProtocolTimeoutError reports a request that exhausted its retry budget
// without receiving a response.
type ProtocolTimeoutError struct {
	Method   string
	Attempts int
}

func (e *ProtocolTimeoutError) Error() string {
	return fmt.Sprintf("gateway request %s timed out after %d attempts", e.Method, e.Attempts)
}
