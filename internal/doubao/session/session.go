// Package session tracks the per-connection Doubao lifecycle state machine
// and the pre-ready buffer that holds client traffic arriving before the
// upstream has advanced past the gate it requires.
//
// A Session is only ever touched by the single goroutine that owns its
// connection, so none of its state is synchronized.
package session

import (
	"fmt"
	"log"

	"doubao-proxy/internal/wsutil"
)

// State is the lifecycle state of a session, collapsing what could be
// scattered booleans (connected? sessionStarted? closing?) into a single
// enum instead.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateSessionStarting
	StateSessionActive
	StateSessionEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateSessionStarting:
		return "SESSION_STARTING"
	case StateSessionActive:
		return "SESSION_ACTIVE"
	case StateSessionEnding:
		return "SESSION_ENDING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// OutboundKind identifies which upstream frame an Outbound action encodes.
type OutboundKind int

const (
	OutboundStartConnection OutboundKind = iota
	OutboundStartSession
	OutboundTaskRequestAudio
	OutboundTaskRequestText
	OutboundFinishSession
	OutboundFinishConnection
)

// Outbound is a frame the bridge must encode and send upstream, emitted by a
// Session method in response to a client action or an observed upstream
// event. Keeping this a plain value (rather than letting Session write
// directly to a connection) keeps the state machine testable without a
// socket.
type Outbound struct {
	Kind   OutboundKind
	Config SessionConfig // OutboundStartSession
	Audio  []byte        // OutboundTaskRequestAudio
	Text   string        // OutboundTaskRequestText
}

// bufferedKind tags what an item in the pre-ready buffer holds; on drain it
// selects an audio or a text TASK_REQUEST frame.
type bufferedKind int

const (
	bufferedAudio bufferedKind = iota
	bufferedText
)

type bufferedItem struct {
	kind  bufferedKind
	audio []byte
	text  string
}

// Session is the per-connection runtime entity driving the lifecycle
// state machine.
type Session struct {
	ID         string
	SystemRole string
	Model      string

	state State

	connectionEstablished bool
	sessionActive         bool
	pendingStartSession   *SessionConfig

	buffer       *wsutil.PreReadyBuffer[bufferedItem]
	messageCount uint64
}

// New creates a session in StateIdle for the connection identified by id.
// id may be empty; it is populated later from a client start_session request
// or adopted from the upstream's SESSION_STARTED response.
func New(id string) *Session {
	return &Session{
		ID:     id,
		state:  StateIdle,
		buffer: wsutil.NewPreReadyBuffer[bufferedItem](wsutil.DefaultCapacity, "doubao-session"),
	}
}

func (s *Session) State() State           { return s.state }
func (s *Session) IsSessionActive() bool  { return s.sessionActive }
func (s *Session) IsConnectionUp() bool   { return s.connectionEstablished }
func (s *Session) MessageCount() uint64   { return s.messageCount }
func (s *Session) IncMessageCount()       { s.messageCount++ }
func (s *Session) BufferedCount() int     { return s.buffer.Len() }

// Dialing marks the upstream handshake as initiated (IDLE -> CONNECTING).
func (s *Session) Dialing() {
	s.state = StateConnecting
}

// ConnectionOpened is called once the upstream WebSocket handshake completes
// (CONNECTING -> CONNECTED). It emits the outbound START_CONNECTION frame.
func (s *Session) ConnectionOpened() []Outbound {
	s.state = StateConnected
	return []Outbound{{Kind: OutboundStartConnection}}
}

// ObserveConnectionStarted handles an upstream CONNECTION_STARTED event: it
// marks the connection established and, if a start_session request arrived
// before the connection was ready, emits it now.
func (s *Session) ObserveConnectionStarted() []Outbound {
	s.connectionEstablished = true
	if s.pendingStartSession == nil {
		return nil
	}
	cfg := *s.pendingStartSession
	s.pendingStartSession = nil
	s.state = StateSessionStarting
	return []Outbound{{Kind: OutboundStartSession, Config: cfg}}
}

// ObserveSessionStarted handles an upstream SESSION_STARTED event: it adopts
// the server-supplied session id (if any), marks the session active, and
// drains every item buffered while the session was gated -- audio and text
// TASK_REQUESTs in strict FIFO order.
func (s *Session) ObserveSessionStarted(serverSessionID string) []Outbound {
	s.sessionActive = true
	s.state = StateSessionActive
	if serverSessionID != "" {
		s.ID = serverSessionID
	}

	items := s.buffer.Drain()
	if len(items) == 0 {
		return nil
	}
	out := make([]Outbound, 0, len(items))
	for _, item := range items {
		switch item.kind {
		case bufferedAudio:
			out = append(out, Outbound{Kind: OutboundTaskRequestAudio, Audio: item.audio})
		case bufferedText:
			out = append(out, Outbound{Kind: OutboundTaskRequestText, Text: item.text})
		}
	}
	return out
}

// ObserveSessionFinished handles an upstream SESSION_FINISHED event.
func (s *Session) ObserveSessionFinished() {
	s.sessionActive = false
	if s.state != StateClosed {
		s.state = StateConnected
	}
}

// ObserveSessionFailed handles an upstream SESSION_FAILED event -- same
// bookkeeping as a normal finish, the bridge is responsible for surfacing the
// error to the client.
func (s *Session) ObserveSessionFailed() {
	s.ObserveSessionFinished()
}

// ObserveConnectionFinished handles an upstream CONNECTION_FINISHED event by
// marking the session closed; it does not touch any socket.
func (s *Session) ObserveConnectionFinished() {
	s.state = StateClosed
}

// Close marks the session terminated regardless of cause (client close,
// upstream close, fatal error).
func (s *Session) Close() {
	s.state = StateClosed
}

// RequestStartSession handles a client start_session message. If the
// upstream connection is already established the START_SESSION frame is
// emitted immediately; otherwise the request is parked until
// ObserveConnectionStarted drains it.
func (s *Session) RequestStartSession(sessionID string, cfg SessionConfig) []Outbound {
	if sessionID != "" {
		s.ID = sessionID
	}
	if s.connectionEstablished {
		s.state = StateSessionStarting
		return []Outbound{{Kind: OutboundStartSession, Config: cfg}}
	}
	s.pendingStartSession = &cfg
	return nil
}

// AudioOrigin records whether an audio chunk came from a binary frame or a
// base64 audio_data message. RequestAudio handles both origins identically
// and does not read the value.
type AudioOrigin int

const (
	AudioOriginBinary AudioOrigin = iota
	AudioOriginBase64
)

// RequestAudio routes one audio chunk: forwarded immediately if the session
// is active, buffered if the upstream connection is still coming up,
// dropped (with a log line) otherwise.
func (s *Session) RequestAudio(data []byte, origin AudioOrigin) []Outbound {
	if s.sessionActive {
		return []Outbound{{Kind: OutboundTaskRequestAudio, Audio: data}}
	}
	if s.upstreamComingUp() {
		s.buffer.Push(bufferedItem{kind: bufferedAudio, audio: data})
		return nil
	}
	log.Printf("doubao session %s: dropping %d-byte audio chunk, upstream not open (state=%s)", s.ID, len(data), s.state)
	return nil
}

// RequestText routes a text_input message. A TASK_REQUEST is never sent
// upstream before SESSION_STARTED; until then it is buffered rather than
// dropped, matching the treatment audio gets.
func (s *Session) RequestText(text string) []Outbound {
	if s.sessionActive {
		return []Outbound{{Kind: OutboundTaskRequestText, Text: text}}
	}
	if s.upstreamComingUp() {
		s.buffer.Push(bufferedItem{kind: bufferedText, text: text})
		return nil
	}
	log.Printf("doubao session %s: dropping text_input, upstream not open (state=%s)", s.ID, s.state)
	return nil
}

// RequestFinishSession emits FINISH_SESSION if (and only if) the session is
// currently active; a best-effort close, never forced through an inactive
// session.
func (s *Session) RequestFinishSession() []Outbound {
	if !s.sessionActive {
		return nil
	}
	s.state = StateSessionEnding
	return []Outbound{{Kind: OutboundFinishSession}}
}

// RequestFinishConnection emits FINISH_CONNECTION unconditionally; the
// caller is expected to have already requested FINISH_SESSION if applicable.
func (s *Session) RequestFinishConnection() []Outbound {
	return []Outbound{{Kind: OutboundFinishConnection}}
}

// upstreamComingUp reports whether the upstream socket is open or still
// connecting -- the condition under which client traffic should be buffered
// rather than dropped.
func (s *Session) upstreamComingUp() bool {
	switch s.state {
	case StateConnecting, StateConnected, StateSessionStarting:
		return true
	default:
		return false
	}
}
