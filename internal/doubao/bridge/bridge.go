// Package bridge is the per-connection orchestrator: it owns one client
// WebSocket, dials one upstream WebSocket, and wires them together through
// the Doubao frame codec and session state machine. Each Bridge runs its own
// goroutine that selects over client reads, upstream reads, and two timers --
// no session state is shared across goroutines or across bridges.
package bridge

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"doubao-proxy/internal/doubao/clientproto"
	"doubao-proxy/internal/doubao/frame"
	"doubao-proxy/internal/doubao/session"
)

const (
	upstreamURL = "wss://openspeech.bytedance.com/api/v3/realtime/dialogue"

	observabilityInterval    = 2 * time.Second
	noResponseWarning        = 5 * time.Second
	finishSessionGracePeriod = 100 * time.Millisecond
)

// Credentials holds the handshake headers the upstream requires. Loading
// these from the process environment is internal/config's job, not this
// package's.
type Credentials struct {
	AppID     string
	AccessKey string
	SecretKey string
}

// Bridge is one browser client wired to one Doubao upstream connection.
type Bridge struct {
	client *websocket.Conn
	creds  Credentials
	sess   *session.Session

	upstream *websocket.Conn

	// dialURL overrides upstreamURL when set; used by tests to point at a
	// local fake upstream instead of the real Doubao endpoint.
	dialURL string
}

// New creates a Bridge for an already-upgraded client connection. The
// upstream dial happens inside Run, not here, so the client's reader
// goroutine can start buffering traffic immediately.
func New(client *websocket.Conn, creds Credentials) *Bridge {
	return &Bridge{
		client: client,
		creds:  creds,
		sess:   session.New(""),
	}
}

type clientFrame struct {
	messageType int
	data        []byte
	err         error
}

type upstreamFrame struct {
	data []byte
	err  error
}

// Run drives the bridge until the client or upstream connection ends. It
// never returns an error the caller needs to act on; all failure handling
// (client-facing error frames, close-code substitution) happens internally.
func (b *Bridge) Run() {
	defer b.client.Close()

	clientCh := make(chan clientFrame, 1)
	go b.readClient(clientCh)

	b.sess.Dialing()
	dialCh := make(chan error, 1)
	go b.dialUpstream(dialCh)

	ticker := time.NewTicker(observabilityInterval)
	defer ticker.Stop()

	var upstreamCh chan upstreamFrame
	var warn *time.Timer

	for {
		select {
		case cf := <-clientCh:
			if cf.err != nil {
				b.shutdownFromClient()
				return
			}
			b.handleClientFrame(cf)

		case uf := <-upstreamCh:
			if uf.err != nil {
				b.handleAbnormalUpstreamClose(uf.err)
				return
			}
			if warn != nil {
				warn.Stop()
				warn = nil
			}
			b.handleUpstreamBytes(uf.data)

		case err := <-dialCh:
			dialCh = nil
			if err != nil {
				b.sendClientError(fmt.Sprintf("服务器连接错误: %v", err))
				return
			}
			upstreamCh = make(chan upstreamFrame, 1)
			go b.readUpstream(upstreamCh)
			b.sendUpstream(b.sess.ConnectionOpened())
			warn = time.NewTimer(noResponseWarning)

		case <-ticker.C:
			log.Printf("[session %s] state=%s messages=%d", b.sess.ID, b.sess.State(), b.sess.MessageCount())

		case <-warnTimerChan(warn):
			log.Printf("[session %s] no upstream response %s after connection open", b.sess.ID, noResponseWarning)
			warn = nil
		}
	}
}

// warnTimerChan lets the 5s one-shot warning participate in the select even
// when it has already fired or been stopped, without a nil-channel branch at
// every call site.
func warnTimerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (b *Bridge) dialUpstream(done chan<- error) {
	header := http.Header{}
	header.Set("X-Api-App-ID", b.creds.AppID)
	header.Set("X-Api-Access-Key", b.creds.AccessKey)
	header.Set("X-Api-Resource-Id", "volc.speech.dialog")
	header.Set("X-Api-App-Key", "PlgvMymc7f3tQnJ6")
	header.Set("X-Api-Connect-Id", fmt.Sprintf("client_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:9]))

	dialURL := b.dialURL
	if dialURL == "" {
		dialURL = upstreamURL
	}
	conn, resp, err := websocket.DefaultDialer.Dial(dialURL, header)
	if err != nil {
		done <- fmt.Errorf("dial upstream: %w", err)
		return
	}
	if resp != nil {
		log.Printf("[session %s] upstream logid=%s", b.sess.ID, resp.Header.Get("X-Tt-Logid"))
	}
	b.upstream = conn
	done <- nil
}

func (b *Bridge) readClient(out chan<- clientFrame) {
	for {
		mt, data, err := b.client.ReadMessage()
		out <- clientFrame{messageType: mt, data: data, err: err}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) readUpstream(out chan<- upstreamFrame) {
	for {
		_, data, err := b.upstream.ReadMessage()
		out <- upstreamFrame{data: data, err: err}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) handleClientFrame(cf clientFrame) {
	b.sess.IncMessageCount()
	if cf.messageType == websocket.BinaryMessage {
		b.sendUpstream(b.sess.RequestAudio(cf.data, session.AudioOriginBinary))
		return
	}
	b.handleClientText(cf.data)
}

func (b *Bridge) handleClientText(data []byte) {
	msg, err := clientproto.DecodeClientMessage(data)
	if err != nil {
		log.Printf("[session %s] dropping client message: %v", b.sess.ID, err)
		return
	}

	switch m := msg.(type) {
	case clientproto.StartSession:
		sessionID := m.SessionID
		if sessionID == "" {
			sessionID = fmt.Sprintf("session_%d", time.Now().UnixMilli())
		}
		cfg := session.DefaultSessionConfig()
		if m.SystemMessage != "" {
			cfg.Dialog.SystemRole = m.SystemMessage
		}
		if m.Model != "" {
			cfg.Dialog.Model = m.Model
		}
		b.sess.SystemRole = cfg.Dialog.SystemRole
		b.sess.Model = cfg.Dialog.Model
		b.sendUpstream(b.sess.RequestStartSession(sessionID, cfg))

	case clientproto.AudioData:
		raw, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			log.Printf("[session %s] bad base64 audio_data: %v", b.sess.ID, err)
			return
		}
		b.sendUpstream(b.sess.RequestAudio(raw, session.AudioOriginBase64))

	case clientproto.TextInput:
		b.sendUpstream(b.sess.RequestText(m.Text))

	case clientproto.FinishSession:
		b.sendUpstream(b.sess.RequestFinishSession())

	case clientproto.FinishConnection:
		b.sendUpstream(b.sess.RequestFinishConnection())
	}
}

// sendUpstream encodes and writes every Outbound action produced by a
// session transition, in order. A session transition never yields more
// outbound frames than the upstream protocol allows per step, so a
// mid-sequence encode failure aborts the rest -- it means the bridge itself
// is broken, not a recoverable protocol condition.
func (b *Bridge) sendUpstream(actions []session.Outbound) {
	for _, a := range actions {
		encoded, err := b.encodeOutbound(a)
		if err != nil {
			log.Printf("[session %s] encode outbound %v: %v", b.sess.ID, a.Kind, err)
			return
		}
		if b.upstream == nil {
			log.Printf("[session %s] dropping outbound %v: upstream not dialed", b.sess.ID, a.Kind)
			return
		}
		if err := b.upstream.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
			log.Printf("[session %s] write upstream: %v", b.sess.ID, err)
			return
		}
	}
}

func (b *Bridge) encodeOutbound(a session.Outbound) ([]byte, error) {
	sid := b.sess.ID
	switch a.Kind {
	case session.OutboundStartConnection:
		ev := frame.EventStartConnection
		return frame.Encode(frame.EncodeInput{
			MessageType: frame.FullClientRequest,
			Flags:       frame.FlagHasEvent,
			EventID:     &ev,
			JSONPayload: map[string]any{},
			Compress:    true,
		})

	case session.OutboundStartSession:
		ev := frame.EventStartSession
		return frame.Encode(frame.EncodeInput{
			MessageType: frame.FullClientRequest,
			Flags:       frame.FlagHasEvent,
			EventID:     &ev,
			SessionID:   &sid,
			JSONPayload: a.Config,
			Compress:    true,
		})

	case session.OutboundTaskRequestAudio:
		ev := frame.EventTaskRequest
		return frame.Encode(frame.EncodeInput{
			MessageType: frame.AudioOnlyRequest,
			Flags:       frame.FlagHasEvent,
			EventID:     &ev,
			SessionID:   &sid,
			RawPayload:  a.Audio,
			Compress:    true,
		})

	case session.OutboundTaskRequestText:
		ev := frame.EventTaskRequest
		payload := map[string]any{
			"text":       a.Text,
			"input_text": a.Text,
			"input_mod":  "text",
			"input_mode": "text",
		}
		return frame.Encode(frame.EncodeInput{
			MessageType: frame.FullClientRequest,
			Flags:       frame.FlagHasEvent,
			EventID:     &ev,
			SessionID:   &sid,
			JSONPayload: payload,
			Compress:    true,
		})

	case session.OutboundFinishSession:
		ev := frame.EventFinishSession
		return frame.Encode(frame.EncodeInput{
			MessageType: frame.FullClientRequest,
			Flags:       frame.FlagHasEvent,
			EventID:     &ev,
			SessionID:   &sid,
			JSONPayload: map[string]any{},
			Compress:    true,
		})

	case session.OutboundFinishConnection:
		ev := frame.EventFinishConnection
		return frame.Encode(frame.EncodeInput{
			MessageType: frame.FullClientRequest,
			Flags:       frame.FlagHasEvent,
			EventID:     &ev,
			JSONPayload: map[string]any{},
			Compress:    true,
		})

	default:
		return nil, fmt.Errorf("bridge: unhandled outbound kind %v", a.Kind)
	}
}

// handleUpstreamBytes decodes one upstream frame and dispatches it per the
// binary-forward heuristic, ERROR_INFO handling, and eventId table.
func (b *Bridge) handleUpstreamBytes(data []byte) {
	b.sess.IncMessageCount()
	f, err := frame.Decode(data)
	if err != nil {
		log.Printf("[session %s] undecodable upstream frame: %v", b.sess.ID, err)
		return
	}

	if f.Payload.Kind == frame.PayloadRaw {
		b.writeClientBinary(f.Payload.Raw)
		if f.MessageType == frame.ServerAck {
			return
		}
	}

	if f.MessageType == frame.ErrorInfo {
		b.handleErrorInfo(f)
		return
	}

	if f.EventID == nil {
		log.Printf("[session %s] upstream frame with no eventId, messageType=%s: dropped", b.sess.ID, f.MessageType)
		return
	}

	switch *f.EventID {
	case frame.EventConnectionStarted:
		b.sendUpstream(b.sess.ObserveConnectionStarted())

	case frame.EventConnectionFailed:
		b.sendClientError(payloadString(f.Payload, "error"))

	case frame.EventSessionStarted:
		dialogID := payloadString(f.Payload, "dialog_id")
		serverSessionID := payloadString(f.Payload, "session_id")
		b.sendUpstream(b.sess.ObserveSessionStarted(serverSessionID))
		b.sendClientJSON(clientproto.SessionStarted{
			Type:      "session_started",
			SessionID: b.sess.ID,
			DialogID:  dialogID,
		})

	case frame.EventSessionFailed:
		b.sess.ObserveSessionFailed()
		b.sendClientError(payloadString(f.Payload, "error"))

	case frame.EventASRInfo:
		b.sendClientJSON(clientproto.SpeechStarted{
			Type:       "speech_started",
			QuestionID: payloadString(f.Payload, "question_id"),
		})

	case frame.EventASRResponse:
		b.sendClientJSON(clientproto.ASRResponse{
			Type:    "asr_response",
			Results: payloadField(f.Payload, "results"),
		})

	case frame.EventASREnded:
		log.Printf("[session %s] ASR_ENDED", b.sess.ID)

	case frame.EventTTSResponse:
		// The binary-forward heuristic above already ships raw TTS audio; a
		// TTS_RESPONSE that somehow carries JSON has nothing client-facing to do.

	case frame.EventChatResponse:
		b.sendClientJSON(clientproto.ChatResponse{
			Type:       "chat_response",
			Content:    payloadString(f.Payload, "content"),
			QuestionID: payloadString(f.Payload, "question_id"),
			ReplyID:    payloadString(f.Payload, "reply_id"),
		})

	case frame.EventChatEnded:
		b.sendClientJSON(clientproto.ChatEnded{
			Type:       "chat_ended",
			QuestionID: payloadString(f.Payload, "question_id"),
			ReplyID:    payloadString(f.Payload, "reply_id"),
		})

	case frame.EventSessionFinished:
		b.sess.ObserveSessionFinished()
		log.Printf("[session %s] SESSION_FINISHED", b.sess.ID)

	case frame.EventConnectionFinished:
		b.sess.ObserveConnectionFinished()
		log.Printf("[session %s] CONNECTION_FINISHED", b.sess.ID)

	default:
		log.Printf("[session %s] unhandled eventId %s: dropped", b.sess.ID, *f.EventID)
	}
}

func (b *Bridge) handleErrorInfo(f *frame.Frame) {
	msg := payloadString(f.Payload, "error")
	if msg == "" {
		msg = payloadString(f.Payload, "message")
	}
	var code uint32
	if f.ErrorCode != nil {
		code = *f.ErrorCode
	}
	log.Printf("[session %s] ERROR_INFO code=%d: %s", b.sess.ID, code, msg)
	b.sendClientJSON(clientproto.Error{
		Type:    "error",
		Error:   fmt.Sprintf("服务器错误: %s", msg),
		Details: f.Payload.JSON,
	})
}

// handleAbnormalUpstreamClose always reports close code 1000 to the client,
// regardless of what the upstream actually sent (including the
// unrepresentable 1006), after telling the client why.
func (b *Bridge) handleAbnormalUpstreamClose(err error) {
	log.Printf("[session %s] upstream closed: %v", b.sess.ID, err)
	b.sendClientError(fmt.Sprintf("服务器连接关闭: %v", err))

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Server connection closed")
	_ = b.client.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
}

// shutdownFromClient runs the best-effort FINISH_SESSION / FINISH_CONNECTION
// drain when the client disconnects.
func (b *Bridge) shutdownFromClient() {
	if b.upstream == nil {
		return
	}
	b.sendUpstream(b.sess.RequestFinishSession())
	time.Sleep(finishSessionGracePeriod)
	b.sendUpstream(b.sess.RequestFinishConnection())
	b.sess.Close()
	_ = b.upstream.Close()
}

func (b *Bridge) sendClientJSON(v any) {
	encoded, err := marshalClient(v)
	if err != nil {
		log.Printf("[session %s] marshal client message: %v", b.sess.ID, err)
		return
	}
	if err := b.client.WriteMessage(websocket.TextMessage, encoded); err != nil {
		log.Printf("[session %s] write client message: %v", b.sess.ID, err)
	}
}

func (b *Bridge) sendClientError(msg string) {
	b.sendClientJSON(clientproto.Error{Type: "error", Error: msg})
}

func (b *Bridge) writeClientBinary(data []byte) {
	if err := b.client.WriteMessage(websocket.BinaryMessage, data); err != nil {
		log.Printf("[session %s] write client binary: %v", b.sess.ID, err)
	}
}

// payloadField and payloadString reach into a decoded JSON payload without
// panicking on the many shapes a map[string]any can fail to have.
func payloadField(p frame.Payload, key string) any {
	m, ok := p.JSON.(map[string]any)
	if !ok {
		return nil
	}
	return m[key]
}

func payloadString(p frame.Payload, key string) string {
	s, _ := payloadField(p, key).(string)
	return s
}

func marshalClient(v any) ([]byte, error) {
	return sonic.Marshal(v)
}
