// Package clientproto defines the JSON messages exchanged between a browser
// client and the proxy, and the two-pass decode that dispatches an inbound
// text frame to its concrete type.
package clientproto

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrUnknownType is returned by DecodeClientMessage for a "type" value with
// no matching struct; the caller logs and drops the frame.
var ErrUnknownType = errors.New("clientproto: unknown message type")

// StartSession is sent by the client to begin a dialogue. SessionID and Model
// are optional; the bridge fills in defaults when absent.
type StartSession struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId,omitempty"`
	SystemMessage string `json:"systemMessage,omitempty"`
	Model        string `json:"model,omitempty"`
}

// AudioData is the legacy base64-audio path, kept alongside binary frames for
// clients that cannot send binary WebSocket messages.
type AudioData struct {
	Type   string `json:"type"`
	Data   string `json:"data"`
	IsLast bool   `json:"isLast,omitempty"`
}

// TextInput asks the upstream dialogue to respond to typed text instead of
// speech.
type TextInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FinishSession requests FINISH_SESSION be emitted upstream.
type FinishSession struct {
	Type string `json:"type"`
}

// FinishConnection requests FINISH_CONNECTION be emitted upstream.
type FinishConnection struct {
	Type string `json:"type"`
}

// SessionStarted is sent to the client once the upstream has confirmed
// SESSION_STARTED.
type SessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	DialogID  string `json:"dialog_id,omitempty"`
}

// SpeechStarted is sent to the client on ASR_INFO.
type SpeechStarted struct {
	Type       string `json:"type"`
	QuestionID string `json:"question_id,omitempty"`
}

// ASRResponse carries the recognized-speech results of ASR_RESPONSE verbatim.
type ASRResponse struct {
	Type    string `json:"type"`
	Results any    `json:"results"`
}

// ChatResponse carries one turn of generated dialogue text.
type ChatResponse struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	QuestionID string `json:"question_id,omitempty"`
	ReplyID    string `json:"reply_id,omitempty"`
}

// ChatEnded marks the end of one dialogue turn's text stream.
type ChatEnded struct {
	Type       string `json:"type"`
	QuestionID string `json:"question_id,omitempty"`
	ReplyID    string `json:"reply_id,omitempty"`
}

// Error is sent to the client for handshake failures, upstream ERROR_INFO
// frames, and abnormal upstream closes.
type Error struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// typeOnly is used to peek the discriminator before decoding into a concrete
// struct, the same two-pass idiom a colon-separated method dispatcher uses
// on a raw command string.
type typeOnly struct {
	Type string `json:"type"`
}

// DecodeClientMessage inspects the "type" field of a client text frame and
// unmarshals it into the matching concrete struct. Unrecognized types return
// ErrUnknownType so the caller can log and drop the frame.
func DecodeClientMessage(data []byte) (any, error) {
	var head typeOnly
	if err := sonic.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("clientproto: peek type: %w", err)
	}

	switch head.Type {
	case "start_session":
		var m StartSession
		if err := sonic.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "audio_data":
		var m AudioData
		if err := sonic.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "text_input":
		var m TextInput
		if err := sonic.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "finish_session":
		var m FinishSession
		if err := sonic.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "finish_connection":
		var m FinishConnection
		if err := sonic.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}
