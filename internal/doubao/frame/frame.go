// Package frame encodes and decodes the binary wire frames of the Doubao
// realtime dialogue protocol: a length-prefixed, flag-driven, optionally
// GZIP-compressed message format. Pure functions only, no I/O.
package frame

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// MessageType is the 4-bit message-type field of the frame header.
type MessageType byte

const (
	FullClientRequest  MessageType = 0b0001
	FullServerResponse MessageType = 0b1001
	AudioOnlyRequest   MessageType = 0b0010
	AudioOnlyResponse  MessageType = 0b1011 // also used as SERVER_ACK
	ErrorInfo          MessageType = 0b1111

	ServerAck = AudioOnlyResponse
)

func (t MessageType) String() string {
	switch t {
	case FullClientRequest:
		return "FULL_CLIENT_REQUEST"
	case FullServerResponse:
		return "FULL_SERVER_RESPONSE"
	case AudioOnlyRequest:
		return "AUDIO_ONLY_REQUEST"
	case AudioOnlyResponse:
		return "AUDIO_ONLY_RESPONSE/SERVER_ACK"
	case ErrorInfo:
		return "ERROR_INFO"
	default:
		return fmt.Sprintf("MessageType(%#x)", byte(t))
	}
}

// Flags are the 4-bit message-type-specific flag bits.
type Flags byte

const (
	FlagNone        Flags = 0
	FlagHasSequence Flags = 0b0010
	FlagHasEvent    Flags = 0b0100
)

// Serialization is the 4-bit serialization field.
type Serialization byte

const (
	SerializationRaw  Serialization = 0
	SerializationJSON Serialization = 1
)

// Compression is the 4-bit compression field.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
)

// EventID is the logical event identifier carried in frames with FlagHasEvent set.
// The full catalogue below is the one the upstream wire protocol defines; this proxy
// only special-cases the session-lifecycle and error events it needs to react to,
// the rest are recognized for logging but otherwise fall through to "log and drop".
type EventID int32

const (
	EventStartConnection  EventID = 1
	EventFinishConnection EventID = 2

	EventConnectionStarted  EventID = 50
	EventConnectionFailed   EventID = 51
	EventConnectionFinished EventID = 52

	EventStartSession  EventID = 100
	EventCancelSession EventID = 101
	EventFinishSession EventID = 102

	EventSessionStarted  EventID = 150
	EventSessionCanceled EventID = 151
	EventSessionFinished EventID = 152
	EventSessionFailed   EventID = 153
	EventUsageResponse   EventID = 154

	EventTaskRequest  EventID = 200
	EventUpdateConfig EventID = 201

	EventAudioMuted EventID = 250

	EventSayHello EventID = 300

	EventTTSSentenceStart EventID = 350
	EventTTSSentenceEnd   EventID = 351
	EventTTSResponse      EventID = 352
	EventTTSEnded         EventID = 359

	EventPodcastRoundStart    EventID = 360
	EventPodcastRoundResponse EventID = 361
	EventPodcastRoundEnd      EventID = 362

	EventASRInfo     EventID = 450
	EventASRResponse EventID = 451
	EventASREnded    EventID = 459

	EventChatResponse EventID = 550
	EventChatEnded    EventID = 559

	EventSourceSubtitleStart    EventID = 650
	EventSourceSubtitleResponse EventID = 651
	EventSourceSubtitleEnd      EventID = 652

	EventTranslationSubtitleStart    EventID = 653
	EventTranslationSubtitleResponse EventID = 654
	EventTranslationSubtitleEnd      EventID = 655
)

func (e EventID) String() string {
	switch e {
	case EventStartConnection:
		return "START_CONNECTION"
	case EventFinishConnection:
		return "FINISH_CONNECTION"
	case EventConnectionStarted:
		return "CONNECTION_STARTED"
	case EventConnectionFailed:
		return "CONNECTION_FAILED"
	case EventConnectionFinished:
		return "CONNECTION_FINISHED"
	case EventStartSession:
		return "START_SESSION"
	case EventCancelSession:
		return "CANCEL_SESSION"
	case EventFinishSession:
		return "FINISH_SESSION"
	case EventSessionStarted:
		return "SESSION_STARTED"
	case EventSessionCanceled:
		return "SESSION_CANCELED"
	case EventSessionFinished:
		return "SESSION_FINISHED"
	case EventSessionFailed:
		return "SESSION_FAILED"
	case EventUsageResponse:
		return "USAGE_RESPONSE"
	case EventTaskRequest:
		return "TASK_REQUEST"
	case EventUpdateConfig:
		return "UPDATE_CONFIG"
	case EventAudioMuted:
		return "AUDIO_MUTED"
	case EventSayHello:
		return "SAY_HELLO"
	case EventTTSSentenceStart:
		return "TTS_SENTENCE_START"
	case EventTTSSentenceEnd:
		return "TTS_SENTENCE_END"
	case EventTTSResponse:
		return "TTS_RESPONSE"
	case EventTTSEnded:
		return "TTS_ENDED"
	case EventPodcastRoundStart:
		return "PODCAST_ROUND_START"
	case EventPodcastRoundResponse:
		return "PODCAST_ROUND_RESPONSE"
	case EventPodcastRoundEnd:
		return "PODCAST_ROUND_END"
	case EventASRInfo:
		return "ASR_INFO"
	case EventASRResponse:
		return "ASR_RESPONSE"
	case EventASREnded:
		return "ASR_ENDED"
	case EventChatResponse:
		return "CHAT_RESPONSE"
	case EventChatEnded:
		return "CHAT_ENDED"
	case EventSourceSubtitleStart:
		return "SOURCE_SUBTITLE_START"
	case EventSourceSubtitleResponse:
		return "SOURCE_SUBTITLE_RESPONSE"
	case EventSourceSubtitleEnd:
		return "SOURCE_SUBTITLE_END"
	case EventTranslationSubtitleStart:
		return "TRANSLATION_SUBTITLE_START"
	case EventTranslationSubtitleResponse:
		return "TRANSLATION_SUBTITLE_RESPONSE"
	case EventTranslationSubtitleEnd:
		return "TRANSLATION_SUBTITLE_END"
	default:
		return fmt.Sprintf("EventID(%d)", int32(e))
	}
}

const (
	protocolVersion = 1
	defaultHeaderSz = 1 // units of 4 bytes -> 4-byte header
)

var (
	ErrTooShort           = errors.New("frame: buffer shorter than minimum header size")
	ErrUnknownMessageType = errors.New("frame: unknown message type")
	ErrTruncatedBody      = errors.New("frame: body truncated before expected field")
)

// PayloadKind tags how a decoded Payload should be interpreted.
type PayloadKind int

const (
	PayloadRaw PayloadKind = iota
	PayloadJSON
	PayloadText
)

// Payload is the tagged variant a decoded frame's body is represented as:
// raw bytes for binary audio, a parsed JSON value, or (if JSON parsing failed)
// the raw bytes reinterpreted as UTF-8 text.
type Payload struct {
	Kind PayloadKind
	Raw  []byte
	JSON any
	Text string
}

// Frame is a single decoded upstream-protocol message.
type Frame struct {
	MessageType   MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression

	Sequence  *uint32
	EventID   *EventID
	SessionID *string
	ErrorCode *uint32

	Payload Payload

	// CompressionFailed is set when the payload claimed GZIP compression but
	// failed to decompress; Payload is then built from the still-compressed
	// bytes (as Payload.Raw when serialization is NONE).
	CompressionFailed bool
}

// EncodeInput describes a frame to be serialized onto the wire.
type EncodeInput struct {
	MessageType MessageType
	Flags       Flags
	EventID     *EventID
	SessionID   *string
	Sequence    *uint32

	// ErrorCode is only meaningful for MessageType = ErrorInfo, where it
	// replaces the sequence/eventId/sessionId prefix entirely.
	ErrorCode *uint32

	// Exactly one of RawPayload or JSONPayload should be set. If RawPayload is
	// non-nil, it is used as-is (serialization=NONE). Otherwise
	// JSONPayload is marshaled to JSON (serialization=JSON).
	RawPayload  []byte
	JSONPayload any

	Compress bool
}

// Encode composes the wire bytes for a single frame.
func Encode(in EncodeInput) ([]byte, error) {
	serialization := SerializationJSON
	var body []byte
	if in.RawPayload != nil {
		serialization = SerializationRaw
		body = in.RawPayload
	} else {
		encoded, err := sonic.Marshal(in.JSONPayload)
		if err != nil {
			return nil, fmt.Errorf("frame: marshal JSON payload: %w", err)
		}
		body = encoded
	}

	compression := CompressionNone
	if in.Compress {
		compression = CompressionGzip
		compressed, err := gzipCompress(body)
		if err != nil {
			return nil, fmt.Errorf("frame: gzip payload: %w", err)
		}
		body = compressed
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(protocolVersion<<4 | defaultHeaderSz))
	buf.WriteByte(byte(in.MessageType)<<4 | byte(in.Flags))
	buf.WriteByte(byte(serialization)<<4 | byte(compression))
	buf.WriteByte(0) // reserved

	if in.MessageType == ErrorInfo {
		var code uint32
		if in.ErrorCode != nil {
			code = *in.ErrorCode
		}
		if err := binary.Write(&buf, binary.BigEndian, code); err != nil {
			return nil, err
		}
	} else {
		if in.Sequence != nil {
			if err := binary.Write(&buf, binary.BigEndian, *in.Sequence); err != nil {
				return nil, err
			}
		}
		if in.EventID != nil {
			if err := binary.Write(&buf, binary.BigEndian, int32(*in.EventID)); err != nil {
				return nil, err
			}
		}
		if in.SessionID != nil {
			sid := []byte(*in.SessionID)
			if err := binary.Write(&buf, binary.BigEndian, int32(len(sid))); err != nil {
				return nil, err
			}
			buf.Write(sid)
		}
	}

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(body))); err != nil {
		return nil, err
	}
	buf.Write(body)

	return buf.Bytes(), nil
}

// Decode parses the wire bytes for a single frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 8 {
		return nil, ErrTooShort
	}

	headerSize := int(data[0] & 0x0f)
	messageType := MessageType(data[1] >> 4)
	flags := Flags(data[1] & 0x0f)
	serialization := Serialization(data[2] >> 4)
	compression := Compression(data[2] & 0x0f)

	bodyOffset := headerSize * 4
	if bodyOffset < 4 || bodyOffset > len(data) {
		return nil, ErrTruncatedBody
	}

	r := &reader{buf: data[bodyOffset:]}

	f := &Frame{
		MessageType:   messageType,
		Flags:         flags,
		Serialization: serialization,
		Compression:   compression,
	}

	var payloadBytes []byte
	switch messageType {
	case FullServerResponse, ServerAck:
		if flags&FlagHasSequence != 0 {
			seq, err := r.readUint32()
			if err != nil {
				return nil, err
			}
			f.Sequence = &seq
		}
		if flags&FlagHasEvent != 0 {
			raw, err := r.readInt32()
			if err != nil {
				return nil, err
			}
			ev := EventID(raw)
			f.EventID = &ev
		}
		sidSize, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		sid, err := r.readString(int(sidSize))
		if err != nil {
			return nil, err
		}
		f.SessionID = &sid

		payloadSize, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		payloadBytes, err = r.readBytes(int(payloadSize))
		if err != nil {
			return nil, err
		}

	case ErrorInfo:
		errCode, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		f.ErrorCode = &errCode

		payloadSize, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		payloadBytes, err = r.readBytes(int(payloadSize))
		if err != nil {
			return nil, err
		}

	default:
		return nil, ErrUnknownMessageType
	}

	if compression == CompressionGzip {
		decompressed, err := gzipDecompress(payloadBytes)
		if err != nil {
			f.CompressionFailed = true
		} else {
			payloadBytes = decompressed
		}
	}

	f.Payload = decodePayload(serialization, payloadBytes)
	return f, nil
}

func decodePayload(serialization Serialization, body []byte) Payload {
	if serialization != SerializationJSON {
		return Payload{Kind: PayloadRaw, Raw: body}
	}
	var v any
	if err := sonic.Unmarshal(body, &v); err != nil {
		return Payload{Kind: PayloadText, Text: string(body)}
	}
	return Payload{Kind: PayloadJSON, JSON: v}
}

func gzipCompress(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(in []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reader is a small bounds-checked cursor over a decode buffer.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, ErrTruncatedBody
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) readString(n int) (string, error) {
	b, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) readInt32() (int32, error) {
	v, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}
