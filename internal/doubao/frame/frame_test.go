package frame

import (
	"bytes"
	"testing"
)

func eventPtr(e EventID) *EventID { return &e }
func u32Ptr(v uint32) *uint32     { return &v }
func strPtr(s string) *string     { return &s }

func TestRoundTripFullServerResponseJSON(t *testing.T) {
	sid := "srv-abc"
	ev := EventID(150)
	encoded, err := Encode(EncodeInput{
		MessageType: FullServerResponse,
		Flags:       FlagHasEvent,
		EventID:     &ev,
		SessionID:   &sid,
		JSONPayload: map[string]any{"dialog_id": "d1"},
		Compress:    true,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MessageType != FullServerResponse {
		t.Errorf("message type = %v, want %v", decoded.MessageType, FullServerResponse)
	}
	if decoded.EventID == nil || *decoded.EventID != ev {
		t.Errorf("event id = %v, want %v", decoded.EventID, ev)
	}
	if decoded.SessionID == nil || *decoded.SessionID != sid {
		t.Errorf("session id = %v, want %v", decoded.SessionID, sid)
	}
	if decoded.Payload.Kind != PayloadJSON {
		t.Fatalf("payload kind = %v, want PayloadJSON", decoded.Payload.Kind)
	}
	m, ok := decoded.Payload.JSON.(map[string]any)
	if !ok || m["dialog_id"] != "d1" {
		t.Errorf("payload = %#v, want dialog_id=d1", decoded.Payload.JSON)
	}
}

func TestRoundTripEmptyJSONPayloadWithGzip(t *testing.T) {
	encoded, err := Encode(EncodeInput{
		MessageType: FullClientRequest,
		Flags:       FlagHasEvent,
		EventID:     eventPtr(EventStartConnection),
		JSONPayload: map[string]any{},
		Compress:    true,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// FullClientRequest isn't a recognized decode messageType in this proxy (only
	// server-originated frames and errors are decoded) -- exercise the codec
	// symmetrically via a FullServerResponse instead, which is what this test name
	// is really after: an empty JSON object round-tripping through gzip.
	sid := ""
	encoded2, err := Encode(EncodeInput{
		MessageType: FullServerResponse,
		Flags:       FlagHasEvent,
		EventID:     eventPtr(EventSessionFinished),
		SessionID:   &sid,
		JSONPayload: map[string]any{},
		Compress:    true,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = encoded

	decoded, err := Decode(encoded2)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Payload.Kind != PayloadJSON {
		t.Fatalf("payload kind = %v, want PayloadJSON", decoded.Payload.Kind)
	}
	m, ok := decoded.Payload.JSON.(map[string]any)
	if !ok || len(m) != 0 {
		t.Errorf("payload = %#v, want empty object", decoded.Payload.JSON)
	}
}

func TestDecodeEmptySessionIDIsNotAnError(t *testing.T) {
	sid := ""
	encoded, err := Encode(EncodeInput{
		MessageType: FullServerResponse,
		Flags:       FlagHasEvent,
		EventID:     eventPtr(EventConnectionStarted),
		SessionID:   &sid,
		JSONPayload: map[string]any{},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SessionID == nil || *decoded.SessionID != "" {
		t.Errorf("session id = %v, want empty string", decoded.SessionID)
	}
}

func TestDecodeZeroPayloadSizeIsEmptyNotNil(t *testing.T) {
	sid := "s1"
	encoded, err := Encode(EncodeInput{
		MessageType: FullServerResponse,
		SessionID:   &sid,
		RawPayload:  []byte{},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Payload.Kind != PayloadRaw {
		t.Fatalf("payload kind = %v, want PayloadRaw", decoded.Payload.Kind)
	}
	if decoded.Payload.Raw == nil {
		t.Errorf("raw payload is nil, want non-nil empty slice")
	}
	if len(decoded.Payload.Raw) != 0 {
		t.Errorf("raw payload length = %d, want 0", len(decoded.Payload.Raw))
	}
}

func TestDecodeTooShortBuffer(t *testing.T) {
	if _, err := Decode([]byte{0x11, 0x10}); err != ErrTooShort {
		t.Errorf("err = %v, want ErrTooShort", err)
	}
}

func TestDecodeUnknownMessageType(t *testing.T) {
	// messageType=0b0011 is not one of the recognized server/error types.
	header := []byte{0x11, 0b0011_0000, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if _, err := Decode(header); err != ErrUnknownMessageType {
		t.Errorf("err = %v, want ErrUnknownMessageType", err)
	}
}

func TestDecodeErrorInfoWithoutEventPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x11)                      // version 1, header size 1
	buf.WriteByte(byte(ErrorInfo)<<4 | 0x00)  // messageType=ErrorInfo, no flags
	buf.WriteByte(byte(SerializationJSON)<<4) // serialization=JSON, compression=none
	buf.WriteByte(0x00)                      // reserved
	buf.Write([]byte{0x00, 0x00, 0x9c, 0x41}) // errorCode = 40001
	payload := []byte(`{"error":"invalid auth"}`)
	buf.Write([]byte{0x00, 0x00, 0x00, byte(len(payload))})
	buf.Write(payload)

	decoded, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MessageType != ErrorInfo {
		t.Fatalf("message type = %v, want ErrorInfo", decoded.MessageType)
	}
	if decoded.ErrorCode == nil || *decoded.ErrorCode != 40001 {
		t.Errorf("error code = %v, want 40001", decoded.ErrorCode)
	}
	if decoded.Payload.Kind != PayloadJSON {
		t.Fatalf("payload kind = %v, want PayloadJSON", decoded.Payload.Kind)
	}
}

func TestDecodeCorruptGzipKeepsRawBytes(t *testing.T) {
	sid := "s1"
	garbage := []byte{0x01, 0x02, 0x03, 0x04}
	encoded, err := Encode(EncodeInput{
		MessageType: FullServerResponse,
		SessionID:   &sid,
		RawPayload:  garbage,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Flip the compression bit after the fact to simulate a server claiming GZIP
	// over bytes that aren't actually gzip-encoded.
	encoded[2] |= byte(CompressionGzip)

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.CompressionFailed {
		t.Errorf("CompressionFailed = false, want true")
	}
	if !bytes.Equal(decoded.Payload.Raw, garbage) {
		t.Errorf("raw payload = %v, want %v", decoded.Payload.Raw, garbage)
	}
}

func TestRoundTripErrorInfoWithErrorCode(t *testing.T) {
	encoded, err := Encode(EncodeInput{
		MessageType: ErrorInfo,
		ErrorCode:   u32Ptr(40001),
		JSONPayload: map[string]any{"error": "invalid auth"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MessageType != ErrorInfo {
		t.Fatalf("message type = %v, want ErrorInfo", decoded.MessageType)
	}
	if decoded.ErrorCode == nil || *decoded.ErrorCode != 40001 {
		t.Errorf("error code = %v, want 40001", decoded.ErrorCode)
	}
	m, ok := decoded.Payload.JSON.(map[string]any)
	if !ok || m["error"] != "invalid auth" {
		t.Errorf("payload = %#v, want error=invalid auth", decoded.Payload.JSON)
	}
}

func TestEncodeOutboundFramesNeverCarrySequence(t *testing.T) {
	sid := "s1"
	encoded, err := Encode(EncodeInput{
		MessageType: FullClientRequest,
		Flags:       FlagHasEvent,
		EventID:     eventPtr(EventTaskRequest),
		SessionID:   &sid,
		JSONPayload: map[string]any{"text": "hi"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if Flags(encoded[1]&0x0f)&FlagHasSequence != 0 {
		t.Errorf("encoded frame carries hasSequence flag, want it absent")
	}
}

func TestEventIDStringCoversPodcastAndSubtitleEvents(t *testing.T) {
	tests := []struct {
		id   EventID
		want string
	}{
		{EventPodcastRoundStart, "PODCAST_ROUND_START"},
		{EventPodcastRoundResponse, "PODCAST_ROUND_RESPONSE"},
		{EventPodcastRoundEnd, "PODCAST_ROUND_END"},
		{EventSourceSubtitleStart, "SOURCE_SUBTITLE_START"},
		{EventSourceSubtitleResponse, "SOURCE_SUBTITLE_RESPONSE"},
		{EventSourceSubtitleEnd, "SOURCE_SUBTITLE_END"},
		{EventTranslationSubtitleStart, "TRANSLATION_SUBTITLE_START"},
		{EventTranslationSubtitleResponse, "TRANSLATION_SUBTITLE_RESPONSE"},
		{EventTranslationSubtitleEnd, "TRANSLATION_SUBTITLE_END"},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int32(tt.id), got, tt.want)
		}
	}
}

func TestEventIDValuesAreUniqueAndMatchWireProtocol(t *testing.T) {
	want := map[EventID]int32{
		EventPodcastRoundStart:           360,
		EventPodcastRoundResponse:        361,
		EventPodcastRoundEnd:             362,
		EventSourceSubtitleStart:         650,
		EventSourceSubtitleResponse:      651,
		EventSourceSubtitleEnd:           652,
		EventTranslationSubtitleStart:    653,
		EventTranslationSubtitleResponse: 654,
		EventTranslationSubtitleEnd:      655,
	}
	for id, val := range want {
		if int32(id) != val {
			t.Errorf("%v = %d, want %d", id, int32(id), val)
		}
	}
}
