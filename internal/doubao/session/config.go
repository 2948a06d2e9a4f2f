package session

// SessionConfig is the JSON payload of the upstream START_SESSION event.
// Field names follow the Doubao realtime-dialogue API's own naming
// (snake_case, nested per concern).
type SessionConfig struct {
	ASR    ASROptions    `json:"asr"`
	TTS    TTSOptions    `json:"tts"`
	Dialog DialogOptions `json:"dialog"`
}

// ASROptions configures upstream speech recognition behavior.
type ASROptions struct {
	EndSmoothWindowMs int  `json:"end_smooth_window_ms"`
	EnableCustomVAD   bool `json:"enable_custom_vad"`
	EnableTwoPass     bool `json:"enable_two_pass"`
}

// TTSOptions configures the synthesized audio returned by the upstream.
type TTSOptions struct {
	Speaker      string `json:"speaker"`
	AudioChannel int    `json:"audio_channel"`
	Format       string `json:"format"`
	SampleRate   int    `json:"sample_rate"`
}

// DialogOptions configures the dialogue model driving the session.
type DialogOptions struct {
	Model          string `json:"model"`
	BotName        string `json:"bot_name,omitempty"`
	SystemRole     string `json:"system_role"`
	SpeakingStyle  string `json:"speaking_style,omitempty"`
	InputModality  string `json:"input_mod"`
	StrictAudit    bool   `json:"strict_audit"`
	ReceiveTimeout int    `json:"receive_timeout"` // seconds
}

// DefaultSessionConfig returns the baseline configuration, before any
// client-supplied overrides are applied.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ASR: ASROptions{
			EndSmoothWindowMs: 1500,
			EnableCustomVAD:   false,
			EnableTwoPass:     false,
		},
		TTS: TTSOptions{
			AudioChannel: 1,
			Format:       "pcm_s16le",
			SampleRate:   24000,
		},
		Dialog: DialogOptions{
			Model:          "O2.0",
			InputModality:  "audio",
			StrictAudit:    false,
			ReceiveTimeout: 10,
		},
	}
}
