package protocol

import "time"

// AudioFrame represents PCM audio data streamed from a capture node.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// MicRequest asks a capture node for exclusive use of its microphone.
type MicRequest struct {
	SessionID string `json:"session_id"`
	Locale    string `json:"locale,omitempty"`
}

// MicGrant answers a MicRequest.
type MicGrant struct {
	SessionID string `json:"session_id"`
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
}

// CaptureControl starts or stops streaming for a granted session.
type CaptureControl struct {
	SessionID  string `json:"session_id"`
	Action     string `json:"action"`
	Locale     string `json:"locale,omitempty"`
	Continuous bool   `json:"continuous"`
}

const (
	CaptureStart = "start"
	CaptureStop  = "stop"
)

// LLMRequest is a prompt submitted to the llm service. Replies go to the
// message's reply subject when present, otherwise to the response subjects.
type LLMRequest struct {
	SessionID   string  `json:"session_id"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Tier        string  `json:"tier,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TraceID     string  `json:"trace_id,omitempty"`
	JSON        bool    `json:"json,omitempty"`
}

// LLMResponse carries generated text.
type LLMResponse struct {
	SessionID        string    `json:"session_id"`
	Content          string    `json:"content"`
	Partial          bool      `json:"partial"`
	TraceID          string    `json:"trace_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Error            string    `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix   = "audio.frame"
	SubjectMicAcquire         = "audio.mic.acquire"
	SubjectCaptureControl     = "audio.capture.control"
	SubjectTranscriptPartial  = "stt.text.partial"
	SubjectTranscriptFinal    = "stt.text.final"
	SubjectTranscriptWildcard = "stt.text.*"
	SubjectLLMRequest         = "llm.request"
	SubjectLLMResponsePartial = "llm.response.partial"
	SubjectLLMResponseFinal   = "llm.response.final"
	SubjectSessionEventPrefix = "coach.session"
)

// Capability names advertised through the node registry.
const (
	CapabilitySpeechCapture = "speech.capture"
	CapabilitySTT           = "stt.recognize"
	CapabilityLLM           = "llm.generate"
)
