package events

import (
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-coach/internal/session"
)

type EventType string

const (
	TypeState      EventType = "state"
	TypeTranscript EventType = "transcript"
)

// Envelope wraps every session event published on the bus or streamed to
// local subscribers.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Source    string          `json:"source"`
	SessionID string          `json:"session_id"`
	Version   uint64          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// StateChanged is the payload of a state event.
type StateChanged struct {
	Event    string           `json:"event"`
	From     string           `json:"from"`
	To       string           `json:"to"`
	Snapshot session.Snapshot `json:"snapshot"`
}

// TranscriptChanged is the payload of a transcript event.
type TranscriptChanged struct {
	Answer  string `json:"answer"`
	Interim string `json:"interim,omitempty"`
}
