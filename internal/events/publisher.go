// Package events publishes session changes to the bus and to in-process
// subscribers such as websocket streams.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/loqalabs/loqa-coach/internal/session"
	"github.com/rs/xid"
)

// Publisher emits typed session events. A nil bus keeps events local.
type Publisher struct {
	bus    *bus.Client
	source string
	log    *slog.Logger

	subMu       sync.RWMutex
	subscribers map[string]subscriber
}

type subscriber struct {
	sessionID string
	ch        chan Envelope
}

func NewPublisher(busClient *bus.Client, source string, log *slog.Logger) *Publisher {
	return &Publisher{
		bus:         busClient,
		source:      source,
		log:         log.With(slog.String("component", "session-events")),
		subscribers: make(map[string]subscriber),
	}
}

// Subject returns the bus subject for a session event.
func Subject(sessionID string, eventType EventType) string {
	return fmt.Sprintf("%s.%s.%s", protocol.SubjectSessionEventPrefix, sessionID, eventType)
}

// Observe turns a session transition into state and transcript events.
func (p *Publisher) Observe(ctx context.Context, t session.Transition) {
	if t.From.State != t.To.State || t.From.Notice != t.To.Notice || t.From.Error != t.To.Error || t.From.Result != t.To.Result {
		data := StateChanged{
			Event:    t.Event.String(),
			From:     t.From.State.String(),
			To:       t.To.State.String(),
			Snapshot: t.To,
		}
		if err := p.Emit(ctx, TypeState, t.To, data); err != nil {
			p.log.Warn("failed to publish state event", slog.String("error", err.Error()))
		}
	}
	if t.From.Answer != t.To.Answer || t.From.Interim != t.To.Interim {
		data := TranscriptChanged{Answer: t.To.Answer, Interim: t.To.Interim}
		if err := p.Emit(ctx, TypeTranscript, t.To, data); err != nil {
			p.log.Warn("failed to publish transcript event", slog.String("error", err.Error()))
		}
	}
}

// Emit publishes an event for snap's session and fans it out to local
// subscribers without blocking.
func (p *Publisher) Emit(_ context.Context, eventType EventType, snap session.Snapshot, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	envelope := Envelope{
		ID:        xid.New().String(),
		Type:      eventType,
		Source:    p.source,
		SessionID: snap.ID,
		Version:   snap.Version,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}

	p.subMu.RLock()
	for id, sub := range p.subscribers {
		if sub.sessionID != "" && sub.sessionID != snap.ID {
			continue
		}
		select {
		case sub.ch <- envelope:
		default:
			p.log.Warn("event dropped: subscriber buffer full",
				slog.String("subscriber", id), slog.String("event_type", string(eventType)))
		}
	}
	p.subMu.RUnlock()

	if p.bus == nil {
		return nil
	}
	return p.bus.PublishJSON(Subject(snap.ID, eventType), envelope)
}

// Subscribe registers a local subscription for one session, or for all
// sessions when sessionID is empty. Call Unsubscribe with the same id.
func (p *Publisher) Subscribe(id, sessionID string, bufSize int) <-chan Envelope {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Envelope, bufSize)
	p.subMu.Lock()
	if old, ok := p.subscribers[id]; ok {
		close(old.ch)
	}
	p.subscribers[id] = subscriber{sessionID: sessionID, ch: ch}
	p.subMu.Unlock()
	return ch
}

// Unsubscribe removes a local subscription and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.subMu.Lock()
	if sub, ok := p.subscribers[id]; ok {
		close(sub.ch)
		delete(p.subscribers, id)
	}
	p.subMu.Unlock()
}
