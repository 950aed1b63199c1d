package accounting

import (
	"time"

	"github.com/google/uuid"
)

// BusinessEvent is the raw fact the kernel ingests at the start of the
// posting pipeline: an event type, its payload, the effective date it
// should post against, and the idempotency key guaranteeing at-most-once
// journal entry per logical occurrence.
type BusinessEvent struct {
	ID             string         `json:"id"`
	EventType      string         `json:"event_type"`
	Payload        map[string]any `json:"payload"`
	EffectiveDate  time.Time      `json:"effective_date"`
	Actor          string         `json:"actor"`
	LegalEntity    string         `json:"legal_entity"`
	IdempotencyKey string         `json:"idempotency_key"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

// EventStore is the append-only intake log every BusinessEvent passes
// through before interpretation. Keeping ingestion as its own append-only
// log (rather than folding it into JournalEntry) is what makes
// replay-equivalence checkable: replaying this log through the same
// policy pack and engines must reproduce the same journal.
type EventStore struct {
	storage *Storage
}

func NewEventStore(storage *Storage) *EventStore {
	return &EventStore{storage: storage}
}

// Record appends a new BusinessEvent, minting its ID and RecordedAt.
func (es *EventStore) Record(eventType string, payload map[string]any, effectiveDate time.Time, actor, legalEntity, idempotencyKey string) (*BusinessEvent, error) {
	event := &BusinessEvent{
		ID:             uuid.New().String(),
		EventType:      eventType,
		Payload:        payload,
		EffectiveDate:  effectiveDate,
		Actor:          actor,
		LegalEntity:    legalEntity,
		IdempotencyKey: idempotencyKey,
		RecordedAt:     time.Now().UTC(),
	}
	if err := es.storage.AppendEvent(event); err != nil {
		return nil, err
	}
	return event, nil
}

// GetEvents retrieves events recorded within [from, to).
func (es *EventStore) GetEvents(from, to time.Time) ([]*BusinessEvent, error) {
	return es.storage.GetEvents(from, to)
}

// ReplayEvents drives handler over every event in [from, to) in recorded
// order. Payloads come back through JSON, so typed values such as Money
// arrive as generic maps and numbers, not as the Go types first recorded.
func (es *EventStore) ReplayEvents(from, to time.Time, handler func(*BusinessEvent) error) error {
	events, err := es.GetEvents(from, to)
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}
