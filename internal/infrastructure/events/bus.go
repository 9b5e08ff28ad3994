package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an outbound governance event.
type Type string

const (
	EvidenceCollected       Type = "evidence-collected"
	CollectionFailed        Type = "collection-failed"
	AlertTriggered          Type = "alert-triggered"
	RiskAssessmentCompleted Type = "risk-assessment-completed"
	RiskAccepted            Type = "risk-accepted"
	MitigationAdded         Type = "mitigation-added"
	AssessmentCompleted     Type = "assessment-completed"
	HealthCheck             Type = "health-check"
)

// Event is the envelope delivered to observers.
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      Type                   `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an id and timestamp on a new event.
func NewEvent(eventType Type, source string, data map[string]interface{}) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Observer receives published events. Implementations must not block for long;
// the bus calls observers synchronously in subscription order.
type Observer interface {
	Notify(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

// Publisher is the narrow interface subsystems depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus fans events out to subscribed observers, optionally filtered by type.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]subscription
	order       []uuid.UUID
}

type subscription struct {
	observer Observer
	types    map[Type]struct{}
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[uuid.UUID]subscription),
	}
}

// Subscribe registers an observer. With no types it receives every event.
// The returned function removes the subscription.
func (b *Bus) Subscribe(observer Observer, types ...Type) func() {
	id := uuid.New()
	sub := subscription{observer: observer}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
		for i, sid := range b.order {
			if sid == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the event to every matching observer. A panicking observer
// is logged and skipped.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	targets := make([]Observer, 0, len(b.order))
	for _, id := range b.order {
		sub := b.subscribers[id]
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		targets = append(targets, sub.observer)
	}
	b.mu.RUnlock()

	for _, observer := range targets {
		b.notify(ctx, observer, event)
	}
}

func (b *Bus) notify(ctx context.Context, observer Observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event observer panicked",
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	observer.Notify(ctx, event)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Discard is a Publisher that drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
