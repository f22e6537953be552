// Package eventbus provides the process-wide typed publish/subscribe channel
// for loosely-coupled notifications between sibling modules. Delivery is
// synchronous and order-preserving: Publish invokes every current subscriber
// for the topic, in registration order, before it returns. There is no replay
// and no buffering.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicfe/mosaic/internal/telemetry"
)

// Envelope is one immutable published notification.
type Envelope struct {
	// ID uniquely identifies the envelope.
	ID string `json:"id"`

	// Topic is a flat dot-free string, e.g. "file:selected".
	Topic string `json:"topic"`

	// Payload shape is part of the inter-module contract: adding fields is
	// safe, removing or renaming is a breaking change requiring coordinated
	// deployment.
	Payload any `json:"payload"`

	PublishedAt time.Time `json:"publishedAt"`
}

// Handler receives envelopes for a topic.
type Handler func(Envelope)

// Recorder receives bus metrics. *metrics.Collector satisfies it.
type Recorder interface {
	ObservePublish(topic string)
	ObserveHandlerPanic(topic string)
	SetSubscriberCount(topic string, n int)
}

// Options configures a bus.
type Options struct {
	Events  telemetry.Log
	Metrics Recorder
}

// Bus is the process-wide event bus.
type Bus struct {
	mu      sync.Mutex
	topics  map[string][]*Subscription
	nextID  int64
	events  telemetry.Log
	metrics Recorder
}

// New creates an empty bus.
func New(opts Options) *Bus {
	ev := opts.Events
	if ev == nil {
		ev = telemetry.NoOpLog{}
	}
	return &Bus{
		topics:  make(map[string][]*Subscription),
		events:  ev,
		metrics: opts.Metrics,
	}
}

// Subscription is a registered handler. Every subscription must be released
// when its owning module unmounts, either directly via Unsubscribe or through
// the Scope it was created under.
type Subscription struct {
	bus     *Bus
	topic   string
	id      int64
	handler Handler
	once    sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.topic, s.id)
	})
}

// Subscribe registers a handler for a topic. Handlers are invoked in
// registration order.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{bus: b, topic: topic, id: b.nextID, handler: handler}
	b.topics[topic] = append(b.topics[topic], sub)
	n := len(b.topics[topic])
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetSubscriberCount(topic, n)
	}
	return sub
}

func (b *Bus) remove(topic string, id int64) {
	b.mu.Lock()
	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	n := len(b.topics[topic])
	if n == 0 {
		delete(b.topics, topic)
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetSubscriberCount(topic, n)
	}
}

// Publish delivers payload to every subscriber registered on topic at call
// time, in registration order, before returning. A panicking handler is
// recovered and reported; it never prevents delivery to subsequent handlers
// or propagates to the publisher. Subscribers registered after Publish do not
// receive the envelope.
func (b *Bus) Publish(topic string, payload any) Envelope {
	env := Envelope{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	subs := make([]*Subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, env)
	}

	if b.metrics != nil {
		b.metrics.ObservePublish(topic)
	}
	b.events.Record(telemetry.Event{
		Type:  telemetry.EventBusPublished,
		Topic: topic,
	})
	return env
}

func (b *Bus) deliver(sub *Subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			if b.metrics != nil {
				b.metrics.ObserveHandlerPanic(env.Topic)
			}
			b.events.Record(telemetry.Event{
				Type:     telemetry.EventBusHandlerPanic,
				Severity: telemetry.SeverityError,
				Topic:    env.Topic,
				Error:    fmt.Sprint(r),
			})
		}
	}()
	sub.handler(env)
}

// SubscriberCount returns the current number of subscribers for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
