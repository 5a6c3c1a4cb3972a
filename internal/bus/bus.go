// Package bus implements the in-process message bus that decouples channel
// adapters, the agent loop, and the HTTP/SSE gateway: publishers push onto a
// topic, subscribers drain it, and delivery preserves per-chat_id ordering
// without serializing unrelated chats against each other.
package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Topic names one of the bus's three streams.
type Topic string

const (
	TopicInbound      Topic = "inbound"
	TopicOutbound     Topic = "outbound"
	TopicSystemEvents Topic = "system_events"
)

// queueCapacity bounds each per-chat_id delivery queue and each subscriber's
// inbox. A full queue makes Publish block rather than drop — cooperative
// backpressure instead of silent loss.
const queueCapacity = 64

// Envelope carries one published value tagged with the chat_id it belongs
// to, so the bus can preserve ordering within that chat while letting
// different chats proceed independently.
type Envelope struct {
	ChatID  string
	Payload any
}

type subscriber struct {
	id string
	ch chan Envelope
}

type chatQueue struct {
	in   chan Envelope
	done chan struct{}
}

// Bus is a process-wide, topic-partitioned publish/subscribe hub.
type Bus struct {
	mu     sync.Mutex
	subs   map[Topic][]*subscriber
	nextID int

	queuesMu sync.Mutex
	queues   map[Topic]map[string]*chatQueue

	countsMu      sync.Mutex
	publishCounts map[Topic]uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subs:          make(map[Topic][]*subscriber),
		queues:        make(map[Topic]map[string]*chatQueue),
		publishCounts: make(map[Topic]uint64),
	}
}

var (
	publishedDesc = prometheus.NewDesc(
		"pocketpaw_bus_published_total",
		"Total envelopes published to the bus, by topic.",
		[]string{"topic"}, nil,
	)
	queueDepthDesc = prometheus.NewDesc(
		"pocketpaw_bus_queue_depth",
		"Current depth of a chat's per-topic delivery queue.",
		[]string{"topic", "chat_id"}, nil,
	)
)

// Describe implements prometheus.Collector.
func (b *Bus) Describe(ch chan<- *prometheus.Desc) {
	ch <- publishedDesc
	ch <- queueDepthDesc
}

// Collect implements prometheus.Collector, reporting per-topic publish
// counts and the current depth of every live per-chat delivery queue.
// Callers register the Bus itself (e.g. prometheus.MustRegister(bus)) —
// it is not self-registering, so constructing a Bus in a test never
// collides with another test's registry.
func (b *Bus) Collect(ch chan<- prometheus.Metric) {
	b.countsMu.Lock()
	for topic, n := range b.publishCounts {
		ch <- prometheus.MustNewConstMetric(publishedDesc, prometheus.CounterValue, float64(n), string(topic))
	}
	b.countsMu.Unlock()

	b.queuesMu.Lock()
	for topic, byChat := range b.queues {
		for chatID, q := range byChat {
			ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(len(q.in)), string(topic), chatID)
		}
	}
	b.queuesMu.Unlock()
}

// Subscribe registers a new listener on topic, returning a receive-only
// channel of envelopes and an unsubscribe function. The returned channel is
// never closed implicitly; call unsubscribe to release it.
func (b *Bus) Subscribe(topic Topic) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: idFor(topic, b.nextID), ch: make(chan Envelope, queueCapacity)}
	b.subs[topic] = append(b.subs[topic], sub)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s == sub {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return sub.ch, unsubscribe
}

func idFor(topic Topic, n int) string {
	return string(topic) + "-" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := make([]byte, 0, 8)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// Publish enqueues payload for chatID onto topic. Messages with the same
// chatID are delivered to every subscriber in publish order; messages with
// different chatIDs may interleave.
func (b *Bus) Publish(topic Topic, chatID string, payload any) {
	q := b.queueFor(topic, chatID)
	q.in <- Envelope{ChatID: chatID, Payload: payload}

	b.countsMu.Lock()
	b.publishCounts[topic]++
	b.countsMu.Unlock()
}

func (b *Bus) queueFor(topic Topic, chatID string) *chatQueue {
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()

	byChat, ok := b.queues[topic]
	if !ok {
		byChat = make(map[string]*chatQueue)
		b.queues[topic] = byChat
	}
	q, ok := byChat[chatID]
	if !ok {
		q = &chatQueue{in: make(chan Envelope, queueCapacity), done: make(chan struct{})}
		byChat[chatID] = q
		go b.drain(topic, q)
	}
	return q
}

func (b *Bus) drain(topic Topic, q *chatQueue) {
	for env := range q.in {
		b.mu.Lock()
		subs := make([]*subscriber, len(b.subs[topic]))
		copy(subs, b.subs[topic])
		b.mu.Unlock()

		for _, s := range subs {
			s.ch <- env
		}
	}
	close(q.done)
}

// Close stops every per-chat delivery goroutine, draining in-flight
// envelopes first. Call during process shutdown; Publish must not be
// called concurrently with or after Close.
func (b *Bus) Close() {
	b.queuesMu.Lock()
	var queues []*chatQueue
	for _, byChat := range b.queues {
		for _, q := range byChat {
			queues = append(queues, q)
		}
	}
	b.queuesMu.Unlock()

	for _, q := range queues {
		close(q.in)
	}
	for _, q := range queues {
		<-q.done
	}
}
