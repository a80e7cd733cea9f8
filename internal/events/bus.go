// Package events provides the typed pub/sub channel that fans out state
// changes from the task store, gateway, and reconciler to their consumers.
package events

import (
	"sync"
	"time"
)

// Topic names one category of broadcast message.
type Topic string

const (
	TopicTaskCreated      Topic = "task.created"
	TopicTaskUpdated      Topic = "task.updated"
	TopicTaskStatus       Topic = "task.status_changed"
	TopicTaskReplaced     Topic = "task.replaced"
	TopicSubtaskCompleted Topic = "subtask.completed"
	TopicSessionStarted   Topic = "session.started"
	TopicSessionEnded     Topic = "session.ended"
	TopicWorkEvent        Topic = "work.event"
)

// Message is one delivered broadcast.
type Message struct {
	Topic   Topic
	Payload any
	Time    time.Time
}

// Bus is a typed broadcast channel with explicit subscriber lifecycles.
// Delivery to each subscriber is FIFO; a subscriber that falls behind its
// buffer loses the oldest undelivered message rather than blocking
// publishers.
type Bus interface {
	Publish(topic Topic, payload any)
	Subscribe(topics ...Topic) (<-chan Message, func())
	Close()
}

const subscriberBuffer = 64

type subscriber struct {
	topics map[Topic]bool // nil means all topics
	ch     chan Message
}

type bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() Bus {
	return &bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in the given topics (all topics when none are
// given) and returns the delivery channel plus a cancel function. Cancel is
// idempotent and closes the channel.
func (b *bus) Subscribe(topics ...Topic) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Message, subscriberBuffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers the payload to every subscriber interested in topic.
func (b *bus) Publish(topic Topic, payload any) {
	msg := Message{Topic: topic, Payload: payload, Time: time.Now().UTC()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		for {
			select {
			case sub.ch <- msg:
			default:
				// Buffer full: drop the oldest message and retry.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close terminates all subscriptions. Publish becomes a no-op afterwards.
func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
