// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"log/slog"

	"github.com/absmach/journal/topics"
)

// Subscription delivers messages published on one exact topic to a handler.
// Subscriptions live in memory only.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
	broker  *Broker
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Cancel removes the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.broker == nil {
		return
	}
	s.broker.Unsubscribe(s)
}

// Subscribe registers h for messages published on topic. Wildcards are not
// expanded: the topic must match exactly.
func (b *Broker) Subscribe(topic string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, ErrNoHandler
	}
	if err := topics.ValidateTopic(topic); err != nil {
		return nil, fmt.Errorf("topic %q: %w", topic, err)
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		topic:   topic,
		handler: h,
		broker:  b,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	b.logger.Debug("journal subscription added", slog.String("topic", topic), slog.Uint64("id", sub.id))
	return sub, nil
}

// Unsubscribe removes sub. Unknown or already removed subscriptions are ignored.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s != sub {
			continue
		}
		rest := make([]*Subscription, 0, len(list)-1)
		rest = append(rest, list[:i]...)
		rest = append(rest, list[i+1:]...)
		if len(rest) == 0 {
			delete(b.subs, sub.topic)
		} else {
			b.subs[sub.topic] = rest
		}
		b.logger.Debug("journal subscription removed", slog.String("topic", sub.topic), slog.Uint64("id", sub.id))
		return
	}
}

// subscribers returns the current handlers for topic. The slice is never
// mutated in place, so it is safe to iterate after releasing the lock.
func (b *Broker) subscribers(topic string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs[topic]
}

// Subscriptions returns the number of active subscriptions.
func (b *Broker) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	return n
}
