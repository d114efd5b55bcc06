// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/journal/broker"
	"github.com/absmach/journal/message"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned for messages published above the producer rate.
var ErrRateLimited = errors.New("producer rate limited")

// Limiter manages one token bucket per key. Keys idle for two cleanup
// intervals are forgotten.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a keyed limiter allowing r events per second with the
// given burst per key.
func NewLimiter(r float64, burst int, cleanupInterval time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	l := &Limiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an event for key may happen now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.removeStale(now)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.cleanup * 2)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Publisher throttles publishing per producer. The producer is the string
// payload "target" when present, the message topic otherwise.
type Publisher struct {
	next    broker.Publisher
	limiter *Limiter
}

var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher wraps next with the limiter.
func NewPublisher(next broker.Publisher, limiter *Limiter) *Publisher {
	return &Publisher{next: next, limiter: limiter}
}

// PublishMessage forwards msg unless its producer exceeded the rate.
func (p *Publisher) PublishMessage(msg *message.Message) error {
	if msg == nil {
		return p.next.PublishMessage(msg)
	}
	key := Producer(msg)
	if !p.limiter.Allow(key) {
		return fmt.Errorf("%w: %s", ErrRateLimited, key)
	}
	return p.next.PublishMessage(msg)
}

// Producer returns the key a message is throttled by.
func Producer(msg *message.Message) string {
	if target, ok := msg.Value("target").(string); ok && target != "" {
		return target
	}
	return msg.Topic()
}
