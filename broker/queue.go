// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"sync"

	"github.com/absmach/journal/message"
)

// Queue overflow policies.
const (
	PolicyBlock      = "block"
	PolicyDropNewest = "drop_newest"
	PolicyDropOldest = "drop_oldest"
)

var errQueueFull = errors.New("queue full")

// queue is the FIFO between publishers and the consumer goroutine.
// A zero limit makes it unbounded.
type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []*message.Message
	limit    int
	policy   string
	closed   bool
}

func newQueue(limit int, policy string) *queue {
	if policy == "" {
		policy = PolicyBlock
	}
	q := &queue{
		limit:  limit,
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// push appends msg. With drop_oldest the evicted message is returned; with
// drop_newest a full queue rejects msg with errQueueFull; with block push
// waits for space. ErrClosed is returned once the queue is closed.
func (q *queue) push(msg *message.Message) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	var evicted *message.Message
	if q.limit > 0 && len(q.items) >= q.limit {
		switch q.policy {
		case PolicyDropNewest:
			return nil, errQueueFull
		case PolicyDropOldest:
			evicted = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
		default:
			for len(q.items) >= q.limit && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				return nil, ErrClosed
			}
		}
	}

	q.items = append(q.items, msg)
	q.notEmpty.Signal()
	return evicted, nil
}

// pop blocks until a message is available. It keeps returning queued
// messages after close and reports false once the queue is closed and empty.
func (q *queue) pop() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.notFull.Signal()
	return msg, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
