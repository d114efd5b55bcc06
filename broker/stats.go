// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker pipeline statistics.
type Stats struct {
	startTime time.Time

	// Message stats
	published  atomic.Uint64
	dispatched atomic.Uint64
	persisted  atomic.Uint64
	dropped    atomic.Uint64

	// Error stats
	consumerErrors   atomic.Uint64
	subscriberErrors atomic.Uint64
	storageErrors    atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Published        uint64        `json:"published"`
	Dispatched       uint64        `json:"dispatched"`
	Persisted        uint64        `json:"persisted"`
	Dropped          uint64        `json:"dropped"`
	ConsumerErrors   uint64        `json:"consumer_errors"`
	SubscriberErrors uint64        `json:"subscriber_errors"`
	StorageErrors    uint64        `json:"storage_errors"`
	Uptime           time.Duration `json:"uptime"`
}

// Failures sums every error counter.
func (s Snapshot) Failures() uint64 {
	return s.ConsumerErrors + s.SubscriberErrors + s.StorageErrors
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Message tracking.
func (s *Stats) IncrementPublished() {
	s.published.Add(1)
}

func (s *Stats) IncrementDispatched() {
	s.dispatched.Add(1)
}

func (s *Stats) IncrementPersisted() {
	s.persisted.Add(1)
}

func (s *Stats) IncrementDropped() {
	s.dropped.Add(1)
}

func (s *Stats) GetPublished() uint64 {
	return s.published.Load()
}

func (s *Stats) GetDispatched() uint64 {
	return s.dispatched.Load()
}

func (s *Stats) GetPersisted() uint64 {
	return s.persisted.Load()
}

func (s *Stats) GetDropped() uint64 {
	return s.dropped.Load()
}

// Error tracking.
func (s *Stats) IncrementConsumerErrors() {
	s.consumerErrors.Add(1)
}

func (s *Stats) IncrementSubscriberErrors() {
	s.subscriberErrors.Add(1)
}

func (s *Stats) IncrementStorageErrors() {
	s.storageErrors.Add(1)
}

// GetUptime returns the time since the broker started.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Published:        s.published.Load(),
		Dispatched:       s.dispatched.Load(),
		Persisted:        s.persisted.Load(),
		Dropped:          s.dropped.Load(),
		ConsumerErrors:   s.consumerErrors.Load(),
		SubscriberErrors: s.subscriberErrors.Load(),
		StorageErrors:    s.storageErrors.Load(),
		Uptime:           s.GetUptime(),
	}
}
