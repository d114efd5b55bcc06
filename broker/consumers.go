// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"

	"github.com/absmach/journal/message"
	"go.uber.org/multierr"
)

// ErrFiltered is returned by TargetFilter for messages it refuses to publish.
var ErrFiltered = errors.New("message target filtered")

// Consumers fans a message out to several global consumers. A failing or
// panicking consumer does not prevent the others from running; their errors
// are combined.
func Consumers(handlers ...Handler) Handler {
	var hs []Handler
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}

	return func(msg *message.Message) error {
		var err error
		for _, h := range hs {
			err = multierr.Append(err, safeCall(h, msg))
		}
		return err
	}
}

// Publisher accepts prebuilt messages.
type Publisher interface {
	PublishMessage(msg *message.Message) error
}

// TargetFilter publishes only messages whose payload "target" passes the
// whitelist and blacklist. Messages without a string target always pass.
type TargetFilter struct {
	next      Publisher
	whitelist map[string]struct{}
	blacklist map[string]struct{}
}

// NewTargetFilter wraps next. An empty whitelist admits every target.
func NewTargetFilter(next Publisher, whitelist, blacklist []string) *TargetFilter {
	return &TargetFilter{
		next:      next,
		whitelist: set(whitelist),
		blacklist: set(blacklist),
	}
}

// Allows reports whether target passes the filter.
func (f *TargetFilter) Allows(target string) bool {
	if _, ok := f.blacklist[target]; ok {
		return false
	}
	if len(f.whitelist) == 0 {
		return true
	}
	_, ok := f.whitelist[target]
	return ok
}

// Publish builds a message and forwards it unless its target is filtered,
// in which case ErrFiltered is returned.
func (f *TargetFilter) Publish(topic string, payload any) (*message.Message, error) {
	msg, err := message.New(topic, payload)
	if err != nil {
		return nil, err
	}
	if err := f.PublishMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// PublishMessage forwards msg unless its target is filtered.
func (f *TargetFilter) PublishMessage(msg *message.Message) error {
	if msg != nil {
		if target, ok := msg.Value("target").(string); ok && !f.Allows(target) {
			return ErrFiltered
		}
	}
	return f.next.PublishMessage(msg)
}

func set(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}
