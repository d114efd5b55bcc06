// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var ErrInvalidTopic = errors.New("invalid topic: contains wildcards or illegal characters")

// ValidateTopic checks if the topic is valid for publishing (no wildcards).
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.Contains(topic, Wildcard) {
		return ErrInvalidTopic
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopic
	}
	if strings.Contains(topic, "\u0000") {
		return ErrInvalidTopic
	}
	return nil
}

// ValidatePattern checks if the pattern is usable in a query.
// Wildcards must occupy a whole segment ("foo.*", not "foo*").
func ValidatePattern(pattern string) error {
	if pattern == "" || !utf8.ValidString(pattern) || strings.Contains(pattern, "\u0000") {
		return ErrInvalidTopic
	}
	for _, level := range strings.Split(pattern, Separator) {
		if level != Wildcard && strings.Contains(level, Wildcard) {
			return ErrInvalidTopic
		}
	}
	return nil
}
