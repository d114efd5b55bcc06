// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const (
	// Separator splits a topic into segments.
	Separator = "."
	// Wildcard matches exactly one non-empty segment.
	Wildcard = "*"
)

// IsPattern reports whether the topic contains a wildcard segment.
func IsPattern(pattern string) bool {
	return strings.Contains(pattern, Wildcard)
}

// Match checks if the topic matches the given pattern.
// Rules:
// - a pattern without '*' must equal the topic exactly.
// - '*' matches exactly one non-empty segment; there is no multi-level wildcard.
// - pattern and topic must have the same number of segments.
func Match(pattern, topic string) bool {
	if !IsPattern(pattern) {
		return pattern == topic
	}

	patternLevels := strings.Split(pattern, Separator)
	topicLevels := strings.Split(topic, Separator)
	if len(patternLevels) != len(topicLevels) {
		return false
	}

	for i, pLevel := range patternLevels {
		tLevel := topicLevels[i]
		if pLevel == Wildcard {
			// Empty segments (e.g. "a..b") never satisfy a wildcard
			if tLevel == "" {
				return false
			}
			continue
		}
		if pLevel != tLevel {
			return false
		}
	}

	return true
}

// MatchAny reports whether the topic matches at least one of the patterns.
func MatchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if Match(p, topic) {
			return true
		}
	}
	return false
}
