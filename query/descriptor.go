// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// StringList decodes from either a single string or a list of strings.
type StringList []string

// UnmarshalJSON accepts "a" as well as ["a", "b"].
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = list
	return nil
}

// UnmarshalYAML accepts a scalar as well as a sequence.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", value.Line)
	}
}

// Descriptor is the structured form of a query, as found in configuration
// files, CLI input or JSON requests.
type Descriptor struct {
	ID        StringList     `json:"id,omitempty" yaml:"id,omitempty"`
	Topic     StringList     `json:"topic,omitempty" yaml:"topic,omitempty"`
	Timestamp Range          `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Payload   map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Query implements Source.
func (d Descriptor) Query() *Query {
	return NewBuilder().
		ID(d.ID...).
		Topic(d.Topic...).
		Timestamp(d.Timestamp).
		Payload(d.Payload).
		Build()
}

// ParseJSON decodes a JSON descriptor into a query.
func ParseJSON(data []byte) (*Query, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse query: %w", err)
	}
	q := d.Query()
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}
