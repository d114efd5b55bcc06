// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/absmach/journal/broker"
	"github.com/absmach/journal/message"
	"github.com/absmach/journal/query"
	"github.com/absmach/journal/storage"
	"github.com/spf13/cobra"
)

// queryFlags are shared by find, count and remove.
type queryFlags struct {
	descriptor string
	ids        []string
	topics     []string
	from       string
	to         string
	payload    []string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.descriptor, "query", "q", "", `JSON query descriptor, e.g. '{"topic":"log.*"}'`)
	flags.StringSliceVar(&f.ids, "id", nil, "Message id (repeatable)")
	flags.StringSliceVarP(&f.topics, "topic", "t", nil, "Topic pattern, '*' matches one segment (repeatable)")
	flags.StringVar(&f.from, "from", "", "Earliest timestamp (RFC3339)")
	flags.StringVar(&f.to, "to", "", "Latest timestamp (RFC3339)")
	flags.StringArrayVarP(&f.payload, "payload", "p", nil, "Payload condition key=value, value decoded as JSON when valid (repeatable)")
}

func (f *queryFlags) build() (*query.Query, error) {
	b := query.NewBuilder()

	if f.descriptor != "" {
		q, err := query.ParseJSON([]byte(f.descriptor))
		if err != nil {
			return nil, err
		}
		b.ID(q.IDs...).Topic(q.Topics...).Timestamp(q.Timestamp).Payload(q.Payload)
	}

	b.ID(f.ids...).Topic(f.topics...)

	if f.from != "" || f.to != "" {
		var r query.Range
		if f.from != "" {
			ts, err := time.Parse(time.RFC3339, f.from)
			if err != nil {
				return nil, fmt.Errorf("invalid --from: %w", err)
			}
			r.From = &ts
		}
		if f.to != "" {
			ts, err := time.Parse(time.RFC3339, f.to)
			if err != nil {
				return nil, fmt.Errorf("invalid --to: %w", err)
			}
			r.To = &ts
		}
		b.Timestamp(r)
	}

	if len(f.payload) > 0 {
		kv, err := parsePayloadFlags(f.payload)
		if err != nil {
			return nil, err
		}
		b.Payload(kv)
	}

	return b.Build(), nil
}

func parsePayloadFlags(pairs []string) (map[string]any, error) {
	kv := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --payload %q: expected key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		kv[key] = v
	}
	return kv, nil
}

func newFindCommand(a *app) *cobra.Command {
	var qf queryFlags
	var page storage.Page

	cmd := &cobra.Command{
		Use:   "find",
		Short: "Print stored messages as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := qf.build()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return a.withBroker(cmd.Context(), func(b *broker.Broker) error {
				return b.Each(cmd.Context(), q, page, func(msg *message.Message) error {
					return enc.Encode(msg)
				})
			})
		},
	}
	qf.register(cmd)
	cmd.Flags().IntVar(&page.Limit, "limit", storage.DefaultLimit, "Maximum number of messages")
	cmd.Flags().IntVar(&page.Offset, "offset", 0, "Number of matching messages to skip")
	return cmd
}

func newCountCommand(a *app) *cobra.Command {
	var qf queryFlags

	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count stored messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := qf.build()
			if err != nil {
				return err
			}
			return a.withBroker(cmd.Context(), func(b *broker.Broker) error {
				n, err := b.Count(cmd.Context(), q)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	qf.register(cmd)
	return cmd
}

func newRemoveCommand(a *app) *cobra.Command {
	var qf queryFlags
	var removeAll bool

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove stored messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := qf.build()
			if err != nil {
				return err
			}
			if q.IsEmpty() && !removeAll {
				return fmt.Errorf("refusing to remove every message without --all")
			}
			return a.withBroker(cmd.Context(), func(b *broker.Broker) error {
				n, err := b.Remove(cmd.Context(), q)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	qf.register(cmd)
	cmd.Flags().BoolVar(&removeAll, "all", false, "Allow an empty query that removes every message")
	return cmd
}
