// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/journal/broker"
	"github.com/absmach/journal/message"
	"github.com/spf13/cobra"
)

func newPublishCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <topic> <json-payload>",
		Short: "Publish and persist a single message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("%w: %v", message.ErrInvalidPayload, err)
			}

			return a.withBroker(cmd.Context(), func(b *broker.Broker) error {
				msg, err := b.Publish(args[0], payload)
				if err != nil {
					return err
				}
				// Shutdown drains the queue, so the insert has happened
				// once it returns.
				b.Shutdown()
				if b.Stats().Snapshot().StorageErrors > 0 {
					return errors.New("message was not persisted")
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg.ID())
				return nil
			})
		},
	}
}

func newIndexCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "index <dotted.key>",
		Short: "Ensure a payload index exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBroker(cmd.Context(), func(b *broker.Broker) error {
				return b.EnsurePayloadIndex(cmd.Context(), args[0])
			})
		},
	}
}

func newDropCommand(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop every stored message and payload index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				return fmt.Errorf("refusing to drop the journal without --force")
			}
			scfg := a.cfg.Journal.Storage
			scfg.Required = true

			store, err := openStore(cmd.Context(), scfg, a.logger)
			if err != nil {
				return err
			}
			if store == nil {
				return broker.ErrNoStorage
			}
			defer store.Close()

			return store.Drop(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Confirm dropping the journal")
	return cmd
}
