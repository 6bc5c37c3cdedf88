package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"support-agent/internal/domain"
)

type stateReport struct {
	ConversationID string                   `json:"conversation_id"`
	Version        int64                    `json:"version"`
	State          domain.ConversationState `json:"state"`
	ShownItems     []string                 `json:"shown_items"`
	RepeatedIntent domain.RepeatedIntent    `json:"repeated_intent"`
}

func stateCmd(a *app) *cobra.Command {
	command := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset a conversation's session",
	}
	command.AddCommand(stateShowCmd(a), stateResetCmd(a))
	return command
}

func stateShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print the stored state, shown items and repeated-intent counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx)
			if err != nil {
				return err
			}
			id := args[0]

			sess, err := store.Load(ctx, id)
			if err != nil {
				return err
			}
			repeated, err := store.LoadRepeatedIntent(ctx, id)
			if err != nil {
				return err
			}
			return writeJSON(cmd, stateReport{
				ConversationID: id,
				Version:        sess.State.Version,
				State:          sess.State,
				ShownItems:     sess.ShownItems,
				RepeatedIntent: repeated,
			})
		},
	}
}

func stateResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <conversation-id>",
		Short: "Reset the conversation to idle and clear its shown items and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx)
			if err != nil {
				return err
			}
			sess, err := store.Reset(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conversation %s reset to %s (version %d)\n", args[0], sess.State.Status, sess.State.Version)
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
