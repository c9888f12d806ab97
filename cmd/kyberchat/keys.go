package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pzverkov/kyberchat/pkg/crypto"
)

func keysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect stored conversation keys",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conversations with a stored key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, err := a.keyStore()
				if err != nil {
					return err
				}
				ids, err := store.Keys()
				if err != nil {
					return err
				}
				slices.Sort(ids)

				out := cmd.OutOrStdout()
				if len(ids) == 0 {
					fmt.Fprintln(out, "No conversation keys stored")
					return nil
				}
				for _, id := range ids {
					key, err := store.Get(id)
					if err != nil {
						return fmt.Errorf("chat %d: %w", id, err)
					}
					fmt.Fprintf(out, "%-12d %s\n", id, crypto.Fingerprint(key))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete CHAT_ID",
			Short: "Forget the key of a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid chat id %q", args[0])
				}
				store, err := a.keyStore()
				if err != nil {
					return err
				}
				if err := store.Delete(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted key for chat %d\n", id)
				return nil
			},
		},
	)
	return cmd
}
