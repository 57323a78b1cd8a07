package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surrealdb/surrealsync/pkg/replicator"
	"github.com/surrealdb/surrealsync/pkg/resume"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the saved change stream position",
	}

	openTokens := func(cmd *cobra.Command) (resume.Store, func() error, error) {
		cfg, err := root.loadConfig()
		if err != nil {
			return nil, nil, err
		}
		return replicator.OpenTokens(cmd.Context(), cfg, nil)
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the saved resume token",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, closeTokens, err := openTokens(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeTokens() }()

			tok, err := tokens.Load(cmd.Context())
			if err != nil {
				return err
			}
			if tok == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no saved token")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (saved by %s at %s)\n", tok.Value, tok.OwnerID, tok.SavedAt.Format("2006-01-02 15:04:05Z07:00"))
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the saved position; the next run starts from the current changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, closeTokens, err := openTokens(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeTokens() }()

			if err := tokens.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "resume token cleared")
			return nil
		},
	}

	cmd.AddCommand(showCmd, clearCmd)
	return cmd
}
