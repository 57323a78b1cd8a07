package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/surrealdb/surrealsync/pkg/persist"
	"github.com/surrealdb/surrealsync/pkg/replicator"
)

type snapshotLoader interface {
	LoadSnapshot(ctx context.Context) (*persist.Snapshot, error)
}

func newQueueCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the persisted outbound queue",
	}

	var asJSON bool
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted queue snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			p, err := replicator.OpenPersistence(cmd.Context(), cfg.Persistence)
			if err != nil {
				return err
			}
			loader, ok := p.(snapshotLoader)
			if !ok {
				return errors.New("no queue persistence configured")
			}

			snap, err := loader.LoadSnapshot(cmd.Context())
			if errors.Is(err, persist.ErrNoSnapshot) {
				fmt.Fprintln(cmd.OutOrStdout(), "no persisted queue")
				return nil
			}
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), snap)
		},
	}
	inspect.Flags().BoolVar(&asJSON, "json", false, "print the whole snapshot as JSON")

	cmd.AddCommand(inspect)
	return cmd
}

func printSnapshot(w io.Writer, snap *persist.Snapshot) error {
	fmt.Fprintf(w, "version %d, saved %s, %d operations\n\n",
		snap.Version, snap.Timestamp.Format("2006-01-02 15:04:05Z07:00"), len(snap.Operations))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCOLLECTION\tDOCUMENT\tRETRIES")
	for _, op := range snap.Operations {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%d/%d\n",
			op.ID, op.Type, op.Collection, op.DocumentID(), op.RetryCount, op.MaxRetries)
	}
	return tw.Flush()
}
