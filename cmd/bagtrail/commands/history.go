package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit      int
		showEvents bool
	)

	cmd := &cobra.Command{
		Use:   "history <bag-id>",
		Short: "Show a bag's checkpoint and event history",
		Example: `  # Checkpoint trail, newest first
  bagtrail history BAG-1001

  # Raw event log instead
  bagtrail history BAG-1001 --events --limit 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if showEvents {
				evts, err := rt.store.GetEvents(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(evts)
				}
				for _, e := range evts {
					fmt.Printf("%s  %-22s source=%s\n",
						e.Timestamp.Format(time.RFC3339), e.Type, e.Source)
				}
				return nil
			}

			meta, err := rt.store.GetCheckpointHistory(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(meta)
			}
			for _, m := range meta {
				fmt.Printf("%s  v%-3d %-20s %s\n",
					m.Timestamp.Format(time.RFC3339), m.Version, m.Node, m.CheckpointID)
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max entries to show")
	cmd.Flags().BoolVar(&showEvents, "events", false, "show the event log instead of checkpoints")

	return cmd
}
