package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCommand() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete checkpoints past the retention window",
		Long: `Delete checkpoints older than the retention window. The latest
checkpoint of any still-running workflow is always kept, whatever its age.`,
		Example: `  bagtrail cleanup --days 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if days == 0 {
				days = rt.cfg.Store.RetentionDays
			}

			removed, err := rt.store.CleanupOldCheckpoints(ctx, days)
			if err != nil {
				return err
			}

			fmt.Printf("Removed %d checkpoint(s) older than %d day(s)\n", removed, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (defaults to config)")

	return cmd
}
