package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <bag-id>",
		Short: "Continue a checkpointed workflow",
		Long: `Load the latest checkpoint for a bag and continue the workflow from
where it stopped. Already-terminal workflows are returned as-is.`,
		Example: `  bagtrail resume BAG-1002`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			final, err := rt.orchestrator.Resume(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(final)
			}

			fmt.Printf("Workflow %s is %s\n", final.WorkflowID, final.Status)
			fmt.Printf("  bag:    %s (%s)\n", final.Bag.BagID, final.Bag.CurrentStatus)
			fmt.Printf("  node:   %s\n", final.CurrentNode)
			fmt.Printf("  nodes:  %v\n", final.PreviousNodes)

			return nil
		},
	}

	return cmd
}
