package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bagtrail/bagtrail/pkg/state"
)

func newApprovalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and resolve pending approval requests",
		Long: `List pending approval requests and resolve them. A paused workflow picks
the decision up on its next poll; a workflow that already timed out keeps
its auto-proceed outcome.`,
	}

	cmd.AddCommand(newApprovalsListCommand())
	cmd.AddCommand(newApprovalsResolveCommand("approve", state.ApprovalApproved))
	cmd.AddCommand(newApprovalsResolveCommand("reject", state.ApprovalRejected))
	cmd.AddCommand(newApprovalsExpireCommand())

	return cmd
}

func newApprovalsListCommand() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List pending approval requests",
		Example: `  bagtrail approvals list --role supervisor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			pending, err := rt.store.GetPendingApprovals(ctx, role)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(pending)
			}

			if len(pending) == 0 {
				fmt.Println("No pending approvals")
				return nil
			}
			for _, req := range pending {
				fmt.Printf("%s  bag=%s action=%s role=%s deadline=%s\n",
					req.ApprovalID, req.BagID, req.Action, req.ApproverRole,
					req.TimeoutAt.Format(time.RFC3339))
				fmt.Printf("    %s\n", req.Reason)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "filter by approver role")

	return cmd
}

func newApprovalsResolveCommand(use string, status state.ApprovalStatus) *cobra.Command {
	var (
		approvedBy string
		comments   string
	)

	cmd := &cobra.Command{
		Use:     use + " <approval-id>",
		Short:   fmt.Sprintf("Mark an approval request as %s", status),
		Example: fmt.Sprintf(`  bagtrail approvals %s APR-123 --by ops.lead --comments "verified claim"`, use),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if err := rt.store.UpdateApprovalStatus(ctx, args[0], status, approvedBy, comments); err != nil {
				return err
			}

			fmt.Printf("Approval %s marked %s\n", args[0], status)
			return nil
		},
	}

	cmd.Flags().StringVar(&approvedBy, "by", "", "resolver identity")
	cmd.Flags().StringVar(&comments, "comments", "", "resolution comments")
	cmd.MarkFlagRequired("by")

	return cmd
}

func newApprovalsExpireCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Time out approval requests past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			expired, err := rt.store.ExpireApprovals(ctx, time.Now().UTC())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(expired)
			}

			fmt.Printf("Expired %d approval request(s)\n", len(expired))
			for _, id := range expired {
				fmt.Printf("  %s\n", id)
			}

			return nil
		},
	}

	return cmd
}
