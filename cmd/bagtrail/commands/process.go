package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bagtrail/bagtrail/pkg/state"
)

func newProcessCommand() *cobra.Command {
	var (
		bagID             string
		tagNumber         string
		passengerID       string
		originFlight      string
		originAirport     string
		destAirport       string
		connectionFlight  string
		connectionAirport string
		weightKg          float64
		declaredValue     float64
		specialHandling   string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run a bag through the full workflow",
		Long: `Check a bag in and drive it through the workflow until it reaches a
terminal state. Every node execution is checkpointed, so an interrupted
run can be continued with 'bagtrail resume'.`,
		Example: `  # Direct flight
  bagtrail process --bag BAG-1001 --tag TAG-1001 --passenger PAX-9 \
    --flight UA0123 --origin SFO --destination JFK --weight 23.5

  # Connecting itinerary with a high declared value
  bagtrail process --bag BAG-1002 --tag TAG-1002 --passenger PAX-4 \
    --flight UA0123 --origin SFO --destination LHR \
    --connection-flight BA0456 --connection-airport JFK \
    --weight 18.2 --value 1200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			bag, err := state.NewBagState(state.NewBagParams{
				BagID:              bagID,
				TagNumber:          tagNumber,
				PassengerID:        passengerID,
				OriginFlight:       originFlight,
				OriginAirport:      originAirport,
				DestinationAirport: destAirport,
				ConnectionFlight:   connectionFlight,
				ConnectionAirport:  connectionAirport,
				WeightKg:           weightKg,
				DeclaredValue:      declaredValue,
				SpecialHandling:    specialHandling,
			})
			if err != nil {
				return err
			}

			st, err := state.NewWorkflowState(bag, connectionFlight != "")
			if err != nil {
				return err
			}
			st.Intervention.ApprovalThresholdValue = rt.cfg.Approval.ThresholdValue
			st.Intervention.ApprovalTimeoutMinutes = rt.cfg.Approval.TimeoutMinutes
			st.MaxRetries = rt.cfg.Engine.MaxRetries
			if st.Connection != nil {
				st.Connection.MinimumConnectionTime = rt.cfg.Engine.MinimumConnectionMinutes
			}

			final, err := rt.orchestrator.Run(ctx, st)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(final)
			}

			fmt.Printf("Workflow %s finished\n", final.WorkflowID)
			fmt.Printf("  bag:      %s\n", final.Bag.BagID)
			fmt.Printf("  status:   %s / %s\n", final.Status, final.Bag.CurrentStatus)
			fmt.Printf("  location: %s\n", final.Bag.CurrentLocation)
			fmt.Printf("  risk:     %.1f (%s)\n", final.Bag.RiskScore, final.Bag.RiskLevel)
			fmt.Printf("  nodes:    %v\n", final.PreviousNodes)
			if len(final.Errors) > 0 {
				fmt.Printf("  errors:   %d recorded\n", len(final.Errors))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&bagID, "bag", "", "bag identifier")
	cmd.Flags().StringVar(&tagNumber, "tag", "", "bag tag number")
	cmd.Flags().StringVar(&passengerID, "passenger", "", "passenger identifier")
	cmd.Flags().StringVar(&originFlight, "flight", "", "origin flight number")
	cmd.Flags().StringVar(&originAirport, "origin", "", "origin airport (IATA)")
	cmd.Flags().StringVar(&destAirport, "destination", "", "destination airport (IATA)")
	cmd.Flags().StringVar(&connectionFlight, "connection-flight", "", "connecting flight number")
	cmd.Flags().StringVar(&connectionAirport, "connection-airport", "", "connection airport (IATA)")
	cmd.Flags().Float64Var(&weightKg, "weight", 20, "bag weight in kg")
	cmd.Flags().Float64Var(&declaredValue, "value", 0, "declared value in dollars")
	cmd.Flags().StringVar(&specialHandling, "special-handling", "", "special handling code")
	cmd.MarkFlagRequired("bag")
	cmd.MarkFlagRequired("tag")
	cmd.MarkFlagRequired("passenger")
	cmd.MarkFlagRequired("flight")
	cmd.MarkFlagRequired("origin")
	cmd.MarkFlagRequired("destination")

	return cmd
}
