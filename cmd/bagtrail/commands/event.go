package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bagtrail/bagtrail/pkg/events"
	"github.com/bagtrail/bagtrail/pkg/state"
)

func newEventCommand() *cobra.Command {
	var (
		dataPairs []string
		priority  string
	)

	cmd := &cobra.Command{
		Use:   "event <bag-id> <event-type>",
		Short: "Deliver an external event to a bag's workflow",
		Long: `Record an external event and run its handler against the bag's latest
checkpoint. Events against terminal workflows are audited and ignored.

Supported event types: location_scan, status_update, flight_delay,
mishandling_detected, approval_received.`,
		Example: `  # Carousel scan
  bagtrail event BAG-1001 location_scan -d location="JFK CAROUSEL 4"

  # 95 minute inbound delay
  bagtrail event BAG-1002 flight_delay -d delay_minutes=95 --priority high

  # Mishandling report
  bagtrail event BAG-1003 mishandling_detected -d incident_type=lost --priority critical`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := parseDataPairs(dataPairs)
			if err != nil {
				return err
			}

			prio, err := parsePriority(priority)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			result, err := rt.processor.HandleExternalEvent(ctx, args[0], state.EventType(args[1]), data, prio)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}

			if result.Ignored {
				fmt.Printf("Event ignored: %s\n", result.Message)
				return nil
			}
			fmt.Printf("Event handled: %s\n", result.Message)
			if result.Stage != "" {
				fmt.Printf("  stage:      %s\n", result.Stage)
			}
			if result.CheckpointID != "" {
				fmt.Printf("  checkpoint: %s\n", result.CheckpointID)
			}

			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&dataPairs, "data", "d", nil, "event payload as key=value (repeatable)")
	cmd.Flags().StringVar(&priority, "priority", "medium", "event priority (low, medium, high, critical)")

	return cmd
}

// parseDataPairs turns repeated key=value flags into an event payload,
// coercing numeric and boolean values.
func parseDataPairs(pairs []string) (map[string]interface{}, error) {
	data := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid data pair %q, expected key=value", pair)
		}
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			data[key] = n
		} else if b, err := strconv.ParseBool(value); err == nil {
			data[key] = b
		} else {
			data[key] = value
		}
	}
	return data, nil
}

func parsePriority(s string) (events.Priority, error) {
	switch events.Priority(s) {
	case events.PriorityLow, events.PriorityMedium, events.PriorityHigh, events.PriorityCritical:
		return events.Priority(s), nil
	default:
		return "", fmt.Errorf("invalid priority %q", s)
	}
}
