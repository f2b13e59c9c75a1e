package commands

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/bagtrail/bagtrail/pkg/config"
	"github.com/bagtrail/bagtrail/pkg/events"
	"github.com/bagtrail/bagtrail/pkg/state"
	"github.com/bagtrail/bagtrail/pkg/telemetry"
)

var simAirports = []string{"SFO", "JFK", "LHR", "ORD", "DFW", "AMS", "FRA", "SIN"}
var simCarriers = []string{"UA", "BA", "AA", "DL", "LH", "KL"}

func newSimulateCommand() *cobra.Command {
	var (
		bagCount int
		workers  int
		seed     int64
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a fleet of generated bags through the engine",
		Long: `Generate random bags and drive them through the workflow concurrently,
feeding scan and delay events through the partitioned queue as they go.
Pending approvals are auto-resolved by a background approver so high-value
bags complete too.

Useful for exercising concurrency, conflict recovery and the metrics
endpoint under load.`,
		Example: `  bagtrail simulate --bags 100 --workers 16 --seed 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if rt.metrics != nil {
				go func() {
					if err := rt.metrics.StartMetricsServer(); err != nil {
						rt.logger.WithError(err).Warn("Metrics server stopped")
					}
				}()
			}

			// Long-running command, so config and policy changes are
			// picked up without a restart.
			if configPath != "" {
				err := config.Watch(ctx, configPath, func(next *config.Config) {
					telemetry.SetGlobalLevel(next.Telemetry.LogLevel)
				})
				if err != nil {
					rt.logger.WithError(err).Warn("Config watch unavailable")
				}
			}
			if err := rt.policies.WatchPolicies(ctx, rt.cfg.Approval.PolicyPaths); err != nil {
				rt.logger.WithError(err).Warn("Policy watch unavailable")
			}

			queue := events.NewQueue(rt.processor, rt.logger, rt.metrics, events.QueueOptions{
				Partitions: rt.cfg.Queue.Partitions,
				Capacity:   rt.cfg.Queue.Capacity,
			})
			queue.Start(ctx)
			defer queue.Close()

			approverCtx, stopApprover := context.WithCancel(ctx)
			defer stopApprover()
			go autoApprover(approverCtx, rt)

			rng := rand.New(rand.NewSource(seed))
			specs := make([]state.NewBagParams, bagCount)
			for i := range specs {
				specs[i] = randomBag(rng, i)
			}

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				completed int
				failed    int
				byStatus  = map[state.BagStatus]int{}
			)

			work := make(chan state.NewBagParams)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for p := range work {
						st := runSimBag(ctx, rt, queue, p)
						mu.Lock()
						if st == nil || st.Status == state.WorkflowFailed {
							failed++
						} else {
							completed++
						}
						if st != nil {
							byStatus[st.Bag.CurrentStatus]++
						}
						mu.Unlock()
					}
				}()
			}

			start := time.Now()
			for _, p := range specs {
				select {
				case work <- p:
				case <-ctx.Done():
				}
			}
			close(work)
			wg.Wait()

			fmt.Printf("Simulated %d bag(s) in %s\n", bagCount, time.Since(start).Round(time.Millisecond))
			fmt.Printf("  completed: %d\n", completed)
			fmt.Printf("  failed:    %d\n", failed)
			for status, n := range byStatus {
				fmt.Printf("  %-12s %d\n", status, n)
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&bagCount, "bags", 50, "number of bags to generate")
	cmd.Flags().IntVar(&workers, "workers", 8, "concurrent workflow workers")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")

	return cmd
}

// runSimBag drives one generated bag to a terminal state, firing a delay
// event through the queue for some connecting itineraries.
func runSimBag(ctx context.Context, rt *runtime, queue *events.Queue, p state.NewBagParams) *state.WorkflowState {
	bag, err := state.NewBagState(p)
	if err != nil {
		rt.logger.WithError(err).Warn("Skipping invalid generated bag")
		return nil
	}

	st, err := state.NewWorkflowState(bag, p.ConnectionFlight != "")
	if err != nil {
		return nil
	}
	st.Intervention.ApprovalThresholdValue = rt.cfg.Approval.ThresholdValue
	st.Intervention.ApprovalTimeoutMinutes = 1
	st.MaxRetries = rt.cfg.Engine.MaxRetries

	if p.ConnectionFlight != "" {
		st.Connection.MinimumConnectionTime = rt.cfg.Engine.MinimumConnectionMinutes
		st.Connection.ConnectionBufferMinutes = 90
	}

	final, err := rt.orchestrator.Run(ctx, st)
	if err != nil {
		rt.logger.WithBagID(p.BagID).WithError(err).Warn("Simulated workflow failed")
	}

	// Late scan event against the finished workflow, exercising the
	// terminal guard and the audit log.
	_ = queue.Enqueue(p.BagID, state.EventLocationScan, map[string]interface{}{
		"location": p.DestinationAirport + " CLAIM",
	}, events.PriorityLow)

	return final
}

// autoApprover resolves pending approvals so paused workflows proceed.
func autoApprover(ctx context.Context, rt *runtime) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := rt.store.GetPendingApprovals(ctx, "")
			if err != nil {
				continue
			}
			for _, req := range pending {
				err := rt.store.UpdateApprovalStatus(ctx, req.ApprovalID, state.ApprovalApproved, "simulator", "auto-approved")
				if err != nil {
					rt.logger.WithError(err).Debug("Auto-approve failed")
				}
			}
		}
	}
}

func randomBag(rng *rand.Rand, i int) state.NewBagParams {
	origin := simAirports[rng.Intn(len(simAirports))]
	dest := simAirports[rng.Intn(len(simAirports))]
	for dest == origin {
		dest = simAirports[rng.Intn(len(simAirports))]
	}

	p := state.NewBagParams{
		BagID:              fmt.Sprintf("SIM-BAG-%04d", i),
		TagNumber:          fmt.Sprintf("SIM-TAG-%04d", i),
		PassengerID:        fmt.Sprintf("SIM-PAX-%04d", i),
		OriginFlight:       fmt.Sprintf("%s%04d", simCarriers[rng.Intn(len(simCarriers))], rng.Intn(9000)+100),
		OriginAirport:      origin,
		DestinationAirport: dest,
		WeightKg:           5 + rng.Float64()*25,
	}

	// Every fifth bag connects; every tenth carries a high declared value
	// so the approval gate gets traffic.
	if i%5 == 0 {
		conn := simAirports[rng.Intn(len(simAirports))]
		for conn == origin || conn == dest {
			conn = simAirports[rng.Intn(len(simAirports))]
		}
		p.ConnectionAirport = conn
		p.ConnectionFlight = fmt.Sprintf("%s%04d", simCarriers[rng.Intn(len(simCarriers))], rng.Intn(9000)+100)
	}
	if i%10 == 0 {
		p.DeclaredValue = 600 + rng.Float64()*2000
	}

	return p
}
