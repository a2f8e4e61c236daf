package cmd

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/batsched/batsched/internal/common/schedcontext"
	"github.com/batsched/batsched/internal/scheduler"
	"github.com/batsched/batsched/internal/scheduler/simulator"
)

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate ./path/to/workload.yaml",
		Short: "Replays a workload file against the scheduler in virtual time",
		Args:  cobra.ExactArgs(1),
		RunE:  runSimulations,
	}
	cmd.Flags().Float64(
		"terminationBound",
		1e9,
		"Abort the simulation if virtual time passes this bound with jobs still pending")
	return cmd
}

func runSimulations(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	terminationBound, err := cmd.Flags().GetFloat64("terminationBound")
	if err != nil {
		return err
	}

	workload, err := simulator.WorkloadFromFile(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := schedcontext.WithCancel(schedcontext.Background())
	defer cancel()
	g, ctx := schedcontext.ErrGroup(ctx)

	var metrics *scheduler.SchedulerMetrics
	if config.MetricsPort > 0 {
		m := scheduler.NewSchedulerMetrics()
		metrics = &m
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", config.MetricsPort),
			Handler: mux,
		}
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				_ = server.Close()
			}()
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	s, err := simulator.NewSimulator(workload, config.Scheduling, metrics, terminationBound)
	if err != nil {
		return err
	}
	g.Go(func() error {
		// The metrics server stops once the simulation is over.
		defer cancel()
		_, err := s.Run(ctx)
		return err
	})
	return g.Wait()
}
