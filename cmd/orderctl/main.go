// Command orderctl controls the backfill from the terminal: start the
// orchestrator, inspect or watch progress, pause/resume/cancel the
// collectors, and run a one-shot health probe.
//
// Exit codes: 0 success, 1 runtime error, 2 invalid command.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"dln-backfill/internal/activities"
	"dln-backfill/internal/config"
	"dln-backfill/internal/workflows"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Address,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial temporal: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx := context.Background()
	switch cmd {
	case "start":
		err = cmdStart(ctx, c, cfg)
	case "status":
		err = cmdStatus(ctx, c)
	case "watch":
		err = cmdWatch(ctx, c)
	case "pause":
		err = signalCollectors(ctx, c, workflows.SignalPause)
	case "resume":
		err = signalCollectors(ctx, c, workflows.SignalResume)
	case "cancel":
		err = cmdCancel(ctx, c)
	case "health":
		err = cmdHealth(ctx, c, cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: orderctl <command>

commands:
  start    begin the backfill (idempotent if already running)
  status   print orchestrator and collector progress
  watch    status refreshed every 5s
  pause    pause both collectors
  resume   resume both collectors
  cancel   cancel the orchestrator and its collectors
  health   one-shot RPC health probe`)
}

func cmdStart(ctx context.Context, c client.Client, cfg *config.Config) error {
	params := workflows.OrchestratorParams{
		SourceProgram:      cfg.Collection.SourceProgram,
		DestinationProgram: cfg.Collection.DestinationProgram,
		TargetCreated:      cfg.Collection.TargetCreated,
		TargetFulfilled:    cfg.Collection.TargetFulfilled,
		SignaturesBatch:    cfg.Collection.SignaturesBatch,
		TxBatch:            cfg.Collection.TxBatch,
		BatchDelay:         cfg.Collection.BatchDelay,
		Parallel:           cfg.Collection.Parallel,
		RPCTaskQueue:       cfg.Temporal.RPCTaskQueue,
		DBTaskQueue:        cfg.Temporal.DBTaskQueue,
	}

	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflows.OrchestratorID,
		TaskQueue: cfg.Temporal.MainTaskQueue,
	}, workflows.OrchestratorWorkflow, params)

	var already *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &already) {
		fmt.Printf("backfill already running (workflow %s)\n", workflows.OrchestratorID)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("backfill started: workflow %s run %s\n", run.GetID(), run.GetRunID())
	return nil
}

func queryCollector(ctx context.Context, c client.Client, id string) (workflows.CollectorState, error) {
	var state workflows.CollectorState
	val, err := c.QueryWorkflow(ctx, id, "", workflows.QueryState)
	if err != nil {
		return state, err
	}
	return state, val.Get(&state)
}

func cmdStatus(ctx context.Context, c client.Client) error {
	for _, collector := range []struct {
		label string
		id    string
	}{
		{"created", workflows.CollectorCreatedID},
		{"fulfilled", workflows.CollectorFulfilledID},
	} {
		state, err := queryCollector(ctx, c, collector.id)
		if err != nil {
			fmt.Printf("%-10s not running (%v)\n", collector.label, err)
			continue
		}
		printCollector(collector.label, state)
	}
	return nil
}

func printCollector(label string, s workflows.CollectorState) {
	fmt.Printf("%-10s %-12s %s\n", label, s.Status, progressBar(s.TotalCollected, s.TargetCount))
	fmt.Printf("           %d/%d events, %d signatures, %d inserted, %d duplicates\n",
		s.TotalCollected, s.TargetCount, s.SignaturesProcessed, s.EventsInserted, s.DuplicatesSkipped)

	elapsed := time.Since(s.StartedAt)
	if s.EventsInserted > 0 && elapsed > 0 && s.Status == workflows.StatusCollecting {
		rate := float64(s.EventsInserted) / elapsed.Seconds()
		remaining := float64(s.TargetCount-s.TotalCollected) / rate
		fmt.Printf("           %.1f events/s, ETA %s\n", rate, (time.Duration(remaining) * time.Second).Round(time.Second))
	}
	if s.ErrorMessage != "" {
		fmt.Printf("           error: %s\n", s.ErrorMessage)
	}
}

func progressBar(done, total uint64) string {
	const width = 30
	if total == 0 {
		return "[" + strings.Repeat("-", width) + "]"
	}
	filled := int(done * width / total)
	if filled > width {
		filled = width
	}
	pct := float64(done) / float64(total) * 100
	return fmt.Sprintf("[%s%s] %5.1f%%",
		strings.Repeat("=", filled), strings.Repeat("-", width-filled), pct)
}

func cmdWatch(ctx context.Context, c client.Client) error {
	for {
		fmt.Print("\033[2J\033[H")
		fmt.Printf("dln backfill - %s\n\n", time.Now().Format(time.RFC3339))
		if err := cmdStatus(ctx, c); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func signalCollectors(ctx context.Context, c client.Client, signal string) error {
	var errs []string
	for _, id := range []string{workflows.CollectorCreatedID, workflows.CollectorFulfilledID} {
		if err := c.SignalWorkflow(ctx, id, "", signal, nil); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		fmt.Printf("%s signalled %s\n", id, signal)
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func cmdCancel(ctx context.Context, c client.Client) error {
	if err := c.CancelWorkflow(ctx, workflows.OrchestratorID, ""); err != nil {
		return err
	}
	fmt.Println("cancellation requested; collectors will stop at their next suspension point")
	return nil
}

func cmdHealth(ctx context.Context, c client.Client, cfg *config.Config) error {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("dln-health-%d", time.Now().Unix()),
		TaskQueue: cfg.Temporal.MainTaskQueue,
	}, workflows.HealthWorkflow, cfg.Temporal.RPCTaskQueue)
	if err != nil {
		return err
	}

	var report activities.HealthReport
	if err := run.Get(ctx, &report); err != nil {
		return err
	}

	status := "healthy"
	if !report.Healthy {
		status = "unhealthy"
	}
	fmt.Printf("rpc: %s  slot=%d  latency=%.1fms\n", status, report.Slot, report.LatencyMs)
	for _, ep := range report.PoolStats.Endpoints {
		fmt.Printf("  %-16s %-9s %d requests, %d failures, %.1fms avg, %.1f rps\n",
			ep.Name, ep.CircuitState, ep.Requests, ep.Failures, ep.AvgLatencyMs, ep.CurrentRPS)
	}
	if report.Error != "" {
		fmt.Printf("  last error: %s\n", report.Error)
	}
	if !report.Healthy {
		return errors.New("rpc pool unhealthy")
	}
	return nil
}
