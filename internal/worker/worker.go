// Package worker wires workflows and activities onto their task queues
// and runs the Temporal workers for the configured mode.
package worker

import (
	"fmt"
	"log"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"dln-backfill/internal/activities"
	"dln-backfill/internal/config"
	"dln-backfill/internal/workflows"
)

// Workers owns the Temporal client and the per-queue workers.
type Workers struct {
	Client  client.Client
	workers []worker.Worker
}

// New dials the Temporal server and builds the workers for the mode:
//
//	full      all queues in one process
//	workflow  the main queue only (workflow tasks)
//	rpc       chain-facing activities, rate limited
//	db        database activities, high throughput
func New(cfg *config.Config, acts *activities.Activities) (*Workers, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Address,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}

	w := &Workers{Client: c}
	mode := cfg.Worker.Mode

	if mode == "full" || mode == "workflow" {
		mw := worker.New(c, cfg.Temporal.MainTaskQueue, worker.Options{
			MaxConcurrentWorkflowTaskExecutionSize: cfg.Worker.MaxWorkflowTasks,
		})
		mw.RegisterWorkflow(workflows.OrchestratorWorkflow)
		mw.RegisterWorkflow(workflows.CollectorWorkflow)
		mw.RegisterWorkflow(workflows.HealthWorkflow)
		w.workers = append(w.workers, mw)
	}

	if mode == "full" || mode == "rpc" {
		rw := worker.New(c, cfg.Temporal.RPCTaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: cfg.Worker.MaxActivities,
			WorkerActivitiesPerSecond:          cfg.Worker.ActivitiesPerSecond,
		})
		rw.RegisterActivity(acts.FetchSignaturesBatch)
		rw.RegisterActivity(acts.FetchAndParseTransactions)
		rw.RegisterActivity(acts.CheckRPCHealth)
		w.workers = append(w.workers, rw)
	}

	if mode == "full" || mode == "db" {
		dw := worker.New(c, cfg.Temporal.DBTaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: cfg.Worker.MaxActivities,
		})
		dw.RegisterActivity(acts.InitializeDatabase)
		dw.RegisterActivity(acts.GetProgress)
		dw.RegisterActivity(acts.StoreEvents)
		dw.RegisterActivity(acts.GetOrderCounts)
		w.workers = append(w.workers, dw)
	}

	if len(w.workers) == 0 {
		c.Close()
		return nil, fmt.Errorf("worker mode %q starts no workers", mode)
	}
	return w, nil
}

// Start launches every worker. Non-blocking.
func (w *Workers) Start() error {
	for _, wk := range w.workers {
		if err := wk.Start(); err != nil {
			w.Stop()
			return fmt.Errorf("start worker: %w", err)
		}
	}
	log.Printf("[worker] %d workers started", len(w.workers))
	return nil
}

// Stop shuts the workers down and closes the client.
func (w *Workers) Stop() {
	for _, wk := range w.workers {
		wk.Stop()
	}
	w.Client.Close()
}
