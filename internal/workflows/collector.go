// Package workflows holds the durable orchestration: a parent that
// initializes storage and supervises one child collector per event
// type, each collector paging backwards through a program's signature
// history until its target is met.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"dln-backfill/internal/activities"
	"dln-backfill/internal/models"
)

// Well-known workflow IDs; the CLI signals collectors by ID.
const (
	OrchestratorID       = "dln-backfill"
	CollectorCreatedID   = "dln-collector-created"
	CollectorFulfilledID = "dln-collector-fulfilled"
)

const (
	SignalPause  = "pause"
	SignalResume = "resume"
	QueryState   = "get_state"

	// Continue-as-new after this many main-loop iterations keeps the
	// durable history bounded for arbitrarily long runs.
	maxIterationsPerRun = 50

	// A collector paused longer than this gives up its run and returns
	// in the paused state instead of holding history open forever.
	maxPauseWait = 24 * time.Hour
)

// CollectorStatus is the child state machine position.
type CollectorStatus string

const (
	StatusInitializing CollectorStatus = "initializing"
	StatusCollecting   CollectorStatus = "collecting"
	StatusPaused       CollectorStatus = "paused"
	StatusCompleted    CollectorStatus = "completed"
	StatusError        CollectorStatus = "error"
)

// CollectorState is the queryable snapshot of one child collector. It
// also rides through continue-as-new as the resume state.
type CollectorState struct {
	Status                CollectorStatus  `json:"status"`
	ProgramID             string           `json:"program_id"`
	EventType             models.EventType `json:"event_type"`
	TargetCount           uint64           `json:"target_count"`
	TotalCollected        uint64           `json:"total_collected"`
	SignaturesProcessed   uint64           `json:"signatures_processed"`
	TransactionsProcessed uint64           `json:"transactions_processed"`
	EventsInserted        uint64           `json:"events_inserted"`
	DuplicatesSkipped     uint64           `json:"duplicates_skipped"`
	LastSignature         string           `json:"last_signature"`
	IterationCount        uint64           `json:"iteration_count"`
	StartedAt             time.Time        `json:"started_at"`
	LastUpdateAt          time.Time        `json:"last_update_at"`
	ErrorMessage          string           `json:"error_message,omitempty"`
}

// CollectorParams parameterizes one child collector run.
type CollectorParams struct {
	ProgramID       string           `json:"program_id"`
	EventType       models.EventType `json:"event_type"`
	TargetCount     uint64           `json:"target_count"`
	SignaturesBatch int              `json:"signatures_batch"`
	TxBatch         int              `json:"tx_batch"`
	BatchDelay      time.Duration    `json:"batch_delay"`
	RPCTaskQueue    string           `json:"rpc_task_queue"`
	DBTaskQueue     string           `json:"db_task_queue"`

	// ResumeState carries the collector state across continue-as-new.
	ResumeState *CollectorState `json:"resume_state,omitempty"`
}

func rpcActivityOptions(params CollectorParams, timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		TaskQueue:           params.RPCTaskQueue,
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{"NonRetryable"},
		},
	}
}

func dbActivityOptions(params CollectorParams) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		TaskQueue:           params.DBTaskQueue,
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
}

// CollectorWorkflow pages one program's signature history backwards,
// fetching, parsing and storing order events until target_count rows
// exist or the history is exhausted. Pause and resume are observable
// between transaction batches, never inside one.
func CollectorWorkflow(ctx workflow.Context, params CollectorParams) (CollectorState, error) {
	var acts *activities.Activities

	state := CollectorState{
		Status:      StatusInitializing,
		ProgramID:   params.ProgramID,
		EventType:   params.EventType,
		TargetCount: params.TargetCount,
		StartedAt:   workflow.Now(ctx),
	}
	if params.ResumeState != nil {
		state = *params.ResumeState
		state.Status = StatusCollecting
	}

	if err := workflow.SetQueryHandler(ctx, QueryState, func() (CollectorState, error) {
		return state, nil
	}); err != nil {
		return state, err
	}

	paused := false
	pauseCh := workflow.GetSignalChannel(ctx, SignalPause)
	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			sel := workflow.NewSelector(gctx)
			sel.AddReceive(pauseCh, func(c workflow.ReceiveChannel, _ bool) {
				c.Receive(gctx, nil)
				paused = true
			})
			sel.AddReceive(resumeCh, func(c workflow.ReceiveChannel, _ bool) {
				c.Receive(gctx, nil)
				paused = false
			})
			sel.Select(gctx)
		}
	})

	fail := func(err error) (CollectorState, error) {
		state.Status = StatusError
		state.ErrorMessage = err.Error()
		return state, err
	}

	// First run: seed progress from the checkpoint.
	if params.ResumeState == nil {
		dbCtx := workflow.WithActivityOptions(ctx, dbActivityOptions(params))
		var progress activities.GetProgressResult
		err := workflow.ExecuteActivity(dbCtx, acts.GetProgress, activities.GetProgressInput{
			ProgramID: params.ProgramID,
			EventType: params.EventType,
		}).Get(ctx, &progress)
		if err != nil {
			return fail(err)
		}
		state.TotalCollected = progress.TotalCollected
		state.LastSignature = progress.LastSignature
		state.Status = StatusCollecting
	}

	if state.TotalCollected >= params.TargetCount {
		state.Status = StatusCompleted
		return state, nil
	}

	iterationsThisRun := 0
	for state.TotalCollected < params.TargetCount {
		if paused {
			state.Status = StatusPaused
			resumed, err := workflow.AwaitWithTimeout(ctx, maxPauseWait, func() bool { return !paused })
			if err != nil {
				return state, err
			}
			if !resumed {
				// Still paused after the bound; give the run back.
				return state, nil
			}
			state.Status = StatusCollecting
		}

		if iterationsThisRun >= maxIterationsPerRun {
			resume := state
			next := params
			next.ResumeState = &resume
			return state, workflow.NewContinueAsNewError(ctx, CollectorWorkflow, next)
		}

		sigCtx := workflow.WithActivityOptions(ctx, rpcActivityOptions(params, 3*time.Minute))
		var page activities.FetchSignaturesResult
		err := workflow.ExecuteActivity(sigCtx, acts.FetchSignaturesBatch, activities.FetchSignaturesInput{
			ProgramID: params.ProgramID,
			Before:    state.LastSignature,
			Limit:     params.SignaturesBatch,
		}).Get(ctx, &page)
		if err != nil {
			return fail(err)
		}
		if len(page.Signatures) == 0 {
			state.Status = StatusCompleted
			break
		}

		var valid []string
		for _, sd := range page.Signatures {
			if !sd.Failed {
				valid = append(valid, sd.Signature)
			}
		}
		state.SignaturesProcessed += uint64(len(valid))

		for off := 0; off < len(valid) && !paused; off += params.TxBatch {
			end := off + params.TxBatch
			if end > len(valid) {
				end = len(valid)
			}
			batch := valid[off:end]

			fetchCtx := workflow.WithActivityOptions(ctx, rpcActivityOptions(params, 10*time.Minute))
			var parsed activities.FetchAndParseResult
			err := workflow.ExecuteActivity(fetchCtx, acts.FetchAndParseTransactions, activities.FetchAndParseInput{
				Signatures: batch,
				EventType:  params.EventType,
			}).Get(ctx, &parsed)
			if err != nil {
				return fail(err)
			}

			dbCtx := workflow.WithActivityOptions(ctx, dbActivityOptions(params))
			var stored activities.StoreEventsResult
			err = workflow.ExecuteActivity(dbCtx, acts.StoreEvents, activities.StoreEventsInput{
				Events:        parsed.Events,
				ProgramID:     params.ProgramID,
				EventType:     params.EventType,
				LastSignature: batch[len(batch)-1],
			}).Get(ctx, &stored)
			if err != nil {
				return fail(err)
			}

			state.TransactionsProcessed += uint64(parsed.ProcessedCount)
			state.EventsInserted += uint64(stored.InsertedCount)
			state.DuplicatesSkipped += uint64(stored.DuplicateCount)
			state.TotalCollected = stored.TotalCollected
			state.LastSignature = batch[len(batch)-1]
			state.LastUpdateAt = workflow.Now(ctx)

			if state.TotalCollected >= params.TargetCount {
				break
			}
			if err := workflow.Sleep(ctx, params.BatchDelay); err != nil {
				return state, err
			}
		}

		// Failed signatures still advance the cursor past this page.
		if !paused && page.LastSignature != "" && len(valid) == 0 {
			state.LastSignature = page.LastSignature
		}

		state.IterationCount++
		iterationsThisRun++
		if err := workflow.Sleep(ctx, params.BatchDelay); err != nil {
			return state, err
		}
	}

	if state.TotalCollected >= params.TargetCount {
		state.Status = StatusCompleted
	}
	return state, nil
}
