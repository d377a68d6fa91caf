package workflows

import (
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/workflow"

	"dln-backfill/internal/activities"
	"dln-backfill/internal/models"
)

// OrchestratorParams carries the collection config into the parent.
type OrchestratorParams struct {
	SourceProgram      string        `json:"source_program"`
	DestinationProgram string        `json:"destination_program"`
	TargetCreated      uint64        `json:"target_created"`
	TargetFulfilled    uint64        `json:"target_fulfilled"`
	SignaturesBatch    int           `json:"signatures_batch"`
	TxBatch            int           `json:"tx_batch"`
	BatchDelay         time.Duration `json:"batch_delay"`
	Parallel           bool          `json:"parallel"`
	RPCTaskQueue       string        `json:"rpc_task_queue"`
	DBTaskQueue        string        `json:"db_task_queue"`
}

// OrchestratorState is the queryable parent snapshot.
type OrchestratorState struct {
	Status              CollectorStatus `json:"status"`
	Created             CollectorState  `json:"created"`
	Fulfilled           CollectorState  `json:"fulfilled"`
	StartedAt           time.Time       `json:"started_at"`
	CreatedFinishedAt   time.Time       `json:"created_finished_at,omitempty"`
	FulfilledFinishedAt time.Time       `json:"fulfilled_finished_at,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
}

func collectorParams(p OrchestratorParams, eventType models.EventType) CollectorParams {
	cp := CollectorParams{
		EventType:       eventType,
		SignaturesBatch: p.SignaturesBatch,
		TxBatch:         p.TxBatch,
		BatchDelay:      p.BatchDelay,
		RPCTaskQueue:    p.RPCTaskQueue,
		DBTaskQueue:     p.DBTaskQueue,
	}
	if eventType == models.EventCreated {
		cp.ProgramID = p.SourceProgram
		cp.TargetCount = p.TargetCreated
	} else {
		cp.ProgramID = p.DestinationProgram
		cp.TargetCount = p.TargetFulfilled
	}
	return cp
}

// OrchestratorWorkflow initializes storage, then runs one collector per
// event type. Closing the parent requests cancellation of any children
// still running.
func OrchestratorWorkflow(ctx workflow.Context, params OrchestratorParams) (OrchestratorState, error) {
	var acts *activities.Activities

	state := OrchestratorState{
		Status:    StatusInitializing,
		StartedAt: workflow.Now(ctx),
	}
	if err := workflow.SetQueryHandler(ctx, QueryState, func() (OrchestratorState, error) {
		return state, nil
	}); err != nil {
		return state, err
	}

	initCtx := workflow.WithActivityOptions(ctx, dbActivityOptions(CollectorParams{DBTaskQueue: params.DBTaskQueue}))
	if err := workflow.ExecuteActivity(initCtx, acts.InitializeDatabase).Get(ctx, nil); err != nil {
		state.Status = StatusError
		state.ErrorMessage = err.Error()
		return state, err
	}
	state.Status = StatusCollecting

	child := func(id string, eventType models.EventType) workflow.ChildWorkflowFuture {
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:        id,
			ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_REQUEST_CANCEL,
		})
		return workflow.ExecuteChildWorkflow(childCtx, CollectorWorkflow, collectorParams(params, eventType))
	}

	if params.Parallel {
		createdFut := child(CollectorCreatedID, models.EventCreated)
		fulfilledFut := child(CollectorFulfilledID, models.EventFulfilled)

		createdErr := createdFut.Get(ctx, &state.Created)
		state.CreatedFinishedAt = workflow.Now(ctx)
		fulfilledErr := fulfilledFut.Get(ctx, &state.Fulfilled)
		state.FulfilledFinishedAt = workflow.Now(ctx)

		if createdErr != nil {
			state.Status = StatusError
			state.ErrorMessage = createdErr.Error()
			return state, createdErr
		}
		if fulfilledErr != nil {
			state.Status = StatusError
			state.ErrorMessage = fulfilledErr.Error()
			return state, fulfilledErr
		}
	} else {
		if err := child(CollectorCreatedID, models.EventCreated).Get(ctx, &state.Created); err != nil {
			state.Status = StatusError
			state.ErrorMessage = err.Error()
			return state, err
		}
		state.CreatedFinishedAt = workflow.Now(ctx)
		if err := child(CollectorFulfilledID, models.EventFulfilled).Get(ctx, &state.Fulfilled); err != nil {
			state.Status = StatusError
			state.ErrorMessage = err.Error()
			return state, err
		}
		state.FulfilledFinishedAt = workflow.Now(ctx)
	}

	state.Status = StatusCompleted
	return state, nil
}

// HealthWorkflow runs a one-shot RPC health probe on the given queue.
func HealthWorkflow(ctx workflow.Context, rpcTaskQueue string) (activities.HealthReport, error) {
	var acts *activities.Activities

	opts := workflow.ActivityOptions{
		TaskQueue:           rpcTaskQueue,
		StartToCloseTimeout: time.Minute,
	}
	var report activities.HealthReport
	err := workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, opts), acts.CheckRPCHealth).Get(ctx, &report)
	return report, err
}
