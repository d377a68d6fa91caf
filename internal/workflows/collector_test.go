package workflows

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"dln-backfill/internal/activities"
	"dln-backfill/internal/config"
	"dln-backfill/internal/models"
)

func testParams() CollectorParams {
	return CollectorParams{
		ProgramID:       config.DefaultSourceProgram,
		EventType:       models.EventCreated,
		TargetCount:     100,
		SignaturesBatch: 10,
		TxBatch:         5,
		BatchDelay:      10 * time.Millisecond,
		RPCTaskQueue:    "rpc",
		DBTaskQueue:     "db",
	}
}

func signaturePage(n int, prefix string) activities.FetchSignaturesResult {
	var out activities.FetchSignaturesResult
	for i := 0; i < n; i++ {
		out.Signatures = append(out.Signatures, activities.SignatureDescriptor{
			Signature: fmt.Sprintf("%s-%d", prefix, i),
		})
	}
	if n > 0 {
		out.LastSignature = out.Signatures[n-1].Signature
	}
	return out
}

func TestCollectorCompletesWhenTargetAlreadyMet(t *testing.T) {
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, mock.Anything).Return(
		activities.GetProgressResult{LastSignature: "old-sig", TotalCollected: 100}, nil)

	env.ExecuteWorkflow(CollectorWorkflow, testParams())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var state CollectorState
	require.NoError(t, env.GetWorkflowResult(&state))
	require.Equal(t, StatusCompleted, state.Status)
	require.Equal(t, uint64(100), state.TotalCollected)
}

func TestCollectorCompletesOnEmptyHistory(t *testing.T) {
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, mock.Anything).Return(
		activities.GetProgressResult{}, nil)
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, mock.Anything).Return(
		activities.FetchSignaturesResult{}, nil)

	env.ExecuteWorkflow(CollectorWorkflow, testParams())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var state CollectorState
	require.NoError(t, env.GetWorkflowResult(&state))
	require.Equal(t, StatusCompleted, state.Status)
}

func TestCollectorProcessesUntilTarget(t *testing.T) {
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, mock.Anything).Return(
		activities.GetProgressResult{TotalCollected: 90}, nil)

	page := 0
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, in activities.FetchSignaturesInput) (activities.FetchSignaturesResult, error) {
			page++
			out := signaturePage(10, fmt.Sprintf("page%d", page))
			out.HasMore = true
			// One failed signature per page; it must not be fetched.
			out.Signatures[0].Failed = true
			return out, nil
		})

	env.OnActivity(a.FetchAndParseTransactions, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, in activities.FetchAndParseInput) (activities.FetchAndParseResult, error) {
			for _, sig := range in.Signatures {
				require.NotContains(t, sig, "-0", "failed signatures must be filtered out")
			}
			events := make([]models.OrderEvent, len(in.Signatures))
			for i, sig := range in.Signatures {
				events[i] = models.OrderEvent{OrderID: "o" + sig, EventType: in.EventType, Signature: sig}
			}
			return activities.FetchAndParseResult{Events: events, ProcessedCount: len(events)}, nil
		})

	total := uint64(90)
	env.OnActivity(a.StoreEvents, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, in activities.StoreEventsInput) (activities.StoreEventsResult, error) {
			total += uint64(len(in.Events))
			return activities.StoreEventsResult{
				InsertedCount:  len(in.Events),
				TotalCollected: total,
			}, nil
		})

	env.ExecuteWorkflow(CollectorWorkflow, testParams())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var state CollectorState
	require.NoError(t, env.GetWorkflowResult(&state))
	require.Equal(t, StatusCompleted, state.Status)
	require.GreaterOrEqual(t, state.TotalCollected, uint64(100))
	require.NotEmpty(t, state.LastSignature)
}

func TestCollectorPauseAndResume(t *testing.T) {
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, mock.Anything).Return(
		activities.GetProgressResult{}, nil)

	pages := 0
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, in activities.FetchSignaturesInput) (activities.FetchSignaturesResult, error) {
			pages++
			if pages > 2 {
				return activities.FetchSignaturesResult{}, nil
			}
			return signaturePage(5, fmt.Sprintf("page%d", pages)), nil
		})
	env.OnActivity(a.FetchAndParseTransactions, mock.Anything, mock.Anything).Return(
		activities.FetchAndParseResult{}, nil)
	env.OnActivity(a.StoreEvents, mock.Anything, mock.Anything).Return(
		activities.StoreEventsResult{TotalCollected: 5}, nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalPause, nil)
	}, time.Millisecond)
	env.RegisterDelayedCallback(func() {
		val, err := env.QueryWorkflow(QueryState)
		require.NoError(t, err)
		var state CollectorState
		require.NoError(t, val.Get(&state))
		require.Equal(t, StatusPaused, state.Status)
	}, time.Hour)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalResume, nil)
	}, 2*time.Hour)

	env.ExecuteWorkflow(CollectorWorkflow, testParams())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var state CollectorState
	require.NoError(t, env.GetWorkflowResult(&state))
	require.Equal(t, StatusCompleted, state.Status)
}

func TestCollectorPauseTimeoutReturnsPaused(t *testing.T) {
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, mock.Anything).Return(
		activities.GetProgressResult{}, nil)
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, mock.Anything).Return(
		signaturePage(5, "page"), nil)
	env.OnActivity(a.FetchAndParseTransactions, mock.Anything, mock.Anything).Return(
		activities.FetchAndParseResult{}, nil)
	env.OnActivity(a.StoreEvents, mock.Anything, mock.Anything).Return(
		activities.StoreEventsResult{TotalCollected: 5}, nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalPause, nil)
	}, time.Millisecond)

	env.ExecuteWorkflow(CollectorWorkflow, testParams())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var state CollectorState
	require.NoError(t, env.GetWorkflowResult(&state))
	require.Equal(t, StatusPaused, state.Status, "a day-long pause hands the run back")
}

func TestCollectorContinuesAsNewAfterIterationBudget(t *testing.T) {
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, mock.Anything).Return(
		activities.GetProgressResult{}, nil)

	page := 0
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, in activities.FetchSignaturesInput) (activities.FetchSignaturesResult, error) {
			page++
			return signaturePage(1, fmt.Sprintf("page%d", page)), nil
		})
	env.OnActivity(a.FetchAndParseTransactions, mock.Anything, mock.Anything).Return(
		activities.FetchAndParseResult{ProcessedCount: 1}, nil)

	total := uint64(0)
	env.OnActivity(a.StoreEvents, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, in activities.StoreEventsInput) (activities.StoreEventsResult, error) {
			total++
			return activities.StoreEventsResult{InsertedCount: 1, TotalCollected: total}, nil
		})

	params := testParams()
	params.TargetCount = 10000

	env.ExecuteWorkflow(CollectorWorkflow, params)
	require.True(t, env.IsWorkflowCompleted())

	err := env.GetWorkflowError()
	require.Error(t, err)
	require.True(t, workflow.IsContinueAsNewError(err),
		"the iteration budget must roll the run over, got: %v", err)
	require.Equal(t, maxIterationsPerRun, page)
}

func TestCollectorResumeStateSkipsCheckpointRead(t *testing.T) {
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()
	var a *activities.Activities

	// GetProgress is deliberately not mocked: calling it would fail.
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, mock.Anything).Return(
		activities.FetchSignaturesResult{}, nil)

	params := testParams()
	params.ResumeState = &CollectorState{
		Status:         StatusCollecting,
		ProgramID:      params.ProgramID,
		EventType:      params.EventType,
		TargetCount:    params.TargetCount,
		TotalCollected: 40,
		LastSignature:  "carried-over",
		IterationCount: 50,
	}

	env.ExecuteWorkflow(CollectorWorkflow, params)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var state CollectorState
	require.NoError(t, env.GetWorkflowResult(&state))
	require.Equal(t, StatusCompleted, state.Status)
	require.Equal(t, uint64(40), state.TotalCollected)
	require.Equal(t, "carried-over", state.LastSignature)
}

func TestCollectorSurfacesActivityError(t *testing.T) {
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, mock.Anything).Return(
		activities.GetProgressResult{}, nil)
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, mock.Anything).Return(
		activities.FetchSignaturesResult{}, fmt.Errorf("invalid param: bad address"))

	env.ExecuteWorkflow(CollectorWorkflow, testParams())
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())

	val, err := env.QueryWorkflow(QueryState)
	require.NoError(t, err)
	var state CollectorState
	require.NoError(t, val.Get(&state))
	require.Equal(t, StatusError, state.Status)
	require.Contains(t, state.ErrorMessage, "invalid param")
}
