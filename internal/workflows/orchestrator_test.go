package workflows

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"dln-backfill/internal/activities"
	"dln-backfill/internal/config"
	"dln-backfill/internal/rpcpool"
)

func orchestratorParams(parallel bool) OrchestratorParams {
	return OrchestratorParams{
		SourceProgram:      config.DefaultSourceProgram,
		DestinationProgram: config.DefaultDestinationProgram,
		TargetCreated:      50,
		TargetFulfilled:    50,
		SignaturesBatch:    10,
		TxBatch:            5,
		BatchDelay:         10 * time.Millisecond,
		Parallel:           parallel,
		RPCTaskQueue:       "rpc",
		DBTaskQueue:        "db",
	}
}

func newOrchestratorEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()
	env.RegisterWorkflow(CollectorWorkflow)

	var a *activities.Activities
	env.OnActivity(a.InitializeDatabase, mock.Anything).Return(nil)
	// Both checkpoints already at target: children complete immediately.
	env.OnActivity(a.GetProgress, mock.Anything, mock.Anything).Return(
		activities.GetProgressResult{LastSignature: "done", TotalCollected: 50}, nil)
	return env
}

func TestOrchestratorParallelRun(t *testing.T) {
	env := newOrchestratorEnv(t)

	env.ExecuteWorkflow(OrchestratorWorkflow, orchestratorParams(true))
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var state OrchestratorState
	require.NoError(t, env.GetWorkflowResult(&state))
	require.Equal(t, StatusCompleted, state.Status)
	require.Equal(t, StatusCompleted, state.Created.Status)
	require.Equal(t, StatusCompleted, state.Fulfilled.Status)
	require.Equal(t, config.DefaultSourceProgram, state.Created.ProgramID)
	require.Equal(t, config.DefaultDestinationProgram, state.Fulfilled.ProgramID)
	require.False(t, state.CreatedFinishedAt.IsZero())
	require.False(t, state.FulfilledFinishedAt.IsZero())
}

func TestOrchestratorSequentialRun(t *testing.T) {
	env := newOrchestratorEnv(t)

	env.ExecuteWorkflow(OrchestratorWorkflow, orchestratorParams(false))
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var state OrchestratorState
	require.NoError(t, env.GetWorkflowResult(&state))
	require.Equal(t, StatusCompleted, state.Status)
	require.Equal(t, StatusCompleted, state.Created.Status)
	require.Equal(t, StatusCompleted, state.Fulfilled.Status)
}

func TestOrchestratorFailsWhenInitFails(t *testing.T) {
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()
	env.RegisterWorkflow(CollectorWorkflow)

	var a *activities.Activities
	env.OnActivity(a.InitializeDatabase, mock.Anything).Return(
		errors.New("connection refused"))

	env.ExecuteWorkflow(OrchestratorWorkflow, orchestratorParams(true))
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())

	val, err := env.QueryWorkflow(QueryState)
	require.NoError(t, err)
	var state OrchestratorState
	require.NoError(t, val.Get(&state))
	require.Equal(t, StatusError, state.Status)
}

func TestHealthWorkflow(t *testing.T) {
	env := (&testsuite.WorkflowTestSuite{}).NewTestWorkflowEnvironment()

	var a *activities.Activities
	env.OnActivity(a.CheckRPCHealth, mock.Anything).Return(activities.HealthReport{
		Healthy:   true,
		Slot:      250000777,
		LatencyMs: 42.5,
		PoolStats: rpcpool.Stats{Healthy: 2},
	}, nil)

	env.ExecuteWorkflow(HealthWorkflow, "rpc")
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var report activities.HealthReport
	require.NoError(t, env.GetWorkflowResult(&report))
	require.True(t, report.Healthy)
	require.Equal(t, uint64(250000777), report.Slot)
	require.Equal(t, 2, report.PoolStats.Healthy)
}
