// Package activities holds the side-effectful units the workflows
// invoke. Every input and output crosses a serialized boundary, so
// amounts travel as decimal strings and times as RFC 3339.
package activities

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"dln-backfill/internal/config"
	"dln-backfill/internal/eventbus"
	"dln-backfill/internal/fetcher"
	"dln-backfill/internal/metrics"
	"dln-backfill/internal/models"
	"dln-backfill/internal/parser"
	"dln-backfill/internal/rpcpool"
	"dln-backfill/internal/solana"
	"dln-backfill/internal/store"
)

// Activities bundles the process-wide collaborators. One instance is
// registered per worker.
type Activities struct {
	cfg     *config.Config
	pool    *rpcpool.Pool
	fetcher *fetcher.Fetcher
	parser  *parser.Parser
	store   *store.Store
	bus     *eventbus.Bus
	metrics *metrics.Metrics
}

func New(cfg *config.Config, pool *rpcpool.Pool, f *fetcher.Fetcher, p *parser.Parser, st *store.Store, bus *eventbus.Bus, m *metrics.Metrics) *Activities {
	return &Activities{cfg: cfg, pool: pool, fetcher: f, parser: p, store: st, bus: bus, metrics: m}
}

// asActivityError keeps the engine from retrying faults that will never
// succeed. Everything else stays retryable under the activity policy.
func asActivityError(err error) error {
	if err == nil {
		return nil
	}
	if !solana.IsRetryable(err) {
		return temporal.NewNonRetryableApplicationError(err.Error(), "NonRetryable", err)
	}
	return err
}

// InitializeDatabase creates the schema. Idempotent.
func (a *Activities) InitializeDatabase(ctx context.Context) error {
	return a.store.InitSchema(ctx)
}

type GetProgressInput struct {
	ProgramID string           `json:"program_id"`
	EventType models.EventType `json:"event_type"`
}

type GetProgressResult struct {
	LastSignature  string `json:"last_signature"`
	TotalCollected uint64 `json:"total_collected"`
}

// GetProgress reads the checkpoint; the collected total comes from an
// authoritative count of stored rows, not the checkpoint itself.
func (a *Activities) GetProgress(ctx context.Context, in GetProgressInput) (GetProgressResult, error) {
	cp, err := a.store.GetProgress(ctx, in.ProgramID, in.EventType)
	if err != nil {
		return GetProgressResult{}, err
	}
	return GetProgressResult{LastSignature: cp.LastSignature, TotalCollected: cp.TotalCollected}, nil
}

// SignatureDescriptor is one page entry. Failed transactions still
// advance the cursor but carry no events worth fetching.
type SignatureDescriptor struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"block_time,omitempty"`
	Failed    bool   `json:"failed"`
}

type FetchSignaturesInput struct {
	ProgramID string `json:"program_id"`
	Before    string `json:"before,omitempty"`
	Limit     int    `json:"limit"`
}

type FetchSignaturesResult struct {
	Signatures    []SignatureDescriptor `json:"signatures"`
	LastSignature string                `json:"last_signature"`
	HasMore       bool                  `json:"has_more"`
}

// FetchSignaturesBatch pages signatures strictly older than Before.
// HasMore is inferred from a full page.
func (a *Activities) FetchSignaturesBatch(ctx context.Context, in FetchSignaturesInput) (FetchSignaturesResult, error) {
	activity.RecordHeartbeat(ctx, "acquiring endpoint")

	client, ep, err := a.pool.Acquire(ctx)
	if err != nil {
		return FetchSignaturesResult{}, asActivityError(err)
	}
	start := time.Now()
	infos, err := client.GetSignaturesForAddress(ctx, in.ProgramID, in.Before, in.Limit)
	if err != nil {
		a.pool.ReportFailure(ep, err)
		return FetchSignaturesResult{}, asActivityError(err)
	}
	a.pool.ReportSuccess(ep, time.Since(start))

	out := FetchSignaturesResult{HasMore: in.Limit > 0 && len(infos) == in.Limit}
	for _, info := range infos {
		out.Signatures = append(out.Signatures, SignatureDescriptor{
			Signature: info.Signature,
			Slot:      info.Slot,
			BlockTime: info.BlockTime,
			Failed:    info.Failed(),
		})
	}
	if len(infos) > 0 {
		out.LastSignature = infos[len(infos)-1].Signature
	}
	activity.RecordHeartbeat(ctx, fmt.Sprintf("fetched %d signatures", len(infos)))
	return out, nil
}

type FetchAndParseInput struct {
	Signatures []string         `json:"signatures"`
	EventType  models.EventType `json:"event_type"`
}

type FetchAndParseResult struct {
	Events         []models.OrderEvent `json:"events"`
	ProcessedCount int                 `json:"processed_count"`
	ErrorCount     int                 `json:"error_count"`
}

// FetchAndParseTransactions resolves signatures to transactions in
// parallel and parses them into order events. Long-running; fetcher
// heartbeats keep the activity alive.
func (a *Activities) FetchAndParseTransactions(ctx context.Context, in FetchAndParseInput) (FetchAndParseResult, error) {
	opts := fetcher.Options{
		Concurrency:    a.cfg.Worker.MaxActivities,
		MaxRetries:     a.cfg.Retry.MaxRetries,
		RetryBaseDelay: a.cfg.Retry.InitialDelay,
		UseBatchAPI:    true,
		BatchSize:      a.cfg.Collection.TxBatch,
		OnHeartbeat: func(h fetcher.Heartbeat) {
			activity.RecordHeartbeat(ctx, h)
		},
	}

	txs, stats, err := a.fetcher.Fetch(ctx, in.Signatures, opts)
	if err != nil {
		return FetchAndParseResult{}, asActivityError(err)
	}

	events := a.parser.ParseBatch(txs, in.Signatures, in.EventType)
	a.metrics.ObserveParse(a.parser.Stats())
	a.metrics.ObservePool(a.pool.Snapshot())

	return FetchAndParseResult{
		Events:         events,
		ProcessedCount: stats.Fetched,
		ErrorCount:     stats.Failed,
	}, nil
}

type StoreEventsInput struct {
	Events        []models.OrderEvent `json:"events"`
	ProgramID     string              `json:"program_id"`
	EventType     models.EventType    `json:"event_type"`
	LastSignature string              `json:"last_signature"`
}

type StoreEventsResult struct {
	InsertedCount  int    `json:"inserted_count"`
	DuplicateCount int    `json:"duplicate_count"`
	TotalCollected uint64 `json:"total_collected"`
}

// StoreEvents inserts the batch, advances the checkpoint, and notifies
// the push fan-out. The checkpoint write strictly follows the insert so
// last_signature never points past unpersisted work.
func (a *Activities) StoreEvents(ctx context.Context, in StoreEventsInput) (StoreEventsResult, error) {
	inserted, duplicates, err := a.store.InsertOrders(ctx, in.Events)
	if err != nil {
		return StoreEventsResult{}, err
	}
	activity.RecordHeartbeat(ctx, fmt.Sprintf("inserted %d, %d duplicates", inserted, duplicates))

	counts, err := a.store.CountOrders(ctx)
	if err != nil {
		return StoreEventsResult{}, err
	}
	total := counts.Created
	if in.EventType == models.EventFulfilled {
		total = counts.Fulfilled
	}

	err = a.store.UpdateCheckpoint(ctx, models.Checkpoint{
		ProgramID:      in.ProgramID,
		EventType:      in.EventType,
		LastSignature:  in.LastSignature,
		TotalCollected: total,
	})
	if err != nil {
		return StoreEventsResult{}, err
	}

	a.metrics.ObserveOrders(counts.Created, counts.Fulfilled)
	if inserted > 0 {
		a.bus.Publish(eventbus.Event{
			Topic:     eventbus.TopicOrdersStored,
			Timestamp: time.Now(),
			Data:      map[string]int{"inserted": inserted},
		})
	}
	log.Printf("[activities] stored %d %s events (%d duplicates), total %d",
		inserted, in.EventType, duplicates, total)

	return StoreEventsResult{InsertedCount: inserted, DuplicateCount: duplicates, TotalCollected: total}, nil
}

// GetOrderCounts returns the authoritative per-type row counts.
func (a *Activities) GetOrderCounts(ctx context.Context) (models.OrderCounts, error) {
	return a.store.CountOrders(ctx)
}

// HealthReport is the result of one RPC health probe.
type HealthReport struct {
	Healthy   bool          `json:"healthy"`
	Slot      uint64        `json:"slot"`
	LatencyMs float64       `json:"latency_ms"`
	PoolStats rpcpool.Stats `json:"pool_stats"`
	Error     string        `json:"error,omitempty"`
}

// CheckRPCHealth probes one endpoint for the current slot. It never
// returns an error; an unreachable pool is itself a valid report.
func (a *Activities) CheckRPCHealth(ctx context.Context) (HealthReport, error) {
	report := HealthReport{PoolStats: a.pool.Snapshot()}

	client, ep, err := a.pool.Acquire(ctx)
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	start := time.Now()
	slot, err := client.GetSlot(ctx)
	latency := time.Since(start)
	if err != nil {
		a.pool.ReportFailure(ep, err)
		report.Error = err.Error()
		report.PoolStats = a.pool.Snapshot()
		return report, nil
	}
	a.pool.ReportSuccess(ep, latency)

	report.Healthy = true
	report.Slot = slot
	report.LatencyMs = float64(latency.Microseconds()) / 1000.0
	report.PoolStats = a.pool.Snapshot()
	return report, nil
}
