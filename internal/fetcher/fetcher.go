// Package fetcher fans a list of transaction signatures out across the
// RPC pool and returns the fetched transactions in input order. It
// retries transient faults with exponential backoff and adapts its
// concurrency to the observed failure and retry rates.
package fetcher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dln-backfill/internal/rpcpool"
	"dln-backfill/internal/solana"
)

const (
	minConcurrency = 2
	maxConcurrency = 20

	// Heartbeat cadence in completed items.
	heartbeatEvery = 50
)

// Heartbeat reports fetch progress to long-running callers.
type Heartbeat struct {
	Phase       string  `json:"phase"`
	Completed   int     `json:"completed"`
	Total       int     `json:"total"`
	SuccessRate float64 `json:"success_rate"`
}

// Options tune one Fetch call.
type Options struct {
	Concurrency    int
	MaxRetries     int           // per run/signature, default 3
	RetryBaseDelay time.Duration // default 500ms
	UseBatchAPI    bool
	BatchSize      int // default 50
	OnProgress     func(completed, total int)
	OnHeartbeat    func(Heartbeat)
}

func (o *Options) fill() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
}

// Stats summarizes one Fetch call.
type Stats struct {
	Requested int
	Fetched   int
	Failed    int
	Retries   int
}

// Fetcher drives parallel transaction fetches against the pool.
type Fetcher struct {
	pool *rpcpool.Pool
}

func New(pool *rpcpool.Pool) *Fetcher {
	return &Fetcher{pool: pool}
}

// Fetch resolves every signature to a transaction. The result slice is
// index-aligned with the input; entries that failed all retries are nil.
func (f *Fetcher) Fetch(ctx context.Context, signatures []string, opts Options) ([]*solana.Transaction, Stats, error) {
	opts.fill()

	results := make([]*solana.Transaction, len(signatures))
	stats := Stats{Requested: len(signatures)}
	if len(signatures) == 0 {
		return results, stats, nil
	}

	current := opts.Concurrency
	if byHealth := 3 * f.pool.HealthyCount(); byHealth < current {
		current = byHealth
	}
	if current < minConcurrency {
		current = minConcurrency
	}
	if current > maxConcurrency {
		current = maxConcurrency
	}

	pt := &progressTracker{}
	if opts.UseBatchAPI {
		f.fetchBatched(ctx, signatures, results, &stats, &current, pt, opts)
	} else {
		f.fetchIndividual(ctx, signatures, results, &stats, &current, pt, opts)
	}

	if err := ctx.Err(); err != nil {
		return results, stats, err
	}
	return results, stats, nil
}

// run is one contiguous slice of the input handled by a single worker
// attempt via the JSON-RPC batch API.
type run struct {
	offset int
	sigs   []string
}

func (f *Fetcher) fetchBatched(ctx context.Context, signatures []string, results []*solana.Transaction, stats *Stats, current *int, pt *progressTracker, opts Options) {
	var runs []run
	for off := 0; off < len(signatures); off += opts.BatchSize {
		end := off + opts.BatchSize
		if end > len(signatures) {
			end = len(signatures)
		}
		runs = append(runs, run{offset: off, sigs: signatures[off:end]})
	}

	completed := 0
	// Process runs in waves sized by the adaptive concurrency; adjust
	// between waves.
	for len(runs) > 0 && ctx.Err() == nil {
		wave := runs
		if len(wave) > *current {
			wave = runs[:*current]
		}
		runs = runs[len(wave):]

		var wg sync.WaitGroup
		var mu sync.Mutex
		waveFailures, waveRetries, waveItems := 0, 0, 0

		for _, r := range wave {
			r := r
			wg.Add(1)
			go func() {
				defer wg.Done()
				txs, retries, err := f.fetchRun(ctx, r.sigs, opts)
				mu.Lock()
				defer mu.Unlock()
				waveItems += len(r.sigs)
				waveRetries += retries
				stats.Retries += retries
				if err != nil {
					waveFailures += len(r.sigs)
					stats.Failed += len(r.sigs)
					log.Printf("[fetcher] run at offset %d failed after retries: %v", r.offset, err)
					return
				}
				for i, tx := range txs {
					results[r.offset+i] = tx
					if tx != nil {
						stats.Fetched++
					} else {
						stats.Failed++
					}
				}
			}()
		}
		wg.Wait()

		completed += waveItems
		pt.report(completed, len(signatures), stats, opts)
		*current = adjustConcurrency(*current, waveItems, waveFailures, waveRetries)
	}
}

// fetchRun retries a whole batch run with exponential backoff until it
// succeeds, exhausts MaxRetries, or hits a non-retryable fault.
func (f *Fetcher) fetchRun(ctx context.Context, sigs []string, opts Options) ([]*solana.Transaction, int, error) {
	bo := retryPolicy(opts.RetryBaseDelay)

	retries := 0
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			retries++
			select {
			case <-ctx.Done():
				return nil, retries, ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}

		client, ep, err := f.pool.Acquire(ctx)
		if err != nil {
			return nil, retries, err
		}
		start := time.Now()
		txs, err := client.GetTransactionBatch(ctx, sigs)
		if err == nil {
			f.pool.ReportSuccess(ep, time.Since(start))
			return txs, retries, nil
		}
		f.pool.ReportFailure(ep, err)
		lastErr = err
		if !solana.IsRetryable(err) {
			return nil, retries, err
		}
	}
	return nil, retries, lastErr
}

// retryPolicy is the backoff shape shared by both fetch strategies:
// exponential from the base delay, 30% jitter, capped at 30s, never
// giving up on its own (attempt counting is the caller's job).
func retryPolicy(base time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

type task struct {
	index   int
	sig     string
	retries int
	bo      *backoff.ExponentialBackOff
}

func (f *Fetcher) fetchIndividual(ctx context.Context, signatures []string, results []*solana.Transaction, stats *Stats, current *int, pt *progressTracker, opts Options) {
	pending := make([]task, 0, len(signatures))
	for i, sig := range signatures {
		pending = append(pending, task{index: i, sig: sig})
	}

	completed := 0
	for len(pending) > 0 && ctx.Err() == nil {
		wave := pending
		if len(wave) > *current {
			wave = pending[:*current]
		}
		pending = pending[len(wave):]

		var wg sync.WaitGroup
		var mu sync.Mutex
		var requeue []task
		waveFailures, waveRetries := 0, 0

		for _, tk := range wave {
			tk := tk
			wg.Add(1)
			go func() {
				defer wg.Done()

				if tk.retries > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(tk.bo.NextBackOff()):
					}
				}

				client, ep, err := f.pool.Acquire(ctx)
				if err != nil {
					return
				}
				start := time.Now()
				tx, err := client.GetTransaction(ctx, tk.sig)

				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					f.pool.ReportSuccess(ep, time.Since(start))
					results[tk.index] = tx
					if tx != nil {
						stats.Fetched++
					} else {
						stats.Failed++
					}
					completed++
					return
				}
				f.pool.ReportFailure(ep, err)
				if solana.IsRetryable(err) && tk.retries < opts.MaxRetries {
					waveRetries++
					stats.Retries++
					next := task{index: tk.index, sig: tk.sig, retries: tk.retries + 1, bo: tk.bo}
					if next.bo == nil {
						next.bo = retryPolicy(opts.RetryBaseDelay)
					}
					requeue = append(requeue, next)
					return
				}
				waveFailures++
				stats.Failed++
				completed++
			}()
		}
		wg.Wait()

		pending = append(pending, requeue...)
		pt.report(completed, len(signatures), stats, opts)
		*current = adjustConcurrency(*current, len(wave), waveFailures, waveRetries)
	}
}

// progressTracker emits a heartbeat whenever completion crosses a
// multiple of heartbeatEvery, and once more at the end.
type progressTracker struct {
	lastBeat int
}

func (pt *progressTracker) report(completed, total int, stats *Stats, opts Options) {
	if opts.OnProgress != nil {
		opts.OnProgress(completed, total)
	}
	if opts.OnHeartbeat == nil {
		return
	}
	if completed/heartbeatEvery > pt.lastBeat/heartbeatEvery || completed == total {
		pt.lastBeat = completed
		rate := 1.0
		if done := stats.Fetched + stats.Failed; done > 0 {
			rate = float64(stats.Fetched) / float64(done)
		}
		opts.OnHeartbeat(Heartbeat{
			Phase:       "fetch",
			Completed:   completed,
			Total:       total,
			SuccessRate: rate,
		})
	}
}

// adjustConcurrency applies the adaptive policy after a wave: back off
// multiplicatively on a bad wave, probe additively on a clean one.
func adjustConcurrency(current, attempted, failures, retries int) int {
	if attempted == 0 {
		return current
	}
	failureRate := float64(failures) / float64(attempted)
	retryRate := float64(retries) / float64(attempted)

	switch {
	case failureRate > 0.10 || retryRate > 0.20:
		current = int(float64(current) * 0.7)
		if current < minConcurrency {
			current = minConcurrency
		}
	case failureRate < 0.01 && retryRate < 0.05:
		current++
		if current > maxConcurrency {
			current = maxConcurrency
		}
	}
	return current
}
