package rpcpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"dln-backfill/internal/config"
)

func newTestPool(t *testing.T, n int) (*Pool, *time.Time) {
	t.Helper()

	var eps []config.EndpointConfig
	names := []string{"alpha", "beta", "gamma", "delta"}
	for i := 0; i < n; i++ {
		eps = append(eps, config.EndpointConfig{
			URL:    "http://" + names[i] + ".invalid",
			Name:   names[i],
			MaxRPS: 100,
		})
	}
	p, err := New(eps, "confirmed", time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	return p, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2)
	a := p.endpoints[0]

	for i := 0; i < 4; i++ {
		p.ReportFailure(a, errors.New("boom"))
		if got := p.State(a); got != StateClosed {
			t.Fatalf("after %d failures state = %v, want closed", i+1, got)
		}
	}
	p.ReportFailure(a, errors.New("boom"))
	if got := p.State(a); got != StateOpen {
		t.Fatalf("after 5 failures state = %v, want open", got)
	}
}

func TestBreakerRecoveryCycle(t *testing.T) {
	t.Parallel()

	p, now := newTestPool(t, 2)
	a, b := p.endpoints[0], p.endpoints[1]

	for i := 0; i < 5; i++ {
		p.ReportFailure(a, errors.New("boom"))
	}
	if p.State(a) != StateOpen {
		t.Fatal("endpoint a should be open")
	}

	// While a is open, selection must avoid it.
	if got := p.selectEndpoint(); got != b {
		t.Fatalf("selection returned %s, want beta", got.Name)
	}

	// After the recovery timeout, the next acquire flips a to half-open.
	*now = now.Add(30 * time.Second)
	p.selectEndpoint()
	if got := p.State(a); got != StateHalfOpen {
		t.Fatalf("after recovery timeout state = %v, want half-open", got)
	}

	// Quota successes close it.
	p.ReportSuccess(a, 20*time.Millisecond)
	p.ReportSuccess(a, 20*time.Millisecond)
	if p.State(a) != StateHalfOpen {
		t.Fatal("two successes should not be enough")
	}
	p.ReportSuccess(a, 20*time.Millisecond)
	if got := p.State(a); got != StateClosed {
		t.Fatalf("after quota successes state = %v, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	p, now := newTestPool(t, 1)
	a := p.endpoints[0]

	for i := 0; i < 5; i++ {
		p.ReportFailure(a, errors.New("boom"))
	}
	*now = now.Add(31 * time.Second)
	p.selectEndpoint()
	if p.State(a) != StateHalfOpen {
		t.Fatal("expected half-open")
	}
	p.ReportFailure(a, errors.New("boom"))
	if got := p.State(a); got != StateOpen {
		t.Fatalf("failure in half-open should reopen, got %v", got)
	}
}

func TestBreakerFailureWindow(t *testing.T) {
	t.Parallel()

	p, now := newTestPool(t, 1)
	a := p.endpoints[0]

	// Failures spaced beyond the window never accumulate to the threshold.
	for i := 0; i < 10; i++ {
		p.ReportFailure(a, errors.New("boom"))
		*now = now.Add(61 * time.Second)
		// Re-close via forced probe + successes if it ever opened.
		if p.State(a) != StateClosed {
			t.Fatalf("iteration %d: state = %v, want closed", i, p.State(a))
		}
	}
}

func TestBreakerSuccessDecay(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1)
	a := p.endpoints[0]

	// 4 failures, then alternate success/failure: the decay keeps the
	// counter below the threshold.
	for i := 0; i < 4; i++ {
		p.ReportFailure(a, errors.New("boom"))
	}
	p.ReportSuccess(a, time.Millisecond) // 4 -> 3
	p.ReportFailure(a, errors.New("boom"))
	if got := p.State(a); got != StateClosed {
		t.Fatalf("state = %v, want closed (decay should have absorbed one failure)", got)
	}

	// A 10-streak fully resets the counter.
	for i := 0; i < 10; i++ {
		p.ReportSuccess(a, time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		p.ReportFailure(a, errors.New("boom"))
	}
	if got := p.State(a); got != StateClosed {
		t.Fatalf("state = %v, want closed after full reset", got)
	}
}

func TestSelectionRoundRobin(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 3)

	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		ep := p.selectEndpoint()
		seen[ep.Name]++
	}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if seen[name] != 3 {
			t.Fatalf("round-robin uneven: %v", seen)
		}
	}
}

func TestSelectionSkipsSaturatedEndpoint(t *testing.T) {
	t.Parallel()

	p, now := newTestPool(t, 2)
	a := p.endpoints[0]
	a.MaxRPS = 10 // headroom limit = 8 requests in the last second

	for i := 0; i < 8; i++ {
		a.recentRequests = append(a.recentRequests, now.Add(-100*time.Millisecond))
	}

	for i := 0; i < 4; i++ {
		if ep := p.selectEndpoint(); ep != p.endpoints[1] {
			t.Fatalf("selection returned %s, want beta (alpha is saturated)", ep.Name)
		}
	}
}

func TestSelectionFallbackOldestFailure(t *testing.T) {
	t.Parallel()

	p, now := newTestPool(t, 2)
	a, b := p.endpoints[0], p.endpoints[1]

	// Open both; a failed earlier than b.
	for i := 0; i < 5; i++ {
		p.ReportFailure(a, errors.New("boom"))
	}
	*now = now.Add(5 * time.Second)
	for i := 0; i < 5; i++ {
		p.ReportFailure(b, errors.New("boom"))
	}

	// Recovery timeout has not elapsed for either; the fallback probes
	// the endpoint with the oldest last_failure.
	*now = now.Add(time.Second)
	ep := p.selectEndpoint()
	if ep != a {
		t.Fatalf("fallback selected %s, want alpha", ep.Name)
	}
	if p.State(a) != StateHalfOpen {
		t.Fatalf("fallback should force half-open, got %v", p.State(a))
	}
}

func TestAcquireRecordsRequest(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1)
	client, ep, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if client == nil || ep == nil {
		t.Fatal("Acquire returned nil client or endpoint")
	}
	if ep.requests != 1 {
		t.Fatalf("requests = %d, want 1", ep.requests)
	}
	stats := p.Snapshot()
	if stats.Endpoints[0].Requests != 1 {
		t.Fatalf("snapshot requests = %d, want 1", stats.Endpoints[0].Requests)
	}
	if stats.Healthy != 1 {
		t.Fatalf("healthy = %d, want 1", stats.Healthy)
	}
}

// Sub-1 rps endpoints are legal config; the bucket must still hold at
// least one token or Acquire blocks forever.
func TestAcquireFractionalRateLimit(t *testing.T) {
	t.Parallel()

	p, err := New([]config.EndpointConfig{
		{URL: "http://slow.invalid", Name: "slow", MaxRPS: 0.5},
	}, "confirmed", time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire with max_rps 0.5: %v", err)
	}
}

func TestLatencyRollingAverage(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1)
	a := p.endpoints[0]

	// 150 samples; only the last 100 count.
	for i := 0; i < 50; i++ {
		p.ReportSuccess(a, 1000*time.Millisecond)
	}
	for i := 0; i < 100; i++ {
		p.ReportSuccess(a, 10*time.Millisecond)
	}
	stats := p.Snapshot()
	if got := stats.Endpoints[0].AvgLatencyMs; got != 10 {
		t.Fatalf("avg latency = %v, want 10", got)
	}
}
