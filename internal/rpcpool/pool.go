// Package rpcpool selects among multiple Solana RPC endpoints with
// per-endpoint rate limiting, circuit breaking, and latency tracking.
// Callers must pair every Acquire with exactly one ReportSuccess or
// ReportFailure against the returned endpoint.
package rpcpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dln-backfill/internal/config"
	"dln-backfill/internal/solana"
)

const (
	// Headroom: an endpoint has capacity only while requests in the
	// trailing second stay under this share of max_rps.
	headroomFactor = 0.8
	// Recent request timestamps are retained this long.
	recentWindow = 2 * time.Second
	// Rolling latency average over the last up-to-100 samples.
	latencySamples = 100
)

// Endpoint holds the live state for one configured RPC endpoint.
// Endpoints are created at pool init and never destroyed.
type Endpoint struct {
	URL    string
	Name   string
	MaxRPS float64

	client  *solana.Client
	limiter *rate.Limiter
	breaker *breaker

	requests        uint64
	failures        uint64
	lastSuccess     time.Time
	lastFailure     time.Time
	recentRequests  []time.Time
	recentLatencies []float64 // milliseconds
}

// EndpointStats is a read-only snapshot of one endpoint.
type EndpointStats struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	CircuitState string    `json:"circuit_state"`
	Requests     uint64    `json:"requests"`
	Failures     uint64    `json:"failures"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	CurrentRPS   float64   `json:"current_rps"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// Stats is a snapshot of the whole pool.
type Stats struct {
	Endpoints []EndpointStats `json:"endpoints"`
	Healthy   int             `json:"healthy"`
}

// Pool is the process-wide endpoint selector.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	cursor    int

	breakerCfg BreakerConfig
	now        func() time.Time
}

// New builds a pool from endpoint configs. One JSON-RPC client is
// created per endpoint so transport state stays endpoint-local.
func New(endpoints []config.EndpointConfig, commitment string, timeout time.Duration) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("rpcpool: no endpoints configured")
	}
	p := &Pool{
		breakerCfg: DefaultBreakerConfig(),
		now:        time.Now,
	}
	for _, ec := range endpoints {
		rps := ec.MaxRPS
		if rps <= 0 {
			rps = 10
		}
		// Fractional rates below 1 would truncate to a zero burst and
		// starve the bucket.
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		p.endpoints = append(p.endpoints, &Endpoint{
			URL:     ec.URL,
			Name:    ec.Name,
			MaxRPS:  rps,
			client:  solana.NewClient(ec.URL, commitment, timeout),
			limiter: rate.NewLimiter(rate.Limit(rps), burst),
			breaker: newBreaker(DefaultBreakerConfig()),
		})
	}
	return p, nil
}

// Acquire selects an endpoint and blocks until its token bucket has a
// token. The returned client is bound to the returned endpoint.
func (p *Pool) Acquire(ctx context.Context) (*solana.Client, *Endpoint, error) {
	ep := p.selectEndpoint()

	// Strict bucket guarantee: never dispatch before a token exists.
	if err := ep.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	now := p.now()
	ep.requests++
	ep.recentRequests = append(ep.recentRequests, now)
	ep.pruneRecent(now)
	p.mu.Unlock()

	return ep.client, ep, nil
}

// selectEndpoint ranks by availability first (breaker not open and
// rate-limit headroom), then round-robins among the eligible set. With
// nothing eligible it probes the open endpoint with the oldest failure,
// and as a last resort returns the first configured endpoint.
func (p *Pool) selectEndpoint() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	// Recovery-timeout promotion happens on acquire.
	for _, ep := range p.endpoints {
		ep.breaker.maybeHalfOpen(now)
	}

	var eligible []*Endpoint
	for _, ep := range p.endpoints {
		if ep.breaker.state == StateOpen {
			continue
		}
		if !ep.hasHeadroom(now) {
			continue
		}
		eligible = append(eligible, ep)
	}

	if len(eligible) > 0 {
		p.cursor++
		return eligible[p.cursor%len(eligible)]
	}

	// Everything is open or saturated: probe the open endpoint that
	// failed longest ago.
	var oldest *Endpoint
	for _, ep := range p.endpoints {
		if ep.breaker.state != StateOpen {
			continue
		}
		if oldest == nil || ep.lastFailure.Before(oldest.lastFailure) {
			oldest = ep
		}
	}
	if oldest != nil {
		oldest.breaker.forceHalfOpen()
		return oldest
	}

	return p.endpoints[0]
}

// ReportSuccess records a successful request and its latency.
func (p *Pool) ReportSuccess(ep *Endpoint, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep.lastSuccess = p.now()
	ep.breaker.onSuccess()
	ep.recentLatencies = append(ep.recentLatencies, float64(latency.Microseconds())/1000.0)
	if len(ep.recentLatencies) > latencySamples {
		ep.recentLatencies = ep.recentLatencies[len(ep.recentLatencies)-latencySamples:]
	}
}

// ReportFailure records a failed request. Non-retryable errors count
// against the breaker too: a misbehaving endpoint that answers 4xx to
// well-formed requests is just as unusable.
func (p *Pool) ReportFailure(ep *Endpoint, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	ep.failures++
	ep.lastFailure = now
	ep.breaker.onFailure(now)
	_ = err
}

// HealthyCount returns how many endpoints are not open.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, ep := range p.endpoints {
		if ep.breaker.state != StateOpen {
			n++
		}
	}
	return n
}

// Snapshot returns a point-in-time view of all endpoints.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := Stats{}
	for _, ep := range p.endpoints {
		ep.pruneRecent(now)
		if ep.breaker.state != StateOpen {
			stats.Healthy++
		}
		stats.Endpoints = append(stats.Endpoints, EndpointStats{
			Name:         ep.Name,
			URL:          ep.URL,
			CircuitState: ep.breaker.state.String(),
			Requests:     ep.requests,
			Failures:     ep.failures,
			AvgLatencyMs: ep.avgLatency(),
			CurrentRPS:   ep.currentRPS(now),
			LastSuccess:  ep.lastSuccess,
			LastFailure:  ep.lastFailure,
		})
	}
	return stats
}

// State returns the breaker state of one endpoint (for tests/metrics).
func (p *Pool) State(ep *Endpoint) CircuitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ep.breaker.state
}

// Endpoints returns the configured endpoints in order.
func (p *Pool) Endpoints() []*Endpoint {
	return p.endpoints
}

func (ep *Endpoint) hasHeadroom(now time.Time) bool {
	ep.pruneRecent(now)
	inLastSecond := 0
	cutoff := now.Add(-time.Second)
	for _, ts := range ep.recentRequests {
		if ts.After(cutoff) {
			inLastSecond++
		}
	}
	return float64(inLastSecond) < headroomFactor*ep.MaxRPS
}

func (ep *Endpoint) pruneRecent(now time.Time) {
	cutoff := now.Add(-recentWindow)
	i := 0
	for ; i < len(ep.recentRequests); i++ {
		if ep.recentRequests[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		ep.recentRequests = append(ep.recentRequests[:0], ep.recentRequests[i:]...)
	}
}

func (ep *Endpoint) avgLatency() float64 {
	if len(ep.recentLatencies) == 0 {
		return 0
	}
	var sum float64
	for _, v := range ep.recentLatencies {
		sum += v
	}
	return sum / float64(len(ep.recentLatencies))
}

func (ep *Endpoint) currentRPS(now time.Time) float64 {
	cutoff := now.Add(-time.Second)
	n := 0
	for _, ts := range ep.recentRequests {
		if ts.After(cutoff) {
			n++
		}
	}
	return float64(n)
}
