package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dln-backfill/internal/config"
	"dln-backfill/internal/rpcpool"
)

// fakeNode serves getTransaction (single and batch) with canned slots
// keyed by signature. failFirst makes the first n requests return 503.
func fakeNode(t *testing.T, slots map[string]uint64, failFirst int64) *httptest.Server {
	t.Helper()
	var served int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&served, 1) <= failFirst {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}

		type req struct {
			ID     int           `json:"id"`
			Params []interface{} `json:"params"`
		}
		answer := func(rq req) string {
			sig, _ := rq.Params[0].(string)
			slot, ok := slots[sig]
			if !ok {
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":null}`, rq.ID)
			}
			return fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"slot":%d,"blockTime":1700000000,"transaction":{"signatures":[%q],"message":{"accountKeys":["payer"]}}}}`,
				rq.ID, slot, sig)
		}

		if raw[0] == '[' {
			var reqs []req
			json.Unmarshal(raw, &reqs)
			parts := make([]string, len(reqs))
			for i, rq := range reqs {
				parts[i] = answer(rq)
			}
			fmt.Fprintf(w, "[%s]", joinComma(parts))
			return
		}
		var rq req
		json.Unmarshal(raw, &rq)
		fmt.Fprint(w, answer(rq))
	}))
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func poolFor(t *testing.T, urls ...string) *rpcpool.Pool {
	t.Helper()
	var eps []config.EndpointConfig
	for i, u := range urls {
		eps = append(eps, config.EndpointConfig{URL: u, Name: fmt.Sprintf("node-%d", i), MaxRPS: 1000})
	}
	p, err := rpcpool.New(eps, "confirmed", 5*time.Second)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return p
}

func TestFetchBatchedOrdering(t *testing.T) {
	t.Parallel()

	slots := map[string]uint64{}
	var sigs []string
	for i := 0; i < 7; i++ {
		sig := fmt.Sprintf("sig-%d", i)
		sigs = append(sigs, sig)
		if i != 3 { // sig-3 is unknown to the node
			slots[sig] = uint64(1000 + i)
		}
	}
	node := fakeNode(t, slots, 0)
	defer node.Close()

	f := New(poolFor(t, node.URL))
	txs, stats, err := f.Fetch(context.Background(), sigs, Options{
		UseBatchAPI: true,
		BatchSize:   3,
		Concurrency: 4,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(txs) != len(sigs) {
		t.Fatalf("got %d results, want %d", len(txs), len(sigs))
	}
	for i, tx := range txs {
		if i == 3 {
			if tx != nil {
				t.Fatalf("index 3 should be nil")
			}
			continue
		}
		if tx == nil || tx.Slot != uint64(1000+i) {
			t.Fatalf("index %d misplaced: %+v", i, tx)
		}
	}
	if stats.Fetched != 6 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestFetchIndividualRetriesTransientFaults(t *testing.T) {
	t.Parallel()

	slots := map[string]uint64{"sig-a": 11, "sig-b": 12}
	node := fakeNode(t, slots, 2) // first two requests 503, then healthy
	defer node.Close()

	f := New(poolFor(t, node.URL))
	txs, stats, err := f.Fetch(context.Background(), []string{"sig-a", "sig-b"}, Options{
		Concurrency:    2,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if txs[0] == nil || txs[1] == nil {
		t.Fatalf("both transactions should resolve after retries: %v %v", txs[0], txs[1])
	}
	if stats.Retries == 0 {
		t.Fatal("expected at least one retry")
	}
	if stats.Fetched != 2 {
		t.Fatalf("fetched = %d, want 2", stats.Fetched)
	}
}

func TestFetchHeartbeats(t *testing.T) {
	t.Parallel()

	slots := map[string]uint64{}
	var sigs []string
	for i := 0; i < 120; i++ {
		sig := fmt.Sprintf("sig-%d", i)
		sigs = append(sigs, sig)
		slots[sig] = uint64(i)
	}
	node := fakeNode(t, slots, 0)
	defer node.Close()

	var beats []Heartbeat
	f := New(poolFor(t, node.URL))
	_, _, err := f.Fetch(context.Background(), sigs, Options{
		UseBatchAPI: true,
		BatchSize:   10,
		Concurrency: 2,
		OnHeartbeat: func(h Heartbeat) { beats = append(beats, h) },
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(beats) < 2 {
		t.Fatalf("expected heartbeats roughly every 50 items, got %d", len(beats))
	}
	last := beats[len(beats)-1]
	if last.Completed != 120 || last.Total != 120 {
		t.Fatalf("final heartbeat = %+v", last)
	}
	if last.SuccessRate != 1.0 {
		t.Fatalf("success rate = %v, want 1.0", last.SuccessRate)
	}
}

// Both fetch strategies share one retry policy: exponential with a 30s
// ceiling and no give-up of its own.
func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	bo := retryPolicy(500 * time.Millisecond)
	if bo.InitialInterval != 500*time.Millisecond {
		t.Fatalf("initial interval = %v", bo.InitialInterval)
	}
	for i := 0; i < 64; i++ {
		d := bo.NextBackOff()
		if d == backoff.Stop {
			t.Fatalf("policy gave up at attempt %d", i)
		}
		// 30s cap plus 30% jitter.
		if d > 39*time.Second {
			t.Fatalf("attempt %d delay %v exceeds the cap", i, d)
		}
	}
}

func TestAdjustConcurrency(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name               string
		current, attempted int
		failures, retries  int
		want               int
	}{
		{name: "clean wave probes up", current: 10, attempted: 100, failures: 0, retries: 0, want: 11},
		{name: "caps at max", current: 20, attempted: 100, failures: 0, retries: 0, want: 20},
		{name: "high failure backs off", current: 10, attempted: 100, failures: 15, retries: 0, want: 7},
		{name: "high retry backs off", current: 10, attempted: 100, failures: 0, retries: 25, want: 7},
		{name: "floors at min", current: 3, attempted: 100, failures: 50, retries: 0, want: 2},
		{name: "middling wave holds", current: 10, attempted: 100, failures: 5, retries: 10, want: 10},
		{name: "empty wave holds", current: 10, attempted: 0, failures: 0, retries: 0, want: 10},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := adjustConcurrency(tc.current, tc.attempted, tc.failures, tc.retries)
			if got != tc.want {
				t.Fatalf("adjustConcurrency(%d, %d, %d, %d) = %d, want %d",
					tc.current, tc.attempted, tc.failures, tc.retries, got, tc.want)
			}
		})
	}
}

// Adaptive concurrency is monotone: clean batches never decrease it,
// failing batches never increase it.
func TestAdjustConcurrencyMonotone(t *testing.T) {
	t.Parallel()

	cur := 5
	for i := 0; i < 50; i++ {
		next := adjustConcurrency(cur, 100, 0, 0)
		if next < cur {
			t.Fatalf("clean batch decreased concurrency: %d -> %d", cur, next)
		}
		cur = next
	}

	cur = 15
	for i := 0; i < 50; i++ {
		next := adjustConcurrency(cur, 100, 20, 0)
		if next > cur {
			t.Fatalf("failing batch increased concurrency: %d -> %d", cur, next)
		}
		cur = next
	}
}
