package main

import (
	"strings"
	"testing"
)

func TestProgressBar(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		done  uint64
		total uint64
		want  string
	}{
		{"zero total", 0, 0, "[" + strings.Repeat("-", 30) + "]"},
		{"empty", 0, 100, "[" + strings.Repeat("-", 30) + "]   0.0%"},
		{"half", 50, 100, "[" + strings.Repeat("=", 15) + strings.Repeat("-", 15) + "]  50.0%"},
		{"full", 100, 100, "[" + strings.Repeat("=", 30) + "] 100.0%"},
		{"overshoot clamps", 120, 100, "[" + strings.Repeat("=", 30) + "] 120.0%"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := progressBar(tc.done, tc.total); got != tc.want {
				t.Fatalf("progressBar(%d, %d) = %q, want %q", tc.done, tc.total, got, tc.want)
			}
		})
	}
}
