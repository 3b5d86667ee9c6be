package reliability

import (
	"testing"
	"time"
)

func recordsWithLatencies(n int) []Record {
	out := make([]Record, n)
	base := time.Now()
	for i := 0; i < n; i++ {
		out[i] = Record{LatencyMs: int64(i + 1), Status: 200, Timestamp: base.Add(time.Duration(i) * time.Millisecond)}
	}
	return out
}

func TestCompute_HundredRecordsPercentilesAndQuality(t *testing.T) {
	records := recordsWithLatencies(100)
	score := Compute(records)

	if score.P50 != 50 || score.P95 != 95 || score.P99 != 99 {
		t.Fatalf("unexpected percentiles: p50=%d p95=%d p99=%d", score.P50, score.P95, score.P99)
	}
	if score.ErrorRate != 0 {
		t.Errorf("expected error-rate 0, got %v", score.ErrorRate)
	}
	if score.Uptime != 1.0 {
		t.Errorf("expected uptime 1.0, got %v", score.Uptime)
	}
	if score.QualityScore != 100 {
		t.Errorf("expected quality-score 100, got %d", score.QualityScore)
	}
}

func TestCompute_ExcludesRateLimitedFromErrorAndUptime(t *testing.T) {
	records := []Record{
		{LatencyMs: 10, Status: 200},
		{LatencyMs: 10, Status: 429},
		{LatencyMs: 10, Status: 429},
		{LatencyMs: 10, Status: 500},
	}
	score := Compute(records)

	// scorable = 2 (the 200 and the 500); error-rate and uptime both
	// computed over that denominator, not the full 4-record set.
	if score.ErrorRate != 0.5 {
		t.Errorf("expected error-rate 0.5, got %v", score.ErrorRate)
	}
	if score.Uptime != 0.5 {
		t.Errorf("expected uptime 0.5, got %v", score.Uptime)
	}
}

func TestCompute_AllRateLimitedReturnsDefaults(t *testing.T) {
	records := []Record{{LatencyMs: 10, Status: 429}, {LatencyMs: 20, Status: 429}}
	score := Compute(records)

	if score.Uptime != 1.0 || score.QualityScore != 100 {
		t.Errorf("expected all-green defaults when every record is rate-limited, got %+v", score)
	}
}

func TestCompute_EmptySetReturnsDefaults(t *testing.T) {
	score := Compute(nil)
	if score != defaultScore {
		t.Errorf("expected default score for empty record set, got %+v", score)
	}
}

func TestLatencyScoreFor_PiecewiseLinear(t *testing.T) {
	cases := []struct {
		p95  int64
		want float64
	}{
		{50, 100},
		{100, 100},
		{5000, 0},
		{6000, 0},
		{2550, 50},
	}
	for _, c := range cases {
		got := latencyScoreFor(c.p95)
		if got != c.want {
			t.Errorf("latencyScoreFor(%d) = %v, want %v", c.p95, got, c.want)
		}
	}
}

func TestPercentile_IndexFormula(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50}
	if got := percentile(sorted, 0.5); got != 30 {
		t.Errorf("p50 of 5 elements = %d, want 30", got)
	}
	if got := percentile(sorted, 0.99); got != 50 {
		t.Errorf("p99 of 5 elements = %d, want 50", got)
	}
}
