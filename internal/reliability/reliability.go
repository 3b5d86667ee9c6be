// Package reliability implements the ReliabilityAggregator: a per-slug
// call-outcome log backed by a Redis sorted set, and the percentile /
// error-rate / uptime / quality-score computation read from it. It
// follows the same go-redis-direct, no-in-process-state shape as
// internal/demandsignal's Bus — the aggregator itself caches nothing,
// only the derived score is cached, and only for a short TTL.
package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MaxEntries bounds the per-slug record count retained in the sorted set.
const MaxEntries = 1000

// scoreCacheTTL is how long a computed Score is cached before GetScore
// recomputes it from the sorted set.
const scoreCacheTTL = 60 * time.Second

// Record is a single call outcome appended to a slug's reliability log.
type Record struct {
	LatencyMs int64     `json:"latencyMs"`
	Status    int       `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Score is the computed reliability summary for a slug.
type Score struct {
	P50          int64   `json:"p50"`
	P95          int64   `json:"p95"`
	P99          int64   `json:"p99"`
	ErrorRate    float64 `json:"errorRate"`
	Uptime       float64 `json:"uptime"`
	QualityScore int     `json:"qualityScore"`
	SampleSize   int     `json:"sampleSize"`
}

// defaultScore is returned when a slug has no records at all. A record
// set made only of 429s gets the same uptime, error rate and quality
// score, but keeps its latency percentiles and sample size.
var defaultScore = Score{Uptime: 1.0, QualityScore: 100}

// Aggregator records per-call outcomes and computes scores on demand.
type Aggregator struct {
	rc  *redis.Client
	log zerolog.Logger
}

// New returns an Aggregator backed by rdb.
func New(rdb *redis.Client, log zerolog.Logger) *Aggregator {
	return &Aggregator{rc: rdb, log: log}
}

func recordsKey(slug string) string { return fmt.Sprintf("nexusx:reliability:records:%s", slug) }
func scoreKey(slug string) string   { return fmt.Sprintf("nexusx:reliability:score:%s", slug) }

// Record appends an outcome to slug's sorted set and trims it to
// MaxEntries, evicting the oldest excess. Each member is scored by its
// timestamp in Unix nanoseconds and carries that timestamp as a prefix
// of its JSON payload; members with the same score are ordered by Redis
// lexicographically, not by insertion sequence.
func (a *Aggregator) Record(ctx context.Context, slug string, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := recordsKey(slug)
	member := fmt.Sprintf("%d:%s", rec.Timestamp.UnixNano(), payload)
	pipe := a.rc.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(rec.Timestamp.UnixNano()), Member: member})
	pipe.ZRemRangeByRank(ctx, key, 0, -int64(MaxEntries)-1)
	_, err = pipe.Exec(ctx)
	return err
}

// GetScore returns slug's cached score if fresh, else recomputes it from
// the sorted set and refreshes the cache with a 60s TTL.
func (a *Aggregator) GetScore(ctx context.Context, slug string) (Score, error) {
	if cached, ok := a.readCache(ctx, slug); ok {
		return cached, nil
	}

	members, err := a.rc.ZRange(ctx, recordsKey(slug), 0, -1).Result()
	if err != nil {
		return Score{}, err
	}
	if len(members) == 0 {
		a.writeCache(ctx, slug, defaultScore)
		return defaultScore, nil
	}

	records := make([]Record, 0, len(members))
	for _, m := range members {
		rec, ok := decodeMember(m)
		if !ok {
			continue
		}
		records = append(records, rec)
	}

	score := Compute(records)
	a.writeCache(ctx, slug, score)
	return score, nil
}

func decodeMember(member string) (Record, bool) {
	idx := indexOfColon(member)
	if idx < 0 || idx+1 >= len(member) {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(member[idx+1:]), &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

func indexOfColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func (a *Aggregator) readCache(ctx context.Context, slug string) (Score, bool) {
	raw, err := a.rc.Get(ctx, scoreKey(slug)).Result()
	if err != nil {
		return Score{}, false
	}
	var s Score
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Score{}, false
	}
	return s, true
}

func (a *Aggregator) writeCache(ctx context.Context, slug string, s Score) {
	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := a.rc.Set(ctx, scoreKey(slug), payload, scoreCacheTTL).Err(); err != nil {
		a.log.Warn().Err(err).Str("slug", slug).Msg("reliability score cache write failed")
	}
}

// Compute implements §4.8's score computation over a record set: 429s
// are excluded from the error-rate and uptime denominators (rate-limit
// rejections reflect demand, not provider reliability) but included in
// the latency percentiles.
func Compute(records []Record) Score {
	n := len(records)
	if n == 0 {
		return defaultScore
	}

	latencies := make([]int64, n)
	for i, r := range records {
		latencies[i] = r.LatencyMs
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := percentile(latencies, 0.50)
	p95 := percentile(latencies, 0.95)
	p99 := percentile(latencies, 0.99)

	var scorable, serverErrors, clientOrServerErrors int
	for _, r := range records {
		if r.Status == 429 {
			continue
		}
		scorable++
		if r.Status >= 500 {
			serverErrors++
		}
		if r.Status >= 400 {
			clientOrServerErrors++
		}
	}

	if scorable == 0 {
		return Score{P50: p50, P95: p95, P99: p99, Uptime: 1.0, QualityScore: 100, SampleSize: n}
	}

	errorRate := float64(clientOrServerErrors) / float64(scorable)
	uptime := float64(scorable-serverErrors) / float64(scorable)
	latencyScore := latencyScoreFor(p95)
	quality := int(math.Round(uptime*100*0.6 + latencyScore*0.4))

	return Score{
		P50:          p50,
		P95:          p95,
		P99:          p99,
		ErrorRate:    errorRate,
		Uptime:       uptime,
		QualityScore: quality,
		SampleSize:   n,
	}
}

// percentile implements §4.8's idx = max(0, min(ceil(p*n)-1, n-1)) rule
// over the ascending-sorted latency slice.
func percentile(sorted []int64, p float64) int64 {
	n := len(sorted)
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// latencyScoreFor implements the piecewise-linear latency-score curve:
// 100 at p95 <= 100ms, 0 at p95 >= 5000ms, linear in between.
func latencyScoreFor(p95 int64) float64 {
	switch {
	case p95 <= 100:
		return 100
	case p95 >= 5000:
		return 0
	default:
		return 100 * (1 - float64(p95-100)/float64(5000-100))
	}
}
