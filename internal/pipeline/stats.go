package pipeline

import (
	"cmp"
	"slices"
	"time"

	"go.uber.org/zap"
)

// TaskTiming is one entry of a stage's slowest-task list.
type TaskTiming struct {
	Target  string        `json:"target"`
	Elapsed time.Duration `json:"elapsed"`
	Items   int           `json:"items"`
	OK      bool          `json:"ok"`
}

// StageStats summarizes one stage.
type StageStats struct {
	Stage    string        `json:"stage"`
	Tasks    int           `json:"tasks"`
	Failures int           `json:"failures"`
	Items    int           `json:"items"`
	Wall     time.Duration `json:"wall"`
	// Throughput is items per second of stage wall time.
	Throughput float64 `json:"throughput"`
	// RateP50 and RateP90 are per-task items per second.
	RateP50 float64       `json:"rate_p50"`
	RateP90 float64       `json:"rate_p90"`
	TimeP50 time.Duration `json:"time_p50"`
	TimeP90 time.Duration `json:"time_p90"`
	// UniqueCommenters is only set for the comments stage.
	UniqueCommenters int          `json:"unique_commenters,omitempty"`
	Slowest          []TaskTiming `json:"slowest,omitempty"`
}

// Report is the outcome of a full run.
type Report struct {
	RunID    string        `json:"run_id"`
	Posts    StageStats    `json:"posts"`
	Comments StageStats    `json:"comments"`
	Profiles StageStats    `json:"profiles"`
	Wall     time.Duration `json:"wall"`
}

const slowestKept = 3

// statsBuilder accumulates per-task samples of one stage. Failed tasks count
// as failures and are left out of the rate and time samples.
type statsBuilder struct {
	stage   string
	tasks   int
	fails   int
	items   int
	rates   []float64
	times   []float64
	timings []TaskTiming
}

func newStatsBuilder(stage string) *statsBuilder {
	return &statsBuilder{stage: stage}
}

func (b *statsBuilder) add(target string, items int, elapsed time.Duration, err error) {
	b.tasks++
	if err != nil {
		b.fails++
		return
	}
	b.items += items
	secs := elapsed.Seconds()
	rate := 0.0
	if secs > 0 {
		rate = float64(items) / secs
	}
	b.rates = append(b.rates, rate)
	b.times = append(b.times, secs)
	b.timings = append(b.timings, TaskTiming{Target: target, Elapsed: elapsed, Items: items, OK: items > 0})
}

func (b *statsBuilder) build(wall time.Duration) StageStats {
	s := StageStats{
		Stage:    b.stage,
		Tasks:    b.tasks,
		Failures: b.fails,
		Items:    b.items,
		Wall:     wall,
		RateP50:  median(b.rates),
		RateP90:  decile9(b.rates),
		TimeP50:  seconds(median(b.times)),
		TimeP90:  seconds(decile9(b.times)),
	}
	if wall > 0 {
		s.Throughput = float64(b.items) / wall.Seconds()
	}
	slowest := slices.Clone(b.timings)
	slices.SortStableFunc(slowest, func(a, b TaskTiming) int { return cmp.Compare(b.Elapsed, a.Elapsed) })
	if len(slowest) > slowestKept {
		slowest = slowest[:slowestKept]
	}
	s.Slowest = slowest
	return s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// decile9 is the 90th percentile by the exclusive method over n+1 positions.
// Fewer than 10 samples yield the maximum.
func decile9(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if n < 10 {
		return sorted[n-1]
	}
	m := n + 1
	j := 9 * m / 10
	delta := 9*m - j*10
	return (sorted[j-1]*float64(10-delta) + sorted[j]*float64(delta)) / 10
}

func logStage(logger *zap.Logger, s StageStats) {
	fields := []zap.Field{
		zap.String("stage", s.Stage),
		zap.Int("tasks", s.Tasks),
		zap.Int("failures", s.Failures),
		zap.Int("items", s.Items),
		zap.Duration("wall", s.Wall),
		zap.Float64("throughput", s.Throughput),
		zap.Float64("rate_p50", s.RateP50),
		zap.Float64("rate_p90", s.RateP90),
		zap.Duration("time_p50", s.TimeP50),
		zap.Duration("time_p90", s.TimeP90),
	}
	if s.Stage == "comments" {
		fields = append(fields, zap.Int("unique_commenters", s.UniqueCommenters))
	}
	logger.Info("stage done", fields...)
	for i, slow := range s.Slowest {
		logger.Info("slow task",
			zap.String("stage", s.Stage),
			zap.Int("rank", i+1),
			zap.String("target", slow.Target),
			zap.Duration("elapsed", slow.Elapsed),
			zap.Int("items", slow.Items),
		)
	}
}
