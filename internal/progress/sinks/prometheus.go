package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/vk-harvester/internal/progress"
)

// PrometheusSink exports run and task progress. Collectors are registered on
// the supplied registry so tests can use a private one.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	tasks        *prometheus.CounterVec
	items        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Harvest runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Harvest runs finished, labeled by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_active",
			Help: "Harvest runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_progress_tasks_total",
			Help: "Tasks reported through progress events, labeled by stage and result.",
		}, []string{"stage", "result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_progress_items_total",
			Help: "Entities produced by successful tasks, labeled by stage.",
		}, []string{"stage"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_progress_task_seconds",
			Help:    "Task duration from progress events, labeled by stage.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		tracker: &runTracker{active: make(map[[16]byte]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsActive, s.runDuration,
		s.tasks, s.items, s.taskDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindRunStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsActive.Inc()
			}
		case progress.KindRunDone:
			s.finish(evt, "success")
		case progress.KindRunError:
			s.finish(evt, "error")
		case progress.KindTaskDone:
			s.tasks.WithLabelValues(evt.Stage, "ok").Inc()
			s.items.WithLabelValues(evt.Stage).Add(float64(evt.Items))
			s.taskDuration.WithLabelValues(evt.Stage).Observe(evt.Dur.Seconds())
		case progress.KindTaskFailed:
			s.tasks.WithLabelValues(evt.Stage, "failed").Inc()
			s.taskDuration.WithLabelValues(evt.Stage).Observe(evt.Dur.Seconds())
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[[16]byte]struct{}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
