package task

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// counterSet holds the lifecycle counters tracked per task type and per
// agent kind. All fields are plain atomic accumulators.
type counterSet struct {
	submitted    atomic.Int64
	started      atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// CounterSnapshot is a point-in-time copy of one counterSet.
type CounterSnapshot struct {
	Submitted    int64 `json:"submitted"`
	Started      int64 `json:"started"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

// DurationSnapshot aggregates task execution durations.
type DurationSnapshot struct {
	Count   int64         `json:"count"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Average time.Duration `json:"average"`
}

// Snapshot is a point-in-time view of all task metrics. There is no
// cross-field atomicity guarantee; the numbers are for monitoring, not
// decisions.
type Snapshot struct {
	ByType    map[string]CounterSnapshot  `json:"by_type"`
	ByAgent   map[string]CounterSnapshot  `json:"by_agent"`
	Failures  map[string]map[string]int64 `json:"failures_by_type_and_code"`
	Durations DurationSnapshot            `json:"durations"`
}

// Metrics accumulates task lifecycle counters and duration aggregates.
// All updates are lock-free; the maps are guarded only for insertion of
// new keys. Counters are mirrored to Prometheus when a registerer is
// supplied.
type Metrics struct {
	mu       sync.RWMutex
	byType   map[string]*counterSet
	byAgent  map[string]*counterSet
	failures map[string]map[string]*atomic.Int64

	durCount atomic.Int64
	durTotal atomic.Int64
	durMin   atomic.Int64
	durMax   atomic.Int64

	promSubmitted    *prometheus.CounterVec
	promStarted      *prometheus.CounterVec
	promCompleted    *prometheus.CounterVec
	promFailed       *prometheus.CounterVec
	promRetried      *prometheus.CounterVec
	promDeadLettered *prometheus.CounterVec
	promDuration     prometheus.Histogram
}

// NewMetrics creates a Metrics instance. When reg is non-nil the
// Prometheus collectors are registered on it.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		byType:   make(map[string]*counterSet),
		byAgent:  make(map[string]*counterSet),
		failures: make(map[string]map[string]*atomic.Int64),
		promSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tasks_submitted_total",
			Help: "Total number of agent tasks submitted",
		}, []string{"type", "agent_kind"}),
		promStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tasks_started_total",
			Help: "Total number of agent tasks started",
		}, []string{"type", "agent_kind"}),
		promCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tasks_completed_total",
			Help: "Total number of agent tasks completed successfully",
		}, []string{"type", "agent_kind"}),
		promFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tasks_failed_total",
			Help: "Total number of agent task failures",
		}, []string{"type", "agent_kind", "code"}),
		promRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_task_retries_total",
			Help: "Total number of agent task retries scheduled",
		}, []string{"type", "agent_kind"}),
		promDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tasks_dead_letter_total",
			Help: "Total number of agent tasks moved to the dead-letter store",
		}, []string{"type", "agent_kind"}),
		promDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_task_duration_seconds",
			Help:    "Agent task execution duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
	m.durMin.Store(math.MaxInt64)

	if reg != nil {
		reg.MustRegister(
			m.promSubmitted, m.promStarted, m.promCompleted,
			m.promFailed, m.promRetried, m.promDeadLettered,
			m.promDuration,
		)
	}

	return m
}

// counters returns the counterSets for a (type, agentKind) pair,
// creating them on first use.
func (m *Metrics) counters(taskType, agentKind string) (*counterSet, *counterSet) {
	m.mu.RLock()
	byType, okType := m.byType[taskType]
	byAgent, okAgent := m.byAgent[agentKind]
	m.mu.RUnlock()
	if okType && okAgent {
		return byType, byAgent
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if byType = m.byType[taskType]; byType == nil {
		byType = &counterSet{}
		m.byType[taskType] = byType
	}
	if byAgent = m.byAgent[agentKind]; byAgent == nil {
		byAgent = &counterSet{}
		m.byAgent[agentKind] = byAgent
	}
	return byType, byAgent
}

// TaskSubmitted records a successful task submission.
func (m *Metrics) TaskSubmitted(taskType, agentKind string) {
	byType, byAgent := m.counters(taskType, agentKind)
	byType.submitted.Add(1)
	byAgent.submitted.Add(1)
	m.promSubmitted.WithLabelValues(taskType, agentKind).Inc()
}

// TaskStarted records a dispatch to the worker pool.
func (m *Metrics) TaskStarted(taskType, agentKind string) {
	byType, byAgent := m.counters(taskType, agentKind)
	byType.started.Add(1)
	byAgent.started.Add(1)
	m.promStarted.WithLabelValues(taskType, agentKind).Inc()
}

// TaskCompleted records a successful completion with its duration.
func (m *Metrics) TaskCompleted(taskType, agentKind string, duration time.Duration) {
	byType, byAgent := m.counters(taskType, agentKind)
	byType.completed.Add(1)
	byAgent.completed.Add(1)
	m.observeDuration(duration)
	m.promCompleted.WithLabelValues(taskType, agentKind).Inc()
	m.promDuration.Observe(duration.Seconds())
}

// TaskFailed records a failed execution attempt with its error code and
// duration.
func (m *Metrics) TaskFailed(taskType, agentKind, code string, duration time.Duration) {
	byType, byAgent := m.counters(taskType, agentKind)
	byType.failed.Add(1)
	byAgent.failed.Add(1)
	m.failureCounter(taskType, code).Add(1)
	m.observeDuration(duration)
	m.promFailed.WithLabelValues(taskType, agentKind, code).Inc()
	m.promDuration.Observe(duration.Seconds())
}

// TaskRetried records a retry re-schedule.
func (m *Metrics) TaskRetried(taskType, agentKind string) {
	byType, byAgent := m.counters(taskType, agentKind)
	byType.retried.Add(1)
	byAgent.retried.Add(1)
	m.promRetried.WithLabelValues(taskType, agentKind).Inc()
}

// TaskDeadLettered records a move to the dead-letter store.
func (m *Metrics) TaskDeadLettered(taskType, agentKind string) {
	byType, byAgent := m.counters(taskType, agentKind)
	byType.deadLettered.Add(1)
	byAgent.deadLettered.Add(1)
	m.promDeadLettered.WithLabelValues(taskType, agentKind).Inc()
}

// failureCounter returns the accumulator for a (type, code) pair.
func (m *Metrics) failureCounter(taskType, code string) *atomic.Int64 {
	m.mu.RLock()
	codes := m.failures[taskType]
	var counter *atomic.Int64
	if codes != nil {
		counter = codes[code]
	}
	m.mu.RUnlock()
	if counter != nil {
		return counter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures[taskType] == nil {
		m.failures[taskType] = make(map[string]*atomic.Int64)
	}
	if m.failures[taskType][code] == nil {
		m.failures[taskType][code] = &atomic.Int64{}
	}
	return m.failures[taskType][code]
}

// observeDuration folds a duration into the running min/max/total.
func (m *Metrics) observeDuration(d time.Duration) {
	ns := int64(d)
	m.durCount.Add(1)
	m.durTotal.Add(ns)
	for {
		min := m.durMin.Load()
		if ns >= min || m.durMin.CompareAndSwap(min, ns) {
			break
		}
	}
	for {
		max := m.durMax.Load()
		if ns <= max || m.durMax.CompareAndSwap(max, ns) {
			break
		}
	}
}

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		ByType:   make(map[string]CounterSnapshot),
		ByAgent:  make(map[string]CounterSnapshot),
		Failures: make(map[string]map[string]int64),
	}

	m.mu.RLock()
	for taskType, set := range m.byType {
		snap.ByType[taskType] = set.snapshot()
	}
	for agentKind, set := range m.byAgent {
		snap.ByAgent[agentKind] = set.snapshot()
	}
	for taskType, codes := range m.failures {
		snap.Failures[taskType] = make(map[string]int64, len(codes))
		for code, counter := range codes {
			snap.Failures[taskType][code] = counter.Load()
		}
	}
	m.mu.RUnlock()

	count := m.durCount.Load()
	snap.Durations.Count = count
	if count > 0 {
		snap.Durations.Min = time.Duration(m.durMin.Load())
		snap.Durations.Max = time.Duration(m.durMax.Load())
		snap.Durations.Average = time.Duration(m.durTotal.Load() / count)
	}

	return snap
}

func (c *counterSet) snapshot() CounterSnapshot {
	return CounterSnapshot{
		Submitted:    c.submitted.Load(),
		Started:      c.started.Load(),
		Completed:    c.completed.Load(),
		Failed:       c.failed.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}
