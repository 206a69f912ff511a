package task

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanderplan/wanderplan-api/internal/domain"
)

func TestMetrics_Snapshot(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(nil)

	metrics.TaskSubmitted("itinerary_generation", "planner")
	metrics.TaskSubmitted("itinerary_generation", "planner")
	metrics.TaskSubmitted("poi_enrichment", "researcher")
	metrics.TaskStarted("itinerary_generation", "planner")
	metrics.TaskCompleted("itinerary_generation", "planner", 2*time.Second)
	metrics.TaskFailed("poi_enrichment", "researcher", domain.ErrCodeTimeout, 10*time.Second)
	metrics.TaskRetried("poi_enrichment", "researcher")
	metrics.TaskDeadLettered("poi_enrichment", "researcher")

	snap := metrics.Snapshot()

	assert.Equal(t, int64(2), snap.ByType["itinerary_generation"].Submitted)
	assert.Equal(t, int64(1), snap.ByType["itinerary_generation"].Started)
	assert.Equal(t, int64(1), snap.ByType["itinerary_generation"].Completed)
	assert.Equal(t, int64(1), snap.ByType["poi_enrichment"].Submitted)
	assert.Equal(t, int64(1), snap.ByType["poi_enrichment"].Failed)
	assert.Equal(t, int64(1), snap.ByType["poi_enrichment"].Retried)
	assert.Equal(t, int64(1), snap.ByType["poi_enrichment"].DeadLettered)

	assert.Equal(t, int64(2), snap.ByAgent["planner"].Submitted)
	assert.Equal(t, int64(1), snap.ByAgent["researcher"].Failed)

	require.Contains(t, snap.Failures, "poi_enrichment")
	assert.Equal(t, int64(1), snap.Failures["poi_enrichment"][domain.ErrCodeTimeout])

	assert.Equal(t, int64(2), snap.Durations.Count)
	assert.Equal(t, 2*time.Second, snap.Durations.Min)
	assert.Equal(t, 10*time.Second, snap.Durations.Max)
	assert.Equal(t, 6*time.Second, snap.Durations.Average)
}

func TestMetrics_EmptySnapshot(t *testing.T) {
	t.Parallel()

	snap := NewMetrics(nil).Snapshot()
	assert.Empty(t, snap.ByType)
	assert.Empty(t, snap.ByAgent)
	assert.Empty(t, snap.Failures)
	assert.Equal(t, int64(0), snap.Durations.Count)
	assert.Equal(t, time.Duration(0), snap.Durations.Min, "min reads zero before any observation")
}

func TestMetrics_ConcurrentUpdates(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(nil)

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				metrics.TaskSubmitted("itinerary_generation", "planner")
				metrics.TaskCompleted("itinerary_generation", "planner", time.Second)
				metrics.TaskFailed("itinerary_generation", "planner", domain.ErrCodeExecution, time.Second)
			}
		}()
	}
	wg.Wait()

	snap := metrics.Snapshot()
	assert.Equal(t, int64(workers*perWorker), snap.ByType["itinerary_generation"].Submitted)
	assert.Equal(t, int64(workers*perWorker), snap.ByType["itinerary_generation"].Completed)
	assert.Equal(t, int64(workers*perWorker), snap.Failures["itinerary_generation"][domain.ErrCodeExecution])
	assert.Equal(t, int64(2*workers*perWorker), snap.Durations.Count)
}

func TestMetrics_PrometheusRegistration(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.TaskSubmitted("itinerary_generation", "planner")
	metrics.TaskCompleted("itinerary_generation", "planner", time.Second)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["agent_tasks_submitted_total"])
	assert.True(t, names["agent_tasks_completed_total"])
	assert.True(t, names["agent_task_duration_seconds"])
}
