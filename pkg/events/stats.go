package events

import (
	"context"
	"fmt"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

// Stats summarizes the queue's state.
type Stats struct {
	Counts          map[string]int64 `json:"counts"`
	Total           int64            `json:"total"`
	AvgProcessingMS float64          `json:"avg_processing_ms"`
	ErrorRate       float64          `json:"error_rate"`
}

// Health states.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

const (
	backlogDegradedThreshold = 100
	errorRateDegraded        = 0.1
	errorRateUnhealthy       = 0.5
)

// Health is the queue's health verdict with operator guidance.
type Health struct {
	Status          string   `json:"status"`
	Recommendations []string `json:"recommendations,omitempty"`
	Stats           Stats    `json:"stats"`
}

// Stats computes counts by status, average processing time, and the
// error rate over settled events.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	counts, err := q.db.CountEventsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	avg, err := q.db.AverageProcessingMS(ctx)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	settled := counts[store.EventProcessed] + counts[store.EventFailed]

	var errorRate float64
	if settled > 0 {
		errorRate = float64(counts[store.EventFailed]) / float64(settled)
	}

	return &Stats{
		Counts:          counts,
		Total:           total,
		AvgProcessingMS: avg,
		ErrorRate:       errorRate,
	}, nil
}

// Health derives a verdict from the current stats.
func (q *Queue) Health(ctx context.Context) (*Health, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return nil, err
	}

	h := &Health{Status: HealthHealthy, Stats: *stats}

	backlog := stats.Counts[store.EventPending]

	switch {
	case stats.ErrorRate >= errorRateUnhealthy:
		h.Status = HealthUnhealthy
		h.Recommendations = append(h.Recommendations, fmt.Sprintf(
			"%.0f%% of settled events failed; inspect failed events and "+
				"verify instance connectivity before retrying",
			stats.ErrorRate*100))
	case stats.ErrorRate >= errorRateDegraded:
		h.Status = HealthDegraded
		h.Recommendations = append(h.Recommendations, fmt.Sprintf(
			"%.0f%% of settled events failed; review recent event errors",
			stats.ErrorRate*100))
	}

	if backlog > backlogDegradedThreshold {
		if h.Status == HealthHealthy {
			h.Status = HealthDegraded
		}

		h.Recommendations = append(h.Recommendations, fmt.Sprintf(
			"%d events are pending; consider raising the worker count",
			backlog))
	}

	return h, nil
}
