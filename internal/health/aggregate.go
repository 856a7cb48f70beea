// Package health derives one system health verdict from many probe statuses
// and notifies when that verdict changes.
package health

import (
	"math"
	"time"

	"github.com/livestatus/livestatus/internal/status"
)

// severity orders probe states for worst-of-N aggregation.
var severity = map[status.State]int{
	status.StateUnknown:   0,
	status.StateHealthy:   1,
	status.StateDegraded:  2,
	status.StateUnhealthy: 3,
}

// Aggregate computes the aggregate health of statuses. latencies maps probe
// ids to their last response time in milliseconds; probes without a sample
// are left out of the average.
//
// The overall state is the worst probe state, with unknown ranked lowest. An
// empty set is unknown with a health percentage of zero.
func Aggregate(statuses []status.CanonicalStatus, latencies map[string]float64, now time.Time) status.AggregateHealth {
	agg := status.AggregateHealth{
		Overall: status.StateUnknown,
		Counts: map[status.State]int{
			status.StateHealthy:   0,
			status.StateDegraded:  0,
			status.StateUnhealthy: 0,
			status.StateUnknown:   0,
		},
		Total:          len(statuses),
		LastComputedAt: now,
	}

	var (
		latencySum   float64
		latencyCount int
	)
	for _, cs := range statuses {
		state := cs.CurrentState
		if _, ok := severity[state]; !ok {
			state = status.StateUnknown
		}
		agg.Counts[state]++

		if severity[state] > severity[agg.Overall] {
			agg.Overall = state
		}

		if ms, ok := latencies[cs.ResourceID]; ok && ms > 0 {
			latencySum += ms
			latencyCount++
		}
	}

	if agg.Total > 0 {
		agg.HealthPercentage = int(math.Round(float64(agg.Counts[status.StateHealthy]) / float64(agg.Total) * 100))
	}
	if latencyCount > 0 {
		agg.AverageLatencyMs = latencySum / float64(latencyCount)
	}

	return agg
}
