package control

import (
	"fmt"
	"sync"
	"time"
)

// DefaultStaleAfter is how long a component may go without reporting before
// the pipeline is considered unhealthy.
const DefaultStaleAfter = 30 * time.Second

// StatsProvider is implemented by components that track statistics.
type StatsProvider interface {
	GetStats() ComponentStats
}

// ComponentStats represents statistics from a single component.
type ComponentStats struct {
	ComponentType string                 `json:"component_type"`
	ComponentName string                 `json:"component_name"`
	Stats         map[string]interface{} `json:"stats"`
	LastUpdated   time.Time              `json:"last_updated"`
}

// PipelineStats aggregates stats from all components.
type PipelineStats struct {
	mu         sync.RWMutex
	PipelineID string
	StartTime  time.Time
	Components []ComponentStats

	staleAfter time.Duration
	providers  []StatsProvider
	now        func() time.Time
}

func NewPipelineStats(pipelineID string, staleAfter time.Duration) *PipelineStats {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &PipelineStats{
		PipelineID: pipelineID,
		StartTime:  time.Now(),
		Components: make([]ComponentStats, 0),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Track registers providers that Refresh polls.
func (ps *PipelineStats) Track(providers ...StatsProvider) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.providers = append(ps.providers, providers...)
}

// Refresh pulls the current stats from every tracked provider.
func (ps *PipelineStats) Refresh() {
	ps.mu.RLock()
	providers := append([]StatsProvider(nil), ps.providers...)
	ps.mu.RUnlock()

	for _, p := range providers {
		ps.UpdateComponentStats(p.GetStats())
	}
}

func (ps *PipelineStats) UpdateComponentStats(stats ComponentStats) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for i, cs := range ps.Components {
		if cs.ComponentName == stats.ComponentName {
			ps.Components[i] = stats
			return
		}
	}
	ps.Components = append(ps.Components, stats)
}

// GetMetrics flattens numeric component stats into
// "{type}.{name}.{key}" gauges for control-plane heartbeats.
func (ps *PipelineStats) GetMetrics() map[string]float64 {
	ps.Refresh()

	ps.mu.RLock()
	defer ps.mu.RUnlock()

	metrics := make(map[string]float64)
	metrics["pipeline.uptime_seconds"] = ps.now().Sub(ps.StartTime).Seconds()
	metrics["pipeline.component_count"] = float64(len(ps.Components))

	for _, comp := range ps.Components {
		prefix := comp.ComponentType + "." + comp.ComponentName
		for key, value := range comp.Stats {
			switch v := value.(type) {
			case float64:
				metrics[prefix+"."+key] = v
			case int:
				metrics[prefix+"."+key] = float64(v)
			case int64:
				metrics[prefix+"."+key] = float64(v)
			case uint32:
				metrics[prefix+"."+key] = float64(v)
			case uint64:
				metrics[prefix+"."+key] = float64(v)
			}
		}
	}

	return metrics
}

// IsHealthy reports whether every component reported within the stale
// window. A pipeline with no components yet is unhealthy.
func (ps *PipelineStats) IsHealthy() bool {
	ps.Refresh()

	ps.mu.RLock()
	defer ps.mu.RUnlock()

	now := ps.now()
	for _, comp := range ps.Components {
		if now.Sub(comp.LastUpdated) > ps.staleAfter {
			return false
		}
	}
	return len(ps.Components) > 0
}

func (ps *PipelineStats) GetHealthDetails() map[string]string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	now := ps.now()
	details := make(map[string]string)
	details["pipeline_id"] = ps.PipelineID
	details["uptime"] = now.Sub(ps.StartTime).String()
	details["component_count"] = fmt.Sprintf("%d", len(ps.Components))
	details["health_check_timeout"] = ps.staleAfter.String()

	for _, comp := range ps.Components {
		status := "healthy"
		if now.Sub(comp.LastUpdated) > ps.staleAfter {
			status = "stale"
		}
		details[comp.ComponentName+"_status"] = status
	}

	return details
}

// Snapshot returns a copy of the latest component stats.
func (ps *PipelineStats) Snapshot() []ComponentStats {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return append([]ComponentStats(nil), ps.Components...)
}
