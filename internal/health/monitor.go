// Package health forces restarts of running tasks that have gone quiet.
package health

import (
	"github.com/ent0n29/loopd/internal/observability"
	"github.com/ent0n29/loopd/internal/scheduler"
	"github.com/ent0n29/loopd/internal/tasks"
	"github.com/rs/zerolog"
)

type Monitor struct {
	registry *tasks.Registry
	sched    scheduler.Scheduler
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewMonitor(registry *tasks.Registry, sched scheduler.Scheduler, metrics *observability.Metrics, log zerolog.Logger) *Monitor {
	return &Monitor{
		registry: registry,
		sched:    sched,
		metrics:  metrics,
		log:      log.With().Str("component", "health").Logger(),
	}
}

// Sweep restarts every running task that fails its health check and returns
// how many were restarted. It must run on the scheduler.
func (m *Monitor) Sweep() int {
	now := m.sched.Now()
	restarted := 0
	for _, t := range m.registry.List() {
		if !t.Running() || t.Healthy(now) {
			continue
		}
		m.log.Warn().Str("task_id", t.ID()).Msg("auto-restarting stuck task")
		t.Restart(tasks.RestartStall)
		m.metrics.HealthRestart()
		restarted++
	}
	return restarted
}
