package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/loopd/internal/credstore"
	"github.com/ent0n29/loopd/internal/health"
	"github.com/ent0n29/loopd/internal/messenger"
	"github.com/ent0n29/loopd/internal/notify"
	"github.com/ent0n29/loopd/internal/observability"
	"github.com/ent0n29/loopd/internal/scheduler"
	"github.com/ent0n29/loopd/internal/snapshot"
	"github.com/ent0n29/loopd/internal/tasks"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Config struct {
	Policy           tasks.Policy
	SaveInterval     time.Duration
	HealthInterval   time.Duration
	RehydrateDelay   time.Duration
	SnapshotLogLimit int
}

func DefaultConfig() Config {
	return Config{
		Policy:           tasks.DefaultPolicy(),
		SaveInterval:     30 * time.Second,
		HealthInterval:   60 * time.Second,
		RehydrateDelay:   5 * time.Second,
		SnapshotLogLimit: 50,
	}
}

type Deps struct {
	Scheduler   scheduler.Scheduler
	Client      messenger.Client
	Credentials credstore.Store
	Store       snapshot.Store
	Bus         *notify.Bus
	Metrics     *observability.Metrics
	Log         zerolog.Logger
}

// Service coordinates task lifecycle, persistence and health. Task state is
// only ever touched on the scheduler; Service methods hop onto it with Call
// and must not be invoked from scheduled work.
type Service struct {
	cfg      Config
	sched    scheduler.Scheduler
	registry *tasks.Registry
	bus      *notify.Bus
	store    snapshot.Store
	monitor  *health.Monitor
	rt       tasks.Runtime
	metrics  *observability.Metrics
	log      zerolog.Logger
	newID    func() string

	saveMu sync.Mutex
}

func New(cfg Config, deps Deps) *Service {
	def := DefaultConfig()
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = def.SaveInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.RehydrateDelay <= 0 {
		cfg.RehydrateDelay = def.RehydrateDelay
	}
	if cfg.SnapshotLogLimit <= 0 {
		cfg.SnapshotLogLimit = def.SnapshotLogLimit
	}
	if deps.Bus == nil {
		deps.Bus = notify.NewBus()
	}

	log := deps.Log.With().Str("component", "taskruntime").Logger()
	registry := tasks.NewRegistry()
	return &Service{
		cfg:      cfg,
		sched:    deps.Scheduler,
		registry: registry,
		bus:      deps.Bus,
		store:    deps.Store,
		monitor:  health.NewMonitor(registry, deps.Scheduler, deps.Metrics, deps.Log),
		rt: tasks.Runtime{
			Scheduler:   deps.Scheduler,
			Client:      deps.Client,
			Credentials: deps.Credentials,
			Publisher:   deps.Bus,
			Metrics:     deps.Metrics,
			Log:         deps.Log.With().Str("component", "task").Logger(),
			Policy:      cfg.Policy,
		},
		metrics: deps.Metrics,
		log:     log,
		newID:   uuid.NewString,
	}
}

func (s *Service) Bus() *notify.Bus { return s.bus }

func (s *Service) StoreMode() string {
	if s.store == nil {
		return "disabled"
	}
	return s.store.Mode()
}

// Start creates a task and starts it. attach, when set, is called with the
// new id before the task emits anything so the caller's observer sees every
// log line. A task that fails to start is not registered.
func (s *Service) Start(ctx context.Context, input tasks.Input, attach func(taskID string)) (string, error) {
	id := s.newID()
	var startErr error
	err := s.sched.Call(ctx, func() {
		if attach != nil {
			attach(id)
		}
		t := tasks.New(id, input, s.rt)
		if startErr = t.Start(); startErr != nil {
			return
		}
		if startErr = s.registry.Register(t); startErr != nil {
			t.Stop()
			return
		}
		s.bus.Publish(id, notify.Event{Type: notify.EventTaskStarted, TaskID: id, Time: s.sched.Now()})
		s.refreshActive()
	})
	if err != nil {
		return "", fmt.Errorf("start task: %w", err)
	}
	if startErr != nil {
		s.log.Warn().Err(startErr).Str("task_id", id).Msg("task failed to start")
		return "", startErr
	}
	s.log.Info().Str("task_id", id).Msg("task started")
	_ = s.Save(ctx)
	return id, nil
}

// Stop halts the task, drops it from the registry and rewrites the snapshot
// without it.
func (s *Service) Stop(ctx context.Context, taskID string) error {
	var stopErr error
	err := s.sched.Call(ctx, func() {
		t, err := s.registry.Get(taskID)
		if err != nil {
			stopErr = err
			return
		}
		t.Stop()
		s.registry.Remove(t.ID())
		s.bus.Publish(t.ID(), notify.Event{Type: notify.EventTaskStopped, TaskID: t.ID(), Time: s.sched.Now()})
		s.refreshActive()
	})
	if err != nil {
		return fmt.Errorf("stop task: %w", err)
	}
	if stopErr != nil {
		return stopErr
	}
	s.log.Info().Str("task_id", taskID).Msg("task stopped")
	_ = s.Save(ctx)
	return nil
}

func (s *Service) Get(ctx context.Context, taskID string) (tasks.Details, error) {
	var (
		out    tasks.Details
		getErr error
	)
	err := s.sched.Call(ctx, func() {
		t, err := s.registry.Get(taskID)
		if err != nil {
			getErr = err
			return
		}
		out = t.Details()
	})
	if err != nil {
		return tasks.Details{}, err
	}
	return out, getErr
}

func (s *Service) List(ctx context.Context) ([]tasks.Details, error) {
	var out []tasks.Details
	err := s.sched.Call(ctx, func() {
		list := s.registry.List()
		out = make([]tasks.Details, 0, len(list))
		for _, t := range list {
			out = append(out, t.Details())
		}
	})
	return out, err
}

// Rehydrate loads the persisted snapshot and schedules each task to resume
// after the rehydrate delay. A missing or unreadable snapshot leaves the
// registry empty.
func (s *Service) Rehydrate(ctx context.Context) int {
	if s.store == nil {
		return 0
	}
	snaps, err := s.store.Load(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("store", s.store.Mode()).Msg("load snapshot failed; starting empty")
		return 0
	}

	ids := make([]string, 0, len(snaps))
	for id := range snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	loaded := 0
	err = s.sched.Call(ctx, func() {
		for _, id := range ids {
			t := tasks.Restore(id, snaps[id], s.rt)
			if err := s.registry.Register(t); err != nil {
				s.log.Warn().Err(err).Str("task_id", id).Msg("skip persisted task")
				continue
			}
			s.sched.After(s.cfg.RehydrateDelay, t.Resume)
			s.log.Info().Str("task_id", id).Msg("reloaded persistent task")
			loaded++
		}
		s.refreshActive()
	})
	if err != nil {
		s.log.Error().Err(err).Msg("rehydrate aborted")
	}
	return loaded
}

// Save writes every running task to the snapshot store. Collection happens on
// the scheduler; the write happens on the caller.
func (s *Service) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snaps := map[string]tasks.Snapshot{}
	if err := s.sched.Call(ctx, func() {
		for _, t := range s.registry.List() {
			if t.Running() {
				snaps[t.ID()] = t.Snapshot(s.cfg.SnapshotLogLimit)
			}
		}
	}); err != nil {
		return fmt.Errorf("collect snapshot: %w", err)
	}

	if err := s.store.Save(ctx, snaps); err != nil {
		s.metrics.SnapshotSaved("error")
		s.log.Error().Err(err).Int("tasks", len(snaps)).Msg("save snapshot failed")
		return err
	}
	s.metrics.SnapshotSaved("ok")
	return nil
}

// Sweep runs one health pass and reports how many tasks were restarted.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n := 0
	err := s.sched.Call(ctx, func() {
		n = s.monitor.Sweep()
		s.refreshActive()
	})
	return n, err
}

// Run drives the periodic save and health sweep until ctx is cancelled, then
// writes a final snapshot.
func (s *Service) Run(ctx context.Context) {
	logger := cronLogger{log: s.log}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	c.Schedule(cron.Every(s.cfg.SaveInterval), cron.FuncJob(func() {
		_ = s.Save(ctx)
	}))
	c.Schedule(cron.Every(s.cfg.HealthInterval), cron.FuncJob(func() {
		n, err := s.Sweep(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Msg("health sweep failed")
			return
		}
		if n > 0 {
			s.log.Info().Int("restarted", n).Msg("health sweep restarted tasks")
		}
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Save(flushCtx); err != nil {
		s.log.Warn().Err(err).Msg("final snapshot failed")
	}
}

func (s *Service) refreshActive() {
	n := 0
	for _, t := range s.registry.List() {
		if t.Running() {
			n++
		}
	}
	s.metrics.SetActiveTasks(n)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
