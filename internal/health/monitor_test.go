package health

import (
	"context"
	"testing"
	"time"

	"github.com/ent0n29/loopd/internal/messenger"
	"github.com/ent0n29/loopd/internal/scheduler"
	"github.com/ent0n29/loopd/internal/tasks"
	"github.com/rs/zerolog"
)

// silentClient never completes a login, so tasks stop logging until the
// monitor steps in.
type silentClient struct{ logins int }

func (c *silentClient) Login(context.Context, string, messenger.LoginOptions, func(messenger.Session, error)) {
	c.logins++
}

type nopCreds struct{}

func (nopCreds) Write(string, string) error { return nil }
func (nopCreds) Delete(string) error        { return nil }

func TestSweepRestartsOnlyStalledRunningTasks(t *testing.T) {
	sched := scheduler.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client := &silentClient{}
	rt := tasks.Runtime{
		Scheduler:   sched,
		Client:      client,
		Credentials: nopCreds{},
		Log:         zerolog.Nop(),
		Policy:      tasks.DefaultPolicy(),
	}
	reg := tasks.NewRegistry()
	in := tasks.Input{ThreadID: "1", MessageContent: "a", HatersName: "x", LastHereName: "y", CookieContent: "c"}

	stalled := tasks.New("stalled", in, rt)
	if err := stalled.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stopped := tasks.New("stopped", in, rt)
	_ = stopped.Start()
	stopped.Stop()
	for _, task := range []*tasks.Task{stalled, stopped} {
		if err := reg.Register(task); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	m := NewMonitor(reg, sched, nil, zerolog.Nop())
	if n := m.Sweep(); n != 0 {
		t.Fatalf("Sweep() on fresh tasks = %d, want 0", n)
	}

	sched.Advance(301 * time.Second)
	fresh := tasks.New("fresh", in, rt)
	_ = fresh.Start()
	_ = reg.Register(fresh)

	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if stalled.State() != tasks.StateRestarting || stalled.Stats().Restarts != 1 {
		t.Fatalf("stalled task state=%q restarts=%d", stalled.State(), stalled.Stats().Restarts)
	}
	if stopped.Stats().Restarts != 0 || fresh.Stats().Restarts != 0 {
		t.Fatalf("healthy or stopped task was restarted")
	}

	sched.Advance(10 * time.Second)
	if client.logins != 4 {
		t.Fatalf("logins = %d, want 4 (three starts and one restart)", client.logins)
	}
}
