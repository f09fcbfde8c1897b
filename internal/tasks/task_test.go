package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/loopd/internal/messenger"
	"github.com/ent0n29/loopd/internal/notify"
	"github.com/ent0n29/loopd/internal/reliability"
	"github.com/ent0n29/loopd/internal/scheduler"
	"github.com/rs/zerolog"
)

type fakeSession struct {
	sendErr  error
	throwErr error
	panicMsg string
	sends    []string
	closed   int
}

func (s *fakeSession) SendMessage(text, threadID string, done func(error)) error {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.sends = append(s.sends, text)
	if s.throwErr != nil {
		return s.throwErr
	}
	done(s.sendErr)
	return nil
}

func (s *fakeSession) GetThreadInfo(threadID string, done func(messenger.ThreadInfo, error)) error {
	done(messenger.ThreadInfo{ID: threadID, Name: "Family"}, nil)
	return nil
}

func (s *fakeSession) Listen(func(messenger.Event, error)) error { return nil }

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeClient struct {
	loginErr error
	hang     bool
	logins   int
	session  *fakeSession
}

func (c *fakeClient) Login(_ context.Context, _ string, _ messenger.LoginOptions, done func(messenger.Session, error)) {
	c.logins++
	if c.hang {
		return
	}
	if c.loginErr != nil {
		done(nil, c.loginErr)
		return
	}
	done(c.session, nil)
}

type memCreds struct {
	mu       sync.Mutex
	writeErr error
	files    map[string]string
}

func newMemCreds() *memCreds { return &memCreds{files: make(map[string]string)} }

func (c *memCreds) Write(taskID, blob string) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[taskID] = blob
	return nil
}

func (c *memCreds) Delete(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, taskID)
	return nil
}

func (c *memCreds) has(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.files[taskID]
	return ok
}

type harness struct {
	sched  *scheduler.Manual
	client *fakeClient
	creds  *memCreds
	rt     Runtime
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sched:  scheduler.NewManual(time.Date(2026, 3, 1, 15, 4, 5, 0, time.UTC)),
		client: &fakeClient{session: &fakeSession{}},
		creds:  newMemCreds(),
	}
	h.rt = Runtime{
		Scheduler:   h.sched,
		Client:      h.client,
		Credentials: h.creds,
		Log:         zerolog.Nop(),
		Policy:      DefaultPolicy(),
	}
	return h
}

func threeMessages() Input {
	return Input{
		ThreadID:       "42",
		MessageContent: "a\nb\nc",
		HatersName:     "HI",
		LastHereName:   "BYE",
		Delay:          5,
		CookieContent:  "c_user=1; xs=2",
	}
}

func (h *harness) start(t *testing.T, in Input) *Task {
	t.Helper()
	task := New("t1", in, h.rt)
	if err := task.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.sched.RunPending()
	return task
}

func countLogs(task *Task, substr string) int {
	n := 0
	for _, e := range task.Logs() {
		if strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

func TestTaskSendCycleAndWraparound(t *testing.T) {
	h := newHarness(t)
	task := h.start(t, threeMessages())

	if !h.creds.has("t1") {
		t.Fatalf("credential not written on start")
	}
	if task.State() != StateRunning {
		t.Fatalf("State() = %q, want running", task.State())
	}
	h.sched.Advance(5 * time.Second)
	h.sched.Advance(5 * time.Second)

	st := task.Stats()
	if st.Sent != 3 || st.Failed != 0 || st.Loops != 0 {
		t.Fatalf("after 3 cycles stats = %+v, want sent=3 failed=0 loops=0", st)
	}
	if got := task.Cursor().CurrentIndex; got != 3 {
		t.Fatalf("CurrentIndex after 3 sends = %d, want 3", got)
	}

	h.sched.Advance(5 * time.Second)
	st = task.Stats()
	if st.Sent != 4 || st.Loops != 1 {
		t.Fatalf("after 4th send stats = %+v, want sent=4 loops=1", st)
	}
	if got := task.Cursor().CurrentIndex; got != 1 {
		t.Fatalf("CurrentIndex after wraparound = %d, want 1", got)
	}
	want := []string{"HI a BYE", "HI b BYE", "HI c BYE", "HI a BYE"}
	sends := h.client.session.sends
	for i := range want {
		if sends[i] != want[i] {
			t.Fatalf("sends[%d] = %q, want %q", i, sends[i], want[i])
		}
	}
	if countLogs(task, "Loop #1 completed. Restarting.") != 1 {
		t.Fatalf("missing loop completion log")
	}
	if countLogs(task, "Target: Family (ID: 42)") != 1 {
		t.Fatalf("missing thread info log")
	}
	if st.ActiveCookies != 1 || st.LastSuccess == nil {
		t.Fatalf("stats = %+v, want active session and last success", st)
	}
}

func TestTaskDefaultDelay(t *testing.T) {
	h := newHarness(t)
	in := threeMessages()
	in.Delay = 0
	task := New("t1", in, h.rt)
	if task.Config().Delay != 5 {
		t.Fatalf("Delay = %d, want default 5", task.Config().Delay)
	}
}

func TestTaskAlwaysFailingSendRetriesTenTimes(t *testing.T) {
	h := newHarness(t)
	h.client.session.sendErr = errors.New("message blocked")
	task := h.start(t, threeMessages())

	for i := 0; i < 10; i++ {
		h.sched.Advance(5 * time.Second)
	}

	sends := h.client.session.sends
	if len(sends) != 11 {
		t.Fatalf("send attempts = %d, want 11 (1 + 10 retries)", len(sends))
	}
	for i, s := range sends {
		if s != "HI a BYE" {
			t.Fatalf("sends[%d] = %q, want the same first message", i, s)
		}
	}
	if got := countLogs(task, "RETRY "); got != 10 {
		t.Fatalf("retry logs = %d, want 10", got)
	}
	if got := countLogs(task, "FAILED after 10 retries"); got != 1 {
		t.Fatalf("final failure logs = %d, want 1", got)
	}
	if got := task.Cursor().CurrentIndex; got != 1 {
		t.Fatalf("CurrentIndex = %d, want 1", got)
	}
	if got := task.Stats().Failed; got != 11 {
		t.Fatalf("Failed = %d, want 11", got)
	}
	if !task.Running() {
		t.Fatalf("task stopped after exhausted send retries")
	}

	h.sched.Advance(5 * time.Second)
	if last := h.client.session.sends[len(h.client.session.sends)-1]; last != "HI b BYE" {
		t.Fatalf("next cycle sent %q, want second message", last)
	}
}

func TestTaskAlwaysFailingLoginAttemptsFiftyTimes(t *testing.T) {
	h := newHarness(t)
	h.client.loginErr = errors.New("checkpoint for c_user=1000123")
	task := h.start(t, threeMessages())

	for i := 0; i < 60; i++ {
		h.sched.Advance(30 * time.Second)
	}

	if h.client.logins != 50 {
		t.Fatalf("login attempts = %d, want 50", h.client.logins)
	}
	if task.Running() {
		t.Fatalf("task still running after exhausting login retries")
	}
	if task.State() != StateFailed || task.FailReason() != FailMaxLoginRetries {
		t.Fatalf("state = %q/%q, want failed/max_login_retries", task.State(), task.FailReason())
	}
	if h.sched.PendingTimers() != 0 {
		t.Fatalf("PendingTimers() = %d, want 0", h.sched.PendingTimers())
	}
	if h.creds.has("t1") {
		t.Fatalf("credential not deleted after login failure")
	}
	if countLogs(task, "1000123") != 0 {
		t.Fatalf("login error leaked credential into task logs")
	}
	if countLogs(task, "Max login retries reached. Task paused.") != 1 {
		t.Fatalf("missing max login retries log")
	}
}

func TestTaskStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	task := h.start(t, threeMessages())

	before := task.Stats()
	pending := h.sched.PendingTimers()
	sends := len(h.client.session.sends)

	if err := task.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	h.sched.RunPending()

	after := task.Stats()
	if after.Sent != before.Sent || after.Failed != before.Failed || after.Restarts != before.Restarts {
		t.Fatalf("stats changed: before %+v after %+v", before, after)
	}
	if h.sched.PendingTimers() != pending {
		t.Fatalf("PendingTimers() = %d, want %d", h.sched.PendingTimers(), pending)
	}
	if len(h.client.session.sends) != sends || h.client.logins != 1 {
		t.Fatalf("second Start() triggered work: sends=%d logins=%d", len(h.client.session.sends), h.client.logins)
	}
	if countLogs(task, "Task is already running") != 1 {
		t.Fatalf("missing already running log")
	}
}

func TestTaskRestartBudgetExhaustion(t *testing.T) {
	h := newHarness(t)
	h.rt.Policy.MaxRestarts = 1
	task := h.start(t, threeMessages())

	task.Restart(RestartStall)
	h.sched.Advance(10 * time.Second)
	if !task.Running() || h.client.logins != 2 {
		t.Fatalf("after first restart running=%v logins=%d, want running and 2 logins", task.Running(), h.client.logins)
	}

	task.Restart(RestartStall)
	h.sched.Advance(10 * time.Second)
	if task.Running() {
		t.Fatalf("task still running after second restart with limit 1")
	}
	if task.FailReason() != FailMaxRestarts {
		t.Fatalf("FailReason() = %q, want max_restarts", task.FailReason())
	}
	if task.Stats().Restarts != 2 {
		t.Fatalf("Restarts = %d, want 2", task.Stats().Restarts)
	}

	sends := len(h.client.session.sends)
	h.sched.Advance(5 * time.Minute)
	if len(h.client.session.sends) != sends {
		t.Fatalf("sends continued after restart budget exhausted")
	}
}

func TestTaskTransportErrorRestarts(t *testing.T) {
	h := newHarness(t)
	h.client.session.throwErr = errors.New("socket closed")
	task := h.start(t, threeMessages())

	if task.State() != StateRestarting {
		t.Fatalf("State() = %q, want restarting", task.State())
	}
	st := task.Stats()
	if st.Restarts != 1 || st.ActiveCookies != 0 {
		t.Fatalf("stats = %+v, want restarts=1 activeCookies=0", st)
	}
	if countLogs(task, "CRITICAL: Send error") != 1 {
		t.Fatalf("missing critical send log")
	}

	h.client.session.throwErr = nil
	h.sched.Advance(10 * time.Second)
	if task.State() != StateRunning || h.client.logins != 2 {
		t.Fatalf("after restart state=%q logins=%d, want running and 2 logins", task.State(), h.client.logins)
	}
}

func TestTaskPanicInContinuationRestarts(t *testing.T) {
	h := newHarness(t)
	h.client.session.panicMsg = "nil thread"
	task := h.start(t, threeMessages())

	if task.Stats().Restarts != 1 {
		t.Fatalf("Restarts = %d, want 1", task.Stats().Restarts)
	}
	if countLogs(task, "Error in message scheduler: nil thread") != 1 {
		t.Fatalf("missing scheduler error log")
	}
}

func TestTaskStopCancelsAndDeletesCredential(t *testing.T) {
	h := newHarness(t)
	task := h.start(t, threeMessages())

	task.Stop()
	if task.Running() || task.State() != StateStopped {
		t.Fatalf("after Stop running=%v state=%q", task.Running(), task.State())
	}
	if h.creds.has("t1") {
		t.Fatalf("credential not deleted on stop")
	}
	if h.sched.PendingTimers() != 0 {
		t.Fatalf("PendingTimers() = %d after stop, want 0", h.sched.PendingTimers())
	}
	sends := len(h.client.session.sends)
	h.sched.Advance(time.Minute)
	if len(h.client.session.sends) != sends {
		t.Fatalf("sends continued after stop")
	}
	if countLogs(task, "ID remains logged in") != 1 {
		t.Fatalf("missing stop log")
	}
}

func TestTaskStopDuringLoginIgnoresLateCallback(t *testing.T) {
	h := newHarness(t)
	task := New("t1", threeMessages(), h.rt)
	if err := task.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// login completion is posted but not yet run
	task.Stop()
	h.sched.RunPending()

	if task.Stats().ActiveCookies != 0 || len(h.client.session.sends) != 0 {
		t.Fatalf("late login callback took effect after stop")
	}
}

func TestTaskStartupErrors(t *testing.T) {
	h := newHarness(t)
	h.creds.writeErr = errors.New("disk full")
	task := New("t1", threeMessages(), h.rt)
	if err := task.Start(); !errors.Is(err, ErrCredentialWrite) {
		t.Fatalf("Start() error = %v, want ErrCredentialWrite", err)
	}
	if task.Running() || h.client.logins != 0 {
		t.Fatalf("task running=%v logins=%d after credential failure", task.Running(), h.client.logins)
	}

	h = newHarness(t)
	in := threeMessages()
	in.MessageContent = "  \r\n\n"
	task = New("t2", in, h.rt)
	if err := task.Start(); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("Start() error = %v, want ErrNoMessages", err)
	}
	if task.Running() || task.FailReason() != FailStartup {
		t.Fatalf("running=%v reason=%q, want stopped startup failure", task.Running(), task.FailReason())
	}
	if h.creds.has("t2") {
		t.Fatalf("credential left behind after startup failure")
	}
}

func TestTaskHealthTracksActivity(t *testing.T) {
	h := newHarness(t)
	h.client.hang = true
	task := h.start(t, threeMessages())

	if !task.Healthy(h.sched.Now()) {
		t.Fatalf("fresh task reported unhealthy")
	}
	h.sched.Advance(299 * time.Second)
	if !task.Healthy(h.sched.Now()) {
		t.Fatalf("task unhealthy before stall timeout")
	}
	h.sched.Advance(2 * time.Second)
	if task.Healthy(h.sched.Now()) {
		t.Fatalf("task healthy after stall timeout without activity")
	}
}

func TestTaskPublishesLogEvents(t *testing.T) {
	h := newHarness(t)
	bus := notify.NewBus()
	sub := bus.Subscribe(256)
	defer sub.Close()
	sub.Associate("t1")
	h.rt.Publisher = bus

	h.start(t, threeMessages())

	var sawSent bool
	for {
		select {
		case evt := <-sub.C():
			if evt.Type != notify.EventLog {
				t.Fatalf("event type = %q, want log", evt.Type)
			}
			if strings.HasPrefix(evt.Message, "SENT |") && evt.Severity == string(SeveritySuccess) {
				sawSent = true
			}
			continue
		default:
		}
		break
	}
	if !sawSent {
		t.Fatalf("no SENT log event published")
	}
}

func TestTaskSnapshotRestoreResume(t *testing.T) {
	h := newHarness(t)
	task := h.start(t, threeMessages())
	h.sched.Advance(5 * time.Second)
	for i := 0; i < 80; i++ {
		task.addLog("filler", SeverityInfo)
	}

	raw, err := json.Marshal(task.Snapshot(50))
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if strings.Contains(string(raw), "session") {
		t.Fatalf("snapshot carries a session handle: %s", raw)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snap.Logs) != 50 {
		t.Fatalf("snapshot logs = %d, want 50", len(snap.Logs))
	}

	h2 := newHarness(t)
	snap.Config.Running = false
	restored := Restore("t1", snap, h2.rt)
	if !restored.Running() || restored.State() != StateCreated {
		t.Fatalf("restored running=%v state=%q, want running/created", restored.Running(), restored.State())
	}
	if restored.Cursor().CurrentIndex != 2 || restored.Stats().Sent != 2 {
		t.Fatalf("restored cursor=%d sent=%d, want 2/2", restored.Cursor().CurrentIndex, restored.Stats().Sent)
	}

	restored.Resume()
	h2.sched.RunPending()
	if h2.client.logins != 1 || restored.Stats().Sent != 3 {
		t.Fatalf("after resume logins=%d sent=%d, want 1/3", h2.client.logins, restored.Stats().Sent)
	}
	if got := h2.client.session.sends[0]; got != "HI c BYE" {
		t.Fatalf("resumed send = %q, want third message", got)
	}
	if !h2.creds.has("t1") {
		t.Fatalf("credential not rewritten on resume")
	}
}

func TestRestoreClampsCursor(t *testing.T) {
	h := newHarness(t)
	snap := Snapshot{
		UserData:    threeMessages(),
		MessageData: Cursor{ThreadID: "42", Messages: []string{"x", "y"}, CurrentIndex: 9},
	}
	task := Restore("t9", snap, h.rt)
	if got := task.Cursor().CurrentIndex; got != 2 {
		t.Fatalf("CurrentIndex = %d, want clamped 2", got)
	}
	if task.Config().Delay != 5 {
		t.Fatalf("Delay = %d, want default 5", task.Config().Delay)
	}
}

func TestTaskDetails(t *testing.T) {
	h := newHarness(t)
	task := h.start(t, threeMessages())
	h.sched.Advance(3 * time.Second)

	d := task.Details()
	if d.TaskID != "t1" || !d.Running || d.Sent != 1 || d.Messages != 3 {
		t.Fatalf("Details() = %+v", d)
	}
	if d.UptimeMS != 3000 {
		t.Fatalf("UptimeMS = %d, want 3000", d.UptimeMS)
	}
	if len(d.Logs) == 0 || d.Logs[0].Time != "3:04:05 pm" {
		t.Fatalf("newest log time = %+v, want 12-hour clock", d.Logs)
	}
}

func TestTaskRestartAndStopCloseSession(t *testing.T) {
	h := newHarness(t)
	task := h.start(t, threeMessages())

	task.Restart(RestartStall)
	if h.client.session.closed != 1 {
		t.Fatalf("session closed %d times after restart, want 1", h.client.session.closed)
	}
	h.sched.Advance(10 * time.Second)
	if task.State() != StateRunning {
		t.Fatalf("State() = %q after restart delay, want running", task.State())
	}

	task.Stop()
	if h.client.session.closed != 2 {
		t.Fatalf("session closed %d times after stop, want 2", h.client.session.closed)
	}
	task.Stop()
	if h.client.session.closed != 2 {
		t.Fatalf("second Stop() closed the session again")
	}
}

func TestTaskDelayIsCapped(t *testing.T) {
	h := newHarness(t)
	in := threeMessages()
	in.Delay = 10_000_000_000
	task := h.start(t, in)

	if got := task.Config().Delay; got != MaxDelaySeconds {
		t.Fatalf("Config().Delay = %d, want %d", got, MaxDelaySeconds)
	}
	h.sched.Advance(time.Minute)
	if n := len(h.client.session.sends); n != 1 {
		t.Fatalf("sends after one minute = %d, want 1", n)
	}
	h.sched.Advance(MaxDelaySeconds * time.Second)
	if n := len(h.client.session.sends); n != 2 {
		t.Fatalf("sends after the capped delay = %d, want 2", n)
	}

	restored := Restore("t2", Snapshot{
		UserData:    in,
		Config:      Config{Delay: 10_000_000_000, Running: true},
		MessageData: Cursor{ThreadID: "42", Messages: []string{"x"}},
	}, h.rt)
	if got := restored.Config().Delay; got != MaxDelaySeconds {
		t.Fatalf("restored Delay = %d, want %d", got, MaxDelaySeconds)
	}
}

func TestTaskRecoveryFollowsFailureKind(t *testing.T) {
	h := newHarness(t)
	task := h.start(t, threeMessages())

	if _, ok := task.retry(reliability.KindTransport, 0, func() {}); ok {
		t.Fatalf("retry(transport) scheduled an in-place retry")
	}
	if d, ok := task.retry(reliability.KindSend, 0, func() {}); !ok || d != 5*time.Second {
		t.Fatalf("retry(send) = (%v, %v), want (5s, true)", d, ok)
	}
	if d, ok := task.retry(reliability.KindAuth, 0, func() {}); !ok || d != 30*time.Second {
		t.Fatalf("retry(auth) = (%v, %v), want (30s, true)", d, ok)
	}
	if _, ok := task.retry(reliability.KindSend, 10, func() {}); ok {
		t.Fatalf("retry(send) allowed past its budget")
	}

	task.escalate(reliability.KindSend)
	if task.Stats().Restarts != 0 {
		t.Fatalf("escalate(send) restarted the task")
	}
	task.escalate(reliability.KindScheduling)
	if task.Stats().Restarts != 1 || task.State() != StateRestarting {
		t.Fatalf("escalate(scheduling) restarts=%d state=%q, want 1 and restarting", task.Stats().Restarts, task.State())
	}
}
