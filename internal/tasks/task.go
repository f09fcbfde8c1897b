package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ent0n29/loopd/internal/credstore"
	"github.com/ent0n29/loopd/internal/messenger"
	"github.com/ent0n29/loopd/internal/notify"
	"github.com/ent0n29/loopd/internal/observability"
	"github.com/ent0n29/loopd/internal/policy"
	"github.com/ent0n29/loopd/internal/protocol"
	"github.com/ent0n29/loopd/internal/reliability"
	"github.com/ent0n29/loopd/internal/scheduler"
	"github.com/ent0n29/loopd/internal/sequencer"
	"github.com/rs/zerolog"
)

const (
	defaultDelaySeconds = 5
	// MaxDelaySeconds caps the per-cycle delay at one day.
	MaxDelaySeconds = 24 * 60 * 60
)

type Publisher interface {
	Publish(taskID string, evt notify.Event)
}

type Policy struct {
	LoginRetry   reliability.Budget
	SendRetry    reliability.Budget
	RestartDelay time.Duration
	MaxRestarts  int
	StallTimeout time.Duration
	LogCapacity  int
}

func DefaultPolicy() Policy {
	return Policy{
		LoginRetry:   reliability.Budget{Max: 50, Delay: 30 * time.Second},
		SendRetry:    reliability.Budget{Max: 10, Delay: 5 * time.Second},
		RestartDelay: 10 * time.Second,
		MaxRestarts:  1000,
		StallTimeout: 300 * time.Second,
		LogCapacity:  100,
	}
}

// Runtime is everything a Task needs from its surroundings. All Task methods
// must be called on Scheduler.
type Runtime struct {
	Scheduler   scheduler.Scheduler
	Client      messenger.Client
	Credentials credstore.Store
	Publisher   Publisher
	Metrics     *observability.Metrics
	Log         zerolog.Logger
	Policy      Policy
}

// Task owns one message loop. It is not safe for concurrent use: every
// method and every continuation runs on the runtime scheduler.
type Task struct {
	id  string
	rt  Runtime
	log zerolog.Logger

	input  Input
	cfg    Config
	cursor Cursor
	stats  Stats
	logs   *LogRing

	state      State
	failReason FailReason
	session    messenger.Session
	logins     int
	epoch      uint64
	pending    scheduler.Timer
}

func New(id string, input Input, rt Runtime) *Task {
	t := newTask(id, input, rt)
	t.cfg.Delay = normalizeDelay(t.cfg.Delay)
	t.cursor = Cursor{
		ThreadID: strings.TrimSpace(input.ThreadID),
		Messages: sequencer.Build(input.MessageContent, input.HatersName, input.LastHereName),
	}
	t.addLog(fmt.Sprintf("Loaded %d formatted messages", len(t.cursor.Messages)), SeverityInfo)
	return t
}

// Restore rebuilds a task from its snapshot. The task comes back flagged
// running but inert until Resume is called.
func Restore(id string, snap Snapshot, rt Runtime) *Task {
	t := newTask(id, snap.UserData, rt)
	t.cfg = snap.Config
	t.cfg.Running = true
	t.cfg.Delay = normalizeDelay(t.cfg.Delay)
	t.cfg.MaxRestarts = rt.Policy.MaxRestarts
	t.cursor = snap.MessageData
	if t.cursor.ThreadID == "" {
		t.cursor.ThreadID = strings.TrimSpace(snap.UserData.ThreadID)
	}
	if len(t.cursor.Messages) == 0 {
		t.cursor.Messages = sequencer.Build(snap.UserData.MessageContent, snap.UserData.HatersName, snap.UserData.LastHereName)
	}
	t.cursor.CurrentIndex = clamp(t.cursor.CurrentIndex, 0, len(t.cursor.Messages))
	t.stats = snap.Stats
	t.stats.ActiveCookies = 0
	t.logs.Load(snap.Logs)
	if t.cfg.LastActivity.IsZero() {
		t.cfg.LastActivity = rt.Scheduler.Now()
	}
	return t
}

func newTask(id string, input Input, rt Runtime) *Task {
	if rt.Policy.LogCapacity <= 0 {
		rt.Policy.LogCapacity = 100
	}
	return &Task{
		id:    id,
		rt:    rt,
		log:   rt.Log.With().Str("task_id", id).Logger(),
		input: input,
		cfg: Config{
			Delay:        input.Delay,
			MaxRestarts:  rt.Policy.MaxRestarts,
			LastActivity: rt.Scheduler.Now(),
		},
		logs:  NewLogRing(rt.Policy.LogCapacity),
		state: StateCreated,
	}
}

func (t *Task) ID() string { return t.id }
func (t *Task) Running() bool { return t.cfg.Running }
func (t *Task) State() State { return t.state }
func (t *Task) FailReason() FailReason { return t.failReason }
func (t *Task) Stats() Stats { return t.stats }
func (t *Task) Cursor() Cursor { return t.cursor }
func (t *Task) Config() Config { return t.cfg }
func (t *Task) Logs() []LogEntry { return t.logs.Entries() }

// Start writes the credential and begins authenticating. Calling it on a
// running task only logs.
func (t *Task) Start() error {
	if t.cfg.Running {
		t.addLog("Task is already running", SeverityInfo)
		return nil
	}

	t.cfg.Running = true
	t.state = StateStarting
	t.failReason = FailNone
	t.logins = 0
	t.invalidate()

	if err := t.rt.Credentials.Write(t.id, t.input.CookieContent); err != nil {
		t.addLog(fmt.Sprintf("Failed to save cookie: %v", err), SeverityError)
		t.abortStartup()
		return fmt.Errorf("%w: %v", ErrCredentialWrite, err)
	}
	t.addLog("Cookie content saved", SeveritySuccess)

	if len(t.cursor.Messages) == 0 {
		t.addLog("No messages found in the file", SeverityError)
		t.abortStartup()
		return ErrNoMessages
	}

	t.addLog(fmt.Sprintf("Starting task with %d messages", len(t.cursor.Messages)), SeverityInfo)
	t.guard(t.authenticate)
	return nil
}

// Resume re-authenticates a restored task. It is a no-op once the task has
// been stopped.
func (t *Task) Resume() {
	if !t.cfg.Running || t.state != StateCreated {
		return
	}
	t.state = StateStarting
	t.logins = 0
	t.invalidate()

	if err := t.rt.Credentials.Write(t.id, t.input.CookieContent); err != nil {
		t.addLog(fmt.Sprintf("Failed to save cookie: %v", err), SeverityError)
		t.abortStartup()
		return
	}
	if len(t.cursor.Messages) == 0 {
		t.addLog("No messages found in the file", SeverityError)
		t.abortStartup()
		return
	}
	t.addLog(fmt.Sprintf("Resuming task with %d messages", len(t.cursor.Messages)), SeverityInfo)
	t.guard(t.authenticate)
}

func (t *Task) abortStartup() {
	t.cfg.Running = false
	t.state = StateFailed
	t.failReason = FailStartup
	t.rt.Metrics.TaskFailed(string(reliability.KindStartup))
	t.deleteCredential()
}

func (t *Task) authenticate() {
	t.state = StateAuthenticating
	t.logins++
	epoch := t.epoch
	t.rt.Client.Login(context.Background(), t.input.CookieContent, messenger.DefaultLoginOptions(), func(sess messenger.Session, err error) {
		t.rt.Scheduler.Post(t.continuation(epoch, func() { t.onLogin(sess, err) }))
	})
}

func (t *Task) onLogin(sess messenger.Session, err error) {
	if err != nil || sess == nil {
		reason := "Unknown error"
		if err != nil {
			reason = policy.RedactCredential(err.Error())
		}
		t.rt.Metrics.LoginAttempt("failure")
		t.addLog("Login failed: "+reason, SeverityError)

		if delay, ok := t.retry(reliability.KindAuth, t.logins, t.authenticate); ok {
			t.addLog(fmt.Sprintf("Auto-retry login attempt %d/%d in %d seconds...",
				t.logins+1, t.rt.Policy.LoginRetry.Max, int(delay/time.Second)), SeverityInfo)
			return
		}
		t.addLog("Max login retries reached. Task paused.", SeverityError)
		t.fail(FailMaxLoginRetries, reliability.KindAuth)
		return
	}

	t.rt.Metrics.LoginAttempt("success")
	t.session = sess
	t.stats.ActiveCookies = 1
	t.logins = 0
	t.state = StateRunning
	t.addLog("Logged in successfully", SeveritySuccess)

	t.listen(sess)
	t.fetchThreadInfo(sess)

	epoch := t.epoch
	t.rt.Scheduler.Post(t.continuation(epoch, t.sendNext))
}

func (t *Task) listen(sess messenger.Session) {
	err := sess.Listen(func(_ messenger.Event, err error) {
		if err != nil {
			t.log.Debug().Err(err).Msg("session listener error ignored")
		}
	})
	if err != nil {
		t.log.Debug().Err(err).Msg("session listener not registered")
	}
}

func (t *Task) fetchThreadInfo(sess messenger.Session) {
	epoch := t.epoch
	threadID := t.cursor.ThreadID
	err := sess.GetThreadInfo(threadID, func(info messenger.ThreadInfo, err error) {
		t.rt.Scheduler.Post(t.continuation(epoch, func() {
			if err != nil {
				t.log.Debug().Err(err).Msg("thread info unavailable")
				return
			}
			name := strings.TrimSpace(info.Name)
			if name == "" {
				name = "Unknown"
			}
			t.addLog(fmt.Sprintf("Target: %s (ID: %s)", name, threadID), SeverityInfo)
		}))
	})
	if err != nil {
		t.log.Debug().Err(err).Msg("thread info request failed")
	}
}

func (t *Task) sendNext() {
	if t.session == nil {
		return
	}
	if t.cursor.CurrentIndex >= len(t.cursor.Messages) {
		t.cursor.LoopCount++
		t.stats.Loops = t.cursor.LoopCount
		t.cursor.CurrentIndex = 0
		t.addLog(fmt.Sprintf("Loop #%d completed. Restarting.", t.cursor.LoopCount), SeverityInfo)
	}
	t.sendWithRetry(t.cursor.CurrentIndex, 0)
}

func (t *Task) sendWithRetry(idx, attempt int) {
	if t.session == nil {
		return
	}
	epoch := t.epoch
	err := t.session.SendMessage(t.cursor.Messages[idx], t.cursor.ThreadID, func(err error) {
		t.rt.Scheduler.Post(t.continuation(epoch, func() { t.onSent(idx, attempt, err) }))
	})
	if err != nil {
		t.addLog(fmt.Sprintf("CRITICAL: Send error - restarting bot: %v", err), SeverityError)
		t.escalate(reliability.KindTransport)
	}
}

func (t *Task) onSent(idx, attempt int, err error) {
	total := len(t.cursor.Messages)
	stamp := t.rt.Scheduler.Now().Format(protocol.ClockFormat)

	if err != nil {
		t.stats.Failed++
		t.rt.Metrics.MessageFailed()
		budget := t.budgetFor(reliability.KindSend)
		if _, ok := t.retry(reliability.KindSend, attempt, func() { t.sendWithRetry(idx, attempt+1) }); ok {
			t.addLog(fmt.Sprintf("RETRY %d/%d | Message %d/%d", attempt+1, budget.Max, idx+1, total), SeverityInfo)
			return
		}
		t.addLog(fmt.Sprintf("FAILED after %d retries | %s | Message %d/%d", budget.Max, stamp, idx+1, total), SeverityError)
		t.cursor.CurrentIndex++
		t.scheduleNext()
		return
	}

	now := t.rt.Scheduler.Now()
	t.stats.Sent++
	t.stats.LastSuccess = &now
	t.logins = 0
	t.rt.Metrics.MessageSent()
	t.addLog(fmt.Sprintf("SENT | %s | Message %d/%d | Loop %d", stamp, idx+1, total, t.cursor.LoopCount+1), SeveritySuccess)
	t.cursor.CurrentIndex++
	t.scheduleNext()
}

func (t *Task) scheduleNext() {
	if !t.cfg.Running {
		return
	}
	t.after(time.Duration(t.cfg.Delay)*time.Second, t.sendNext)
}

// Restart drops the current session without signing out and schedules a
// fresh login once the restart delay elapses.
func (t *Task) Restart(reason string) {
	if !t.cfg.Running {
		return
	}
	t.addLog("RESTARTING TASK...", SeverityInfo)
	t.stats.Restarts++
	t.cfg.RestartCount++
	t.dropSession()
	t.state = StateRestarting
	t.invalidate()
	t.rt.Metrics.TaskRestarted(reason)
	t.log.Info().Str("reason", reason).Int("restart_count", t.cfg.RestartCount).Msg("task restarting")

	t.after(t.rt.Policy.RestartDelay, func() {
		if t.cfg.RestartCount > t.cfg.MaxRestarts {
			t.addLog("MAX RESTARTS REACHED - Task stopped", SeverityError)
			t.fail(FailMaxRestarts, reliability.KindRestartBudget)
			return
		}
		t.authenticate()
	})
}

// Stop halts the loop. The remote session is left signed in so the same
// credential can be reused.
func (t *Task) Stop() {
	t.cfg.Running = false
	t.invalidate()
	t.dropSession()
	t.state = StateStopped
	t.addLog("Task stopped by user - ID remains logged in", SeverityInfo)
	t.addLog("You can use same cookies again without relogin", SeverityInfo)
	t.deleteCredential()
}

func (t *Task) fail(reason FailReason, kind reliability.Kind) {
	t.cfg.Running = false
	t.invalidate()
	t.dropSession()
	t.state = StateFailed
	t.failReason = reason
	t.rt.Metrics.TaskFailed(string(kind))
	t.log.Warn().Str("reason", string(reason)).Msg("task left non-running")
	t.deleteCredential()
}

// dropSession releases the local side of the session. The remote login is
// left in place.
func (t *Task) dropSession() {
	if t.session != nil {
		if err := t.session.Close(); err != nil {
			t.log.Debug().Err(err).Msg("close session failed")
		}
		t.session = nil
	}
	t.stats.ActiveCookies = 0
}

func (t *Task) budgetFor(kind reliability.Kind) reliability.Budget {
	switch kind {
	case reliability.KindAuth:
		return t.rt.Policy.LoginRetry
	case reliability.KindSend:
		return t.rt.Policy.SendRetry
	default:
		return reliability.Budget{}
	}
}

// retry schedules fn after the kind's retry delay when the failure is
// retryable and its budget is not spent.
func (t *Task) retry(kind reliability.Kind, spent int, fn func()) (time.Duration, bool) {
	if !kind.Retryable() {
		return 0, false
	}
	delay, ok := t.budgetFor(kind).Allow(spent)
	if !ok {
		return 0, false
	}
	t.after(delay, fn)
	return delay, true
}

// escalate restarts the task for failures that invalidate the session.
func (t *Task) escalate(kind reliability.Kind) {
	if !kind.SessionFatal() {
		return
	}
	t.Restart(string(kind))
}

func (t *Task) deleteCredential() {
	if err := t.rt.Credentials.Delete(t.id); err != nil {
		t.log.Warn().Err(err).Msg("delete credential failed")
	}
}

// Healthy reports whether the task has logged anything within the stall
// timeout.
func (t *Task) Healthy(now time.Time) bool {
	return now.Sub(t.cfg.LastActivity) < t.rt.Policy.StallTimeout
}

func (t *Task) Snapshot(logLimit int) Snapshot {
	cursor := t.cursor
	cursor.Messages = append([]string(nil), t.cursor.Messages...)
	stats := t.stats
	if stats.LastSuccess != nil {
		at := *stats.LastSuccess
		stats.LastSuccess = &at
	}
	return Snapshot{
		UserData:    t.input,
		Config:      t.cfg,
		MessageData: cursor,
		Stats:       stats,
		Logs:        t.logs.Last(logLimit),
	}
}

func (t *Task) Details() Details {
	var uptime int64
	if !t.cfg.LastActivity.IsZero() {
		uptime = t.rt.Scheduler.Now().Sub(t.cfg.LastActivity).Milliseconds()
	}
	return Details{
		TaskID:        t.id,
		State:         t.state,
		FailReason:    t.failReason,
		Sent:          t.stats.Sent,
		Failed:        t.stats.Failed,
		ActiveCookies: t.stats.ActiveCookies,
		Loops:         t.stats.Loops,
		Restarts:      t.stats.Restarts,
		CurrentIndex:  t.cursor.CurrentIndex,
		Messages:      len(t.cursor.Messages),
		Logs:          t.logs.Entries(),
		Running:       t.cfg.Running,
		UptimeMS:      uptime,
	}
}

// invalidate orphans every outstanding continuation.
func (t *Task) invalidate() {
	t.epoch++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *Task) after(d time.Duration, fn func()) {
	if t.pending != nil {
		t.pending.Stop()
	}
	t.pending = t.rt.Scheduler.After(d, t.continuation(t.epoch, fn))
}

// continuation binds fn to the current epoch. It no-ops once the task has
// been restarted, stopped or failed since it was created.
func (t *Task) continuation(epoch uint64, fn func()) func() {
	return func() {
		if epoch != t.epoch || !t.cfg.Running {
			return
		}
		t.guard(fn)
	}
}

func (t *Task) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("task continuation panicked")
			t.addLog(fmt.Sprintf("Error in message scheduler: %v", r), SeverityError)
			t.escalate(reliability.KindScheduling)
		}
	}()
	fn()
}

func (t *Task) addLog(message string, sev Severity) {
	now := t.rt.Scheduler.Now()
	t.logs.Push(LogEntry{At: now, Time: now.Format(protocol.ClockFormat), Message: message, Type: sev})
	t.cfg.LastActivity = now
	if t.rt.Publisher != nil {
		t.rt.Publisher.Publish(t.id, notify.Event{
			Type:     notify.EventLog,
			TaskID:   t.id,
			Time:     now,
			Message:  message,
			Severity: string(sev),
		})
	}
	t.log.Debug().Str("severity", string(sev)).Msg(message)
}

func normalizeDelay(seconds int) int {
	if seconds <= 0 {
		return defaultDelaySeconds
	}
	if seconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return seconds
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
