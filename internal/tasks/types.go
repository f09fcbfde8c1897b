package tasks

import (
	"errors"
	"time"

	"github.com/ent0n29/loopd/internal/reliability"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskExists      = errors.New("task already registered")
	ErrNoMessages      = errors.New("no messages found in the file")
	ErrCredentialWrite = errors.New("failed to save credential")
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

type State string

const (
	StateCreated        State = "created"
	StateStarting       State = "starting"
	StateAuthenticating State = "authenticating"
	StateRunning        State = "running"
	StateRestarting     State = "restarting"
	StateStopped        State = "stopped"
	StateFailed         State = "failed"
)

type FailReason string

const (
	FailNone            FailReason = ""
	FailStartup         FailReason = "startup"
	FailMaxLoginRetries FailReason = "max_login_retries"
	FailMaxRestarts     FailReason = "max_restarts"
)

// Restart reasons, reported in metrics and process logs.
const (
	RestartTransport  = string(reliability.KindTransport)
	RestartScheduling = string(reliability.KindScheduling)
	RestartStall      = "stall"
)

type LogEntry struct {
	At      time.Time `json:"at"`
	Time    string    `json:"time"`
	Message string    `json:"message"`
	Type    Severity  `json:"type"`
}

// Input is what an operator submits to start a task.
type Input struct {
	ThreadID       string `json:"threadID"`
	MessageContent string `json:"messageContent"`
	HatersName     string `json:"hatersName"`
	LastHereName   string `json:"lastHereName"`
	Delay          int    `json:"delay"`
	CookieContent  string `json:"cookieContent"`
}

type Config struct {
	Delay        int       `json:"delay"`
	Running      bool      `json:"running"`
	RestartCount int       `json:"restartCount"`
	MaxRestarts  int       `json:"maxRestarts"`
	LastActivity time.Time `json:"lastActivity"`
}

type Cursor struct {
	ThreadID     string   `json:"threadID"`
	Messages     []string `json:"messages"`
	CurrentIndex int      `json:"currentIndex"`
	LoopCount    int      `json:"loopCount"`
}

type Stats struct {
	Sent          int        `json:"sent"`
	Failed        int        `json:"failed"`
	ActiveCookies int        `json:"activeCookies"`
	Loops         int        `json:"loops"`
	Restarts      int        `json:"restarts"`
	LastSuccess   *time.Time `json:"lastSuccess"`
}

// Snapshot is the persisted form of a running task. It never carries the
// live session handle.
type Snapshot struct {
	UserData    Input      `json:"userData"`
	Config      Config     `json:"config"`
	MessageData Cursor     `json:"messageData"`
	Stats       Stats      `json:"stats"`
	Logs        []LogEntry `json:"logs"`
}

// Details is the operator-facing view of one task.
type Details struct {
	TaskID        string     `json:"taskId"`
	State         State      `json:"state"`
	FailReason    FailReason `json:"failReason,omitempty"`
	Sent          int        `json:"sent"`
	Failed        int        `json:"failed"`
	ActiveCookies int        `json:"activeCookies"`
	Loops         int        `json:"loops"`
	Restarts      int        `json:"restarts"`
	CurrentIndex  int        `json:"currentIndex"`
	Messages      int        `json:"messages"`
	Logs          []LogEntry `json:"logs"`
	Running       bool       `json:"running"`
	UptimeMS      int64      `json:"uptime"`
}
