package reliability

import "time"

// Kind classifies a failure by the layer it came from. Each kind maps to a
// distinct recovery path in the task state machine.
type Kind string

const (
	KindStartup       Kind = "startup"
	KindAuth          Kind = "auth"
	KindSend          Kind = "send"
	KindTransport     Kind = "transport"
	KindScheduling    Kind = "scheduling"
	KindRestartBudget Kind = "restart_budget"
	KindPersistence   Kind = "persistence"
)

// Retryable reports whether a failure of this kind is retried in place.
func (k Kind) Retryable() bool {
	switch k {
	case KindAuth, KindSend:
		return true
	default:
		return false
	}
}

// SessionFatal reports whether the failure discards the current session and
// triggers a full restart cycle.
func (k Kind) SessionFatal() bool {
	switch k {
	case KindTransport, KindScheduling:
		return true
	default:
		return false
	}
}

// Budget is a fixed-delay retry allowance.
type Budget struct {
	Max   int
	Delay time.Duration
}

// Allow reports whether another attempt may follow the given number of
// attempts already spent, and how long to wait before it.
func (b Budget) Allow(spent int) (time.Duration, bool) {
	if spent < b.Max {
		return b.Delay, true
	}
	return 0, false
}
