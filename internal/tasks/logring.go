package tasks

// LogRing keeps the most recent entries up to a fixed capacity, dropping the
// oldest on overflow.
type LogRing struct {
	buf   []LogEntry
	start int
	size  int
}

func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &LogRing{buf: make([]LogEntry, capacity)}
}

func (r *LogRing) Cap() int { return len(r.buf) }
func (r *LogRing) Len() int { return r.size }

func (r *LogRing) Push(e LogEntry) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// Entries returns every entry, newest first.
func (r *LogRing) Entries() []LogEntry {
	return r.Last(r.size)
}

// Last returns up to n of the newest entries, newest first.
func (r *LogRing) Last(n int) []LogEntry {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return []LogEntry{}
	}
	out := make([]LogEntry, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.start + r.size - 1 - i) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Load replaces the ring contents with entries given newest first, keeping
// at most Cap of them.
func (r *LogRing) Load(newestFirst []LogEntry) {
	r.start, r.size = 0, 0
	if len(newestFirst) > len(r.buf) {
		newestFirst = newestFirst[:len(r.buf)]
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		r.Push(newestFirst[i])
	}
}
