// Package sequencer turns raw multi-line message text into the ordered,
// cyclic sequence a task sends.
package sequencer

import "strings"

// Build splits raw on line breaks, strips carriage returns and surrounding
// whitespace, drops blank lines and wraps each remaining line as
// "{prefix} {line} {suffix}". The result is never nil.
func Build(raw, prefix, suffix string) []string {
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(strings.ReplaceAll(line, "\r", ""))
		if line == "" {
			continue
		}
		out = append(out, prefix+" "+line+" "+suffix)
	}
	return out
}
