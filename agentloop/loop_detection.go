package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// loopDetector remembers the signatures of every call made in one run.
type loopDetector struct {
	window int
	sigs   []string
}

func (d *loopDetector) record(calls []Call) {
	for _, c := range calls {
		d.sigs = append(d.sigs, toolCallSignature(c.Name, c.Input))
	}
}

func (d *loopDetector) reset() { d.sigs = nil }

// looping reports whether the last window calls repeat a pattern of length
// 1, 2 or 3.
func (d *loopDetector) looping() bool {
	if d.window <= 0 || len(d.sigs) < d.window {
		return false
	}
	sigs := d.sigs[len(d.sigs)-d.window:]

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if d.window%patternLen != 0 {
			continue
		}
		allMatch := true
		for i := patternLen; i < d.window && allMatch; i++ {
			if sigs[i] != sigs[i%patternLen] {
				allMatch = false
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}

func loopWarning(window int) string {
	return fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", window)
}
