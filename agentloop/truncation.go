package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// defaultCharLimit applies to tools without an entry, external ones included.
const defaultCharLimit = 30000

// DefaultToolCharLimits caps what the model sees of each tool's output. The
// stream always carries the full output.
var DefaultToolCharLimits = map[string]int{
	ToolRunCommand:    30000,
	ToolGenerateFiles: 2000,
	ToolCreateSandbox: 1000,
	ToolGetSandboxURL: 1000,
}

var defaultTruncationModes = map[string]TruncationMode{
	ToolRunCommand:    TruncateHeadTail,
	ToolGenerateFiles: TruncateTail,
	ToolCreateSandbox: TruncateTail,
	ToolGetSandboxURL: TruncateTail,
}

// DefaultToolLineLimits is applied after character truncation.
var DefaultToolLineLimits = map[string]int{
	ToolRunCommand: 256,
}

// TruncateOutput applies character-based truncation to output. Cuts never
// split a UTF-8 sequence, so slightly fewer than maxChars bytes may be kept.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	if mode == TruncateTail {
		tail := output[runeStartAfter(output, len(output)-maxChars):]
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", len(output)-len(tail)) +
			tail
	}
	half := maxChars / 2
	head := output[:runeStartBefore(output, half)]
	tail := output[runeStartAfter(output, len(output)-half):]
	return head +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"If you need to see specific parts, re-run the command with more targeted arguments.]\n\n", len(output)-len(head)-len(tail)) +
		tail
}

// runeStartBefore moves i back to the nearest rune boundary.
func runeStartBefore(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeStartAfter moves i forward to the nearest rune boundary.
func runeStartAfter(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// TruncateLines keeps the first and last lines of output.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies character then line truncation for a tool.
// charLimits overrides DefaultToolCharLimits and may be nil.
func TruncateToolOutput(output, toolName string, charLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = defaultCharLimit
		}
	}
	mode, ok := defaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)
	if maxLines := DefaultToolLineLimits[toolName]; maxLines > 0 {
		result = TruncateLines(result, maxLines)
	}
	return result
}
