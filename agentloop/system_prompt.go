package agentloop

import (
	"fmt"
	"strings"
	"time"

	"github.com/murabcd/vibestack/unifiedllm"
)

const basePrompt = `You are a build assistant. You turn the user's request into a working
application by writing files into an isolated sandbox, running commands in
it, and exposing its dev server through a preview URL.

Work in this order unless the user asks otherwise:
1. Create a sandbox with createSandbox, exposing the port the app will listen on.
2. Write every file the app needs with generateFiles.
3. Install dependencies and build with runCommand and wait set to true.
4. Start the dev server with runCommand and wait set to false.
5. Fetch the preview URL with getSandboxURL and share it.

Keep going until the app runs. When a command fails, read its output, fix
the cause, and run it again. Do not ask the user to run commands for you.
When the user reports errors, fix the files they name first.`

// PromptOptions are the per-request parts of the system prompt.
type PromptOptions struct {
	Model        string
	SandboxID    string
	Tools        []unifiedllm.ToolDefinition
	Instructions string
	Now          time.Time
}

// BuildSystemPrompt assembles the system prompt for one request.
func BuildSystemPrompt(opts PromptOptions) string {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	var sb strings.Builder
	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")

	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Today's date: %s\n", now.Format("2006-01-02"))
	if opts.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", opts.Model)
	}
	if opts.SandboxID != "" {
		fmt.Fprintf(&sb, "Existing sandbox: %s\n", opts.SandboxID)
	}
	sb.WriteString("</environment>")

	if len(opts.Tools) > 0 {
		sb.WriteString("\n\n# Available Tools\n\n")
		for _, def := range opts.Tools {
			fmt.Fprintf(&sb, "## %s\n%s\n\n", def.Name, def.Description)
		}
	}

	if opts.Instructions != "" {
		sb.WriteString("\n\n# User Instructions\n\n")
		sb.WriteString(opts.Instructions)
	}
	return strings.TrimRight(sb.String(), "\n")
}
