package agentloop

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/store"
	"github.com/murabcd/vibestack/unifiedllm"
)

func TestErrorsReportedText(t *testing.T) {
	got := ErrorsReportedText(envelope.ErrorsReported{Summary: "Module not found", Paths: []string{"app/page.tsx", "app/layout.tsx"}})
	want := "There are errors in the generated code. This is the summary of the errors we have:\n" +
		"```Module not found```\n" +
		"The following files may contain errors:\n" +
		"```app/page.tsx\napp/layout.tsx```\n" +
		"Fix the errors reported."
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}

	got = ErrorsReportedText(envelope.ErrorsReported{Summary: "boom"})
	want = "There are errors in the generated code. This is the summary of the errors we have:\n```boom```\nFix the errors reported."
	if got != want {
		t.Errorf("without paths: got %q", got)
	}
}

func TestToMessagesRewritesErrorsReported(t *testing.T) {
	msgs := ToMessages([]store.Message{{
		Role: store.RoleUser,
		Content: []envelope.Envelope{
			envelope.Must(envelope.TypeErrorsReported, "", envelope.ErrorsReported{Summary: "boom"}),
		},
	}})
	if len(msgs) != 1 || msgs[0].Role != unifiedllm.RoleUser {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].TextContent() != ErrorsReportedText(envelope.ErrorsReported{Summary: "boom"}) {
		t.Errorf("text = %q", msgs[0].TextContent())
	}
}

func TestToMessagesSplitsRounds(t *testing.T) {
	input := json.RawMessage(`{"sandboxId":"sbx_1"}`)
	assistant := []envelope.Envelope{
		envelope.Must(envelope.TypeStepStart, "", envelope.StepStart{Round: 1}),
		envelope.Must(envelope.TypeText, "", envelope.Text{Text: "Working on it."}),
		envelope.Must(envelope.TypeToolCallStart, "c1", envelope.ToolCallStart{CallID: "c1", ToolName: ToolGenerateFiles, Input: input}),
		envelope.Must(envelope.TypeToolCallStart, "c2", envelope.ToolCallStart{CallID: "c2", ToolName: ToolRunCommand, Input: input}),
		envelope.Must(envelope.TypeFilesGenerated, "c1", envelope.FilesGenerated{Paths: []string{"a.txt"}, Status: envelope.StatusUploaded}),
		// c2 finished first.
		envelope.Must(envelope.TypeToolCallResult, "c2", envelope.ToolCallResult{CallID: "c2", ToolName: ToolRunCommand, Error: "exit 1"}),
		envelope.Must(envelope.TypeToolCallResult, "c1", envelope.ToolCallResult{CallID: "c1", ToolName: ToolGenerateFiles, Output: "uploaded"}),
		envelope.Must(envelope.TypeStepStart, "", envelope.StepStart{Round: 2}),
		envelope.Must(envelope.TypeToolCallStart, "c3", envelope.ToolCallStart{CallID: "c3", ToolName: ToolGetSandboxURL}),
		envelope.Must(envelope.TypeStepStart, "", envelope.StepStart{Round: 3}),
		envelope.Must(envelope.TypeText, "", envelope.Text{Text: "Done."}),
		envelope.Must(envelope.TypeFinish, "", envelope.Finish{Rounds: 3}),
	}
	msgs := ToMessages([]store.Message{
		{Role: store.RoleUser, Content: []envelope.Envelope{envelope.Must(envelope.TypeText, "", envelope.Text{Text: "build it"})}},
		{Role: store.RoleAssistant, Content: assistant},
	})

	roles := make([]unifiedllm.Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []unifiedllm.Role{
		unifiedllm.RoleUser,
		unifiedllm.RoleAssistant, unifiedllm.RoleTool,
		unifiedllm.RoleAssistant, unifiedllm.RoleTool,
		unifiedllm.RoleAssistant,
	}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v", roles)
		}
	}

	first := msgs[1]
	if first.TextContent() != "Working on it." || len(first.ToolCalls()) != 2 {
		t.Errorf("first round = %+v", first)
	}
	results := msgs[2].Content
	if results[0].ToolResult.ToolCallID != "c1" || results[0].ToolResult.Content != "uploaded" {
		t.Errorf("results must follow call order: %+v", results[0].ToolResult)
	}
	if results[1].ToolResult.ToolCallID != "c2" || !results[1].ToolResult.IsError {
		t.Errorf("error result = %+v", results[1].ToolResult)
	}

	// c3 never produced a result.
	missing := msgs[4].Content[0].ToolResult
	if missing.ToolCallID != "c3" || !missing.IsError || missing.Content != incompleteToolResult {
		t.Errorf("missing result = %+v", missing)
	}
	if string(msgs[3].ToolCalls()[0].Arguments) != "{}" {
		t.Errorf("empty input should become {}")
	}
	if msgs[5].TextContent() != "Done." {
		t.Errorf("last = %q", msgs[5].TextContent())
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	got := BuildSystemPrompt(PromptOptions{
		Model:        "anthropic/claude-sonnet-4.5",
		SandboxID:    "sbx_1",
		Tools:        []unifiedllm.ToolDefinition{{Name: "createSandbox", Description: "makes one"}},
		Instructions: "Use pnpm.",
	})
	for _, want := range []string{"Model: anthropic/claude-sonnet-4.5", "Existing sandbox: sbx_1", "## createSandbox\nmakes one", "# User Instructions\n\nUse pnpm."} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
