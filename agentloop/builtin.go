package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/sandbox"
	"github.com/murabcd/vibestack/store"
)

// Built-in tool names. External tools cannot take these.
const (
	ToolCreateSandbox = "createSandbox"
	ToolGenerateFiles = "generateFiles"
	ToolRunCommand    = "runCommand"
	ToolGetSandboxURL = "getSandboxURL"
)

// SandboxLimits bounds createSandbox input.
type SandboxLimits struct {
	DefaultTimeout time.Duration
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	MaxPorts       int
}

// DefaultSandboxLimits returns 30m default, 10m to 60m, at most 2 ports.
func DefaultSandboxLimits() SandboxLimits {
	return SandboxLimits{
		DefaultTimeout: 30 * time.Minute,
		MinTimeout:     10 * time.Minute,
		MaxTimeout:     60 * time.Minute,
		MaxPorts:       2,
	}
}

// ToolContext is what the built-in tools act on for one request.
type ToolContext struct {
	Sandboxes sandbox.Provider
	Emitter   *envelope.Emitter
	Clock     *envelope.Clock
	Logger    *zap.Logger
	Limits    SandboxLimits

	// Store and ProjectID are optional. Without them nothing is persisted.
	Store     store.Store
	ProjectID string
}

func (tc *ToolContext) emit(t envelope.Type, id string, payload any) {
	tc.Emitter.Emit(envelope.Must(t, id, payload))
}

func (tc *ToolContext) updateProject(ctx context.Context, u store.ProjectUpdate) {
	if tc.Store == nil || tc.ProjectID == "" {
		return
	}
	if _, err := tc.Store.UpdateProject(ctx, tc.ProjectID, u); err != nil {
		tc.Logger.Error("project update failed", zap.String("project_id", tc.ProjectID), zap.Error(err))
	}
}

func (tc *ToolContext) environment(ctx context.Context, id string) (sandbox.Environment, error) {
	env, err := tc.Sandboxes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Status() != sandbox.StatusRunning {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrStopped, id)
	}
	return env, nil
}

// BuiltinTools returns the four execution environment tools bound to tc.
func BuiltinTools(tc *ToolContext) []Tool {
	if tc.Logger == nil {
		tc.Logger = zap.NewNop()
	}
	if tc.Clock == nil {
		tc.Clock = envelope.NewClock()
	}
	if tc.Limits == (SandboxLimits{}) {
		tc.Limits = DefaultSandboxLimits()
	}
	return []Tool{
		&createSandboxTool{tc: tc},
		&generateFilesTool{tc: tc},
		&runCommandTool{tc: tc},
		&getSandboxURLTool{tc: tc},
	}
}

func decodeInput(call Call, v any) error {
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// sandboxKey serializes calls that touch the same environment.
func sandboxKey(input json.RawMessage) string {
	var in struct {
		SandboxID string `json:"sandboxId"`
	}
	if json.Unmarshal(input, &in) != nil {
		return ""
	}
	return in.SandboxID
}

type createSandboxTool struct{ tc *ToolContext }

func (t *createSandboxTool) Name() string   { return ToolCreateSandbox }
func (t *createSandboxTool) Origin() string { return OriginBuiltin }

func (t *createSandboxTool) Description() string {
	return "Create a new isolated sandbox to write files into and run commands in. " +
		"Returns the sandbox ID that every other tool needs. " +
		"If the project already has a running sandbox it is reused."
}

func (t *createSandboxTool) InputSchema() json.RawMessage {
	l := t.tc.Limits
	return json.RawMessage(fmt.Sprintf(`{
  "type": "object",
  "properties": {
    "timeout": {
      "type": "integer",
      "minimum": %d,
      "maximum": %d,
      "description": "Milliseconds the sandbox stays alive before it shuts down. Defaults to %d."
    },
    "ports": {
      "type": "array",
      "items": {"type": "integer", "minimum": 1, "maximum": 65535},
      "maxItems": %d,
      "description": "Ports to expose outside the sandbox, e.g. 3000 for a Next.js dev server."
    }
  },
  "additionalProperties": false
}`, l.MinTimeout.Milliseconds(), l.MaxTimeout.Milliseconds(), l.DefaultTimeout.Milliseconds(), l.MaxPorts))
}

func (t *createSandboxTool) Invoke(ctx context.Context, call Call) (string, error) {
	var in struct {
		Timeout int64 `json:"timeout"`
		Ports   []int `json:"ports"`
	}
	if err := decodeInput(call, &in); err != nil {
		return "", err
	}
	tc := t.tc
	tc.emit(envelope.TypeEnvironmentCreated, call.ID, envelope.EnvironmentCreated{Status: envelope.StatusLoading})

	if env := t.existing(ctx); env != nil {
		tc.emit(envelope.TypeEnvironmentCreated, call.ID, envelope.EnvironmentCreated{
			EnvironmentID: env.ID(), Status: envelope.StatusDone,
		})
		return fmt.Sprintf("Sandbox already running with ID: %s.\n"+
			"You can keep uploading files, running commands, and accessing services on the exposed ports.", env.ID()), nil
	}

	timeout := tc.Limits.DefaultTimeout
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Millisecond
	}
	env, err := tc.Sandboxes.Create(ctx, sandbox.CreateOptions{Timeout: timeout, Ports: in.Ports})
	if err != nil {
		tc.emit(envelope.TypeEnvironmentCreated, call.ID, envelope.EnvironmentCreated{
			Status: envelope.StatusError, Error: err.Error(),
		})
		return "", fmt.Errorf("creating sandbox: %w", err)
	}
	tc.emit(envelope.TypeEnvironmentCreated, call.ID, envelope.EnvironmentCreated{
		EnvironmentID: env.ID(), Status: envelope.StatusDone,
	})

	id := env.ID()
	status := store.StatusProcessing
	tc.updateProject(ctx, store.ProjectUpdate{Status: &status, SandboxID: &id})

	return fmt.Sprintf("Sandbox created with ID: %s.\n"+
		"You can now upload files, run commands, and access services on the exposed ports.", id), nil
}

// existing returns the project's environment when it is still running.
func (t *createSandboxTool) existing(ctx context.Context) sandbox.Environment {
	tc := t.tc
	if tc.Store == nil || tc.ProjectID == "" {
		return nil
	}
	p, err := tc.Store.GetProject(ctx, tc.ProjectID)
	if err != nil || p.SandboxID == "" {
		return nil
	}
	env, err := tc.environment(ctx, p.SandboxID)
	if err != nil {
		tc.Logger.Debug("project sandbox not reusable",
			zap.String("project_id", tc.ProjectID), zap.String("sandbox_id", p.SandboxID), zap.Error(err))
		return nil
	}
	return env
}

type generateFilesTool struct{ tc *ToolContext }

func (t *generateFilesTool) Name() string                           { return ToolGenerateFiles }
func (t *generateFilesTool) Origin() string                         { return OriginBuiltin }
func (t *generateFilesTool) SerializeKey(in json.RawMessage) string { return sandboxKey(in) }

func (t *generateFilesTool) Description() string {
	return "Write files into a sandbox. Paths are relative to the sandbox working directory. " +
		"Existing files are overwritten."
}

func (t *generateFilesTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "sandboxId": {"type": "string", "minLength": 1},
    "files": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "content": {"type": "string"}
        },
        "required": ["path", "content"]
      }
    }
  },
  "required": ["sandboxId", "files"]
}`)
}

func (t *generateFilesTool) Invoke(ctx context.Context, call Call) (string, error) {
	var in struct {
		SandboxID string         `json:"sandboxId"`
		Files     []sandbox.File `json:"files"`
	}
	if err := decodeInput(call, &in); err != nil {
		return "", err
	}
	tc := t.tc
	fail := func(paths []string, err error) (string, error) {
		tc.emit(envelope.TypeFilesGenerated, call.ID, envelope.FilesGenerated{
			Paths: paths, Status: envelope.StatusError, Error: err.Error(),
		})
		return "", err
	}

	env, err := tc.environment(ctx, in.SandboxID)
	if err != nil {
		return fail([]string{}, err)
	}

	paths := make([]string, 0, len(in.Files))
	for _, f := range in.Files {
		paths = append(paths, f.Path)
		tc.emit(envelope.TypeFilesGenerated, call.ID, envelope.FilesGenerated{
			Paths: append([]string(nil), paths...), Status: envelope.StatusGenerating,
		})
	}
	tc.emit(envelope.TypeFilesGenerated, call.ID, envelope.FilesGenerated{Paths: paths, Status: envelope.StatusUploading})
	if err := env.WriteFiles(ctx, in.Files); err != nil {
		return fail(paths, fmt.Errorf("uploading files: %w", err))
	}
	tc.emit(envelope.TypeFilesGenerated, call.ID, envelope.FilesGenerated{Paths: paths, Status: envelope.StatusUploaded})

	var sb strings.Builder
	fmt.Fprintf(&sb, "Uploaded %d file(s) to sandbox %s:\n", len(paths), in.SandboxID)
	for _, p := range paths {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	return sb.String(), nil
}

type runCommandTool struct{ tc *ToolContext }

func (t *runCommandTool) Name() string                           { return ToolRunCommand }
func (t *runCommandTool) Origin() string                         { return OriginBuiltin }
func (t *runCommandTool) SerializeKey(in json.RawMessage) string { return sandboxKey(in) }

func (t *runCommandTool) Description() string {
	return "Run a command in a sandbox. Arguments are passed without shell interpretation. " +
		"Set wait to false for long-running processes such as dev servers: the command keeps " +
		"running in the background and its logs can be fetched later by command ID."
}

func (t *runCommandTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "sandboxId": {"type": "string", "minLength": 1},
    "command": {"type": "string", "minLength": 1, "description": "Executable, e.g. npm."},
    "args": {"type": "array", "items": {"type": "string"}},
    "sudo": {"type": "boolean"},
    "wait": {"type": "boolean", "description": "Wait for the command to exit. Defaults to true."}
  },
  "required": ["sandboxId", "command"]
}`)
}

func (t *runCommandTool) Invoke(ctx context.Context, call Call) (string, error) {
	var in struct {
		SandboxID string   `json:"sandboxId"`
		Command   string   `json:"command"`
		Args      []string `json:"args"`
		Sudo      bool     `json:"sudo"`
		Wait      *bool    `json:"wait"`
	}
	if err := decodeInput(call, &in); err != nil {
		return "", err
	}
	wait := in.Wait == nil || *in.Wait
	tc := t.tc
	frame := func(commandID, status string) envelope.Command {
		return envelope.Command{
			CommandID:     commandID,
			EnvironmentID: in.SandboxID,
			Command:       in.Command,
			Args:          in.Args,
			Status:        status,
			Timestamp:     tc.Clock.Next(),
		}
	}
	fail := func(commandID string, err error) (string, error) {
		f := frame(commandID, envelope.StatusError)
		f.Error = err.Error()
		tc.emit(envelope.TypeCommand, call.ID, f)
		return "", err
	}

	env, err := tc.environment(ctx, in.SandboxID)
	if err != nil {
		return fail("", err)
	}
	cmd, err := env.Run(ctx, sandbox.RunOptions{Command: in.Command, Args: in.Args, Sudo: in.Sudo})
	if err != nil {
		return fail("", fmt.Errorf("starting command: %w", err))
	}
	tc.emit(envelope.TypeCommand, call.ID, frame(cmd.ID(), envelope.StatusExecuting))

	if !wait {
		f := frame(cmd.ID(), envelope.StatusRunning)
		f.Background = true
		tc.emit(envelope.TypeCommand, call.ID, f)
		return fmt.Sprintf("The command `%s` is running in the background with command ID %s in sandbox %s.",
			commandLine(in.Command, in.Args), cmd.ID(), in.SandboxID), nil
	}

	for line := range cmd.Logs(ctx) {
		tc.emit(envelope.TypeCommandLog, call.ID, envelope.CommandLog{
			CommandID: cmd.ID(), Data: line.Data, Stream: line.Stream, Timestamp: line.Timestamp,
		})
	}
	res, err := cmd.Wait(ctx)
	if err != nil {
		return fail(cmd.ID(), err)
	}
	status := envelope.StatusDone
	if res.ExitCode != 0 {
		status = envelope.StatusError
	}
	f := frame(cmd.ID(), status)
	exitCode := res.ExitCode
	f.ExitCode = &exitCode
	tc.emit(envelope.TypeCommand, call.ID, f)

	var sb strings.Builder
	fmt.Fprintf(&sb, "The command `%s` exited with code %d.\n", commandLine(in.Command, in.Args), res.ExitCode)
	if res.Stdout != "" {
		fmt.Fprintf(&sb, "stdout:\n```\n%s```\n", res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintf(&sb, "stderr:\n```\n%s```\n", res.Stderr)
	}
	return sb.String(), nil
}

func commandLine(command string, args []string) string {
	return strings.TrimSpace(command + " " + strings.Join(args, " "))
}

type getSandboxURLTool struct{ tc *ToolContext }

func (t *getSandboxURLTool) Name() string   { return ToolGetSandboxURL }
func (t *getSandboxURLTool) Origin() string { return OriginBuiltin }

func (t *getSandboxURLTool) Description() string {
	return "Get the public URL of a port exposed by a sandbox. The port must have been " +
		"listed when the sandbox was created."
}

func (t *getSandboxURLTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "sandboxId": {"type": "string", "minLength": 1},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535}
  },
  "required": ["sandboxId", "port"]
}`)
}

func (t *getSandboxURLTool) Invoke(ctx context.Context, call Call) (string, error) {
	var in struct {
		SandboxID string `json:"sandboxId"`
		Port      int    `json:"port"`
	}
	if err := decodeInput(call, &in); err != nil {
		return "", err
	}
	tc := t.tc
	tc.emit(envelope.TypePreviewURL, call.ID, envelope.PreviewURL{Port: in.Port, Status: envelope.StatusLoading})
	fail := func(err error) (string, error) {
		tc.emit(envelope.TypePreviewURL, call.ID, envelope.PreviewURL{
			Port: in.Port, Status: envelope.StatusError, Error: err.Error(),
		})
		return "", err
	}

	env, err := tc.environment(ctx, in.SandboxID)
	if err != nil {
		return fail(err)
	}
	url, err := env.Domain(in.Port)
	if err != nil {
		return fail(err)
	}
	tc.emit(envelope.TypePreviewURL, call.ID, envelope.PreviewURL{URL: url, Port: in.Port, Status: envelope.StatusDone})
	tc.updateProject(ctx, store.ProjectUpdate{SandboxURL: &url, PreviewURL: &url})

	out, _ := json.Marshal(map[string]string{"url": url})
	return string(out), nil
}
