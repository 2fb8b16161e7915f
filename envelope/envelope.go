// Package envelope defines the typed frames of the chat stream protocol and
// the plumbing that writes, reads and records them.
//
// Every frame is one JSON object per line:
//
//	{"type":"files-generated","id":"call_1","data":{"paths":["a.txt"],"status":"uploaded"}}
//
// Consumers must skip types they do not know.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/murabcd/vibestack/usage"
)

// Type discriminates envelope payloads.
type Type string

const (
	TypeTextDelta          Type = "text-delta"
	TypeReasoningDelta     Type = "reasoning-delta"
	TypeText               Type = "text"
	TypeReasoning          Type = "reasoning"
	TypeStepStart          Type = "step-start"
	TypeToolCallStart      Type = "tool-call-start"
	TypeToolCallResult     Type = "tool-call-result"
	TypeEnvironmentCreated Type = "environment-created"
	TypeFilesGenerated     Type = "files-generated"
	TypeCommand            Type = "command"
	TypeCommandLog         Type = "command-log"
	TypePreviewURL         Type = "preview-url"
	TypeErrorsReported     Type = "errors-reported"
	TypeFinish             Type = "finish"
	TypeError              Type = "error"
)

// Status values carried by tool data envelopes.
const (
	StatusLoading    = "loading"
	StatusDone       = "done"
	StatusError      = "error"
	StatusGenerating = "generating"
	StatusUploading  = "uploading"
	StatusUploaded   = "uploaded"
	StatusExecuting  = "executing"
	StatusRunning    = "running"
)

// Envelope is one frame of the stream. Data holds the type-specific payload
// and is kept raw so unknown types survive a decode/encode cycle.
type Envelope struct {
	Type Type            `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope of type t carrying payload.
func New(t Type, id string, payload any) (Envelope, error) {
	env := Envelope{Type: t, ID: id}
	if payload == nil {
		return env, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // file contents and commands are not HTML
	if err := enc.Encode(payload); err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Data = bytes.TrimRight(buf.Bytes(), "\n")
	return env, nil
}

// Must is New for payloads that always marshal.
func Must(t Type, id string, payload any) Envelope {
	env, err := New(t, id, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

// Known reports whether t is a type this package defines.
func (t Type) Known() bool {
	switch t {
	case TypeTextDelta, TypeReasoningDelta, TypeText, TypeReasoning, TypeStepStart,
		TypeToolCallStart, TypeToolCallResult, TypeEnvironmentCreated,
		TypeFilesGenerated, TypeCommand, TypeCommandLog, TypePreviewURL,
		TypeErrorsReported, TypeFinish, TypeError:
		return true
	}
	return false
}

// Text is the payload of text and reasoning envelopes, delta or coalesced.
type Text struct {
	Text string `json:"text"`
}

// StepStart opens a model round. Rounds count from 1.
type StepStart struct {
	Round int `json:"round"`
}

// ToolCallStart announces a tool call. Origin is "builtin" or the name of the
// external tool server providing the tool.
type ToolCallStart struct {
	CallID   string          `json:"callId"`
	ToolName string          `json:"toolName"`
	Origin   string          `json:"origin,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ToolCallResult carries a tool's output or its error message.
type ToolCallResult struct {
	CallID   string `json:"callId"`
	ToolName string `json:"toolName"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EnvironmentCreated tracks execution environment creation.
type EnvironmentCreated struct {
	EnvironmentID string `json:"sandboxId,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// FilesGenerated tracks a file write batch. Paths accumulate; the last path is
// in progress while status is generating.
type FilesGenerated struct {
	Paths  []string `json:"paths"`
	Status string   `json:"status"`
	Error  string   `json:"error,omitempty"`
}

// Command tracks one command in an execution environment.
type Command struct {
	CommandID     string   `json:"commandId"`
	EnvironmentID string   `json:"sandboxId"`
	Command       string   `json:"command"`
	Args          []string `json:"args,omitempty"`
	Status        string   `json:"status"`
	Background    bool     `json:"background,omitempty"`
	ExitCode      *int     `json:"exitCode,omitempty"`
	Timestamp     int64    `json:"timestamp"`
	Error         string   `json:"error,omitempty"`
}

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// CommandLog is one chunk of command output.
type CommandLog struct {
	CommandID string `json:"commandId"`
	Data      string `json:"data"`
	Stream    string `json:"stream"`
	Timestamp int64  `json:"timestamp"`
}

// PreviewURL tracks the exposed URL of a port.
type PreviewURL struct {
	URL    string `json:"url,omitempty"`
	Port   int    `json:"port,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorsReported is injected by a client that saw runtime errors.
type ErrorsReported struct {
	Summary string   `json:"summary"`
	Paths   []string `json:"paths,omitempty"`
}

// Finish terminates a successful stream.
type Finish struct {
	Model    string         `json:"model,omitempty"`
	Rounds   int            `json:"rounds"`
	PerRound []usage.Usage  `json:"perRound,omitempty"`
	Usage    usage.Usage    `json:"usage"`
	Context  *usage.Context `json:"context,omitempty"`
}

// Error terminates a failed stream.
type Error struct {
	Message string `json:"message"`
}
