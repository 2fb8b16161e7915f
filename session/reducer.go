// Package session folds an envelope stream into the UI-facing view of a
// project: which execution environment is active, which files were written,
// which commands ran and what URL is exposed.
//
// The fold is pure and replay-safe. Feeding it a stored transcript produces
// the same state as observing the stream live. The state is a projection and
// is never consulted for server-side decisions.
package session

import (
	"sort"
	"sync"

	"github.com/murabcd/vibestack/envelope"
)

// EnvironmentStatus is the materialized status of the execution environment.
type EnvironmentStatus string

const (
	EnvironmentUnset   EnvironmentStatus = ""
	EnvironmentRunning EnvironmentStatus = "running"
	EnvironmentStopped EnvironmentStatus = "stopped"
)

// LogLine is one chunk of command output.
type LogLine struct {
	Data      string `json:"data"`
	Stream    string `json:"stream"`
	Timestamp int64  `json:"timestamp"`
}

// Command is the materialized state of one command.
type Command struct {
	ID            string    `json:"commandId"`
	EnvironmentID string    `json:"sandboxId"`
	Command       string    `json:"command"`
	Args          []string  `json:"args,omitempty"`
	Status        string    `json:"status"`
	Background    bool      `json:"background"`
	ExitCode      *int      `json:"exitCode,omitempty"`
	StartedAt     int64     `json:"startedAt"`
	Logs          []LogLine `json:"logs,omitempty"`
}

// Terminal reports whether the command has finished.
func (c Command) Terminal() bool {
	return c.Status == envelope.StatusDone || c.Status == envelope.StatusError
}

// State is the folded session. Treat it as immutable: Reduce never mutates
// its input.
type State struct {
	EnvironmentID     string            `json:"sandboxId,omitempty"`
	EnvironmentStatus EnvironmentStatus `json:"status,omitempty"`
	ExposedURL        string            `json:"url,omitempty"`
	PreviewReady      bool              `json:"previewReady"`
	Commands          []Command         `json:"commands"`
	GeneratedPaths    []string          `json:"paths"`
}

// Command returns the command with id.
func (s State) Command(id string) (Command, bool) {
	if i := s.commandIndex(id); i >= 0 {
		return s.Commands[i], true
	}
	return Command{}, false
}

// HasPath reports whether path was generated.
func (s State) HasPath(path string) bool {
	for _, p := range s.GeneratedPaths {
		if p == path {
			return true
		}
	}
	return false
}

func (s State) commandIndex(id string) int {
	for i := range s.Commands {
		if s.Commands[i].ID == id {
			return i
		}
	}
	return -1
}

// Reduce applies one envelope. Unknown types and undecodable payloads
// return s unchanged.
func Reduce(s State, env envelope.Envelope) State {
	switch env.Type {
	case envelope.TypeEnvironmentCreated:
		var d envelope.EnvironmentCreated
		if env.Decode(&d) != nil || d.EnvironmentID == "" || d.Status == envelope.StatusError {
			return s
		}
		if d.EnvironmentID == s.EnvironmentID {
			s.EnvironmentStatus = EnvironmentRunning
			return s
		}
		// A new environment starts with nothing in it.
		return State{
			EnvironmentID:     d.EnvironmentID,
			EnvironmentStatus: EnvironmentRunning,
		}

	case envelope.TypeFilesGenerated:
		var d envelope.FilesGenerated
		if env.Decode(&d) != nil || d.Status != envelope.StatusUploaded {
			return s
		}
		return s.withPaths(d.Paths)

	case envelope.TypeCommand:
		var d envelope.Command
		if env.Decode(&d) != nil || d.CommandID == "" {
			return s
		}
		return s.withCommand(d)

	case envelope.TypeCommandLog:
		var d envelope.CommandLog
		if env.Decode(&d) != nil {
			return s
		}
		return s.withLog(d)

	case envelope.TypePreviewURL:
		var d envelope.PreviewURL
		if env.Decode(&d) != nil || d.URL == "" {
			return s
		}
		s.ExposedURL = d.URL
		s.PreviewReady = d.Status == envelope.StatusDone
		return s
	}
	return s
}

func (s State) withPaths(paths []string) State {
	var added []string
	for _, p := range paths {
		if p == "" || s.HasPath(p) || contains(added, p) {
			continue
		}
		added = append(added, p)
	}
	if len(added) == 0 {
		return s
	}
	out := make([]string, 0, len(s.GeneratedPaths)+len(added))
	out = append(out, s.GeneratedPaths...)
	s.GeneratedPaths = append(out, added...)
	return s
}

// statusRank orders command statuses so that a late or repeated envelope
// never moves a command backwards.
func statusRank(status string) int {
	switch status {
	case envelope.StatusExecuting:
		return 1
	case envelope.StatusRunning:
		return 2
	case envelope.StatusDone, envelope.StatusError:
		return 3
	}
	return 0
}

func (s State) withCommand(d envelope.Command) State {
	i := s.commandIndex(d.CommandID)
	var prev Command
	if i >= 0 {
		prev = s.Commands[i]
		if prev.Terminal() || statusRank(d.Status) < statusRank(prev.Status) {
			return s
		}
	} else {
		prev = Command{ID: d.CommandID, StartedAt: d.Timestamp}
	}

	next := prev
	next.EnvironmentID = d.EnvironmentID
	next.Command = d.Command
	next.Args = append([]string(nil), d.Args...)
	next.Status = d.Status
	next.Background = prev.Background || d.Background || d.Status == envelope.StatusRunning
	if d.ExitCode != nil {
		code := *d.ExitCode
		next.ExitCode = &code
	}

	cmds := make([]Command, len(s.Commands), len(s.Commands)+1)
	copy(cmds, s.Commands)
	if i >= 0 {
		cmds[i] = next
	} else {
		cmds = append(cmds, next)
	}
	s.Commands = cmds
	return s
}

// withLog inserts a line in timestamp order. An identical line is ignored, so
// re-applied or re-polled logs do not duplicate. Lines for unknown commands
// are dropped.
func (s State) withLog(d envelope.CommandLog) State {
	i := s.commandIndex(d.CommandID)
	if i < 0 {
		return s
	}
	line := LogLine{Data: d.Data, Stream: d.Stream, Timestamp: d.Timestamp}
	logs := s.Commands[i].Logs
	for _, l := range logs {
		if l == line {
			return s
		}
	}
	at := sort.Search(len(logs), func(j int) bool { return logs[j].Timestamp > line.Timestamp })

	nextLogs := make([]LogLine, 0, len(logs)+1)
	nextLogs = append(nextLogs, logs[:at]...)
	nextLogs = append(nextLogs, line)
	nextLogs = append(nextLogs, logs[at:]...)

	cmds := make([]Command, len(s.Commands))
	copy(cmds, s.Commands)
	cmds[i].Logs = nextLogs
	s.Commands = cmds
	return s
}

// WithEnvironmentStatus records a status observed by polling the environment.
func (s State) WithEnvironmentStatus(status EnvironmentStatus) State {
	if s.EnvironmentID == "" {
		return s
	}
	s.EnvironmentStatus = status
	return s
}

// Replay folds envs from the zero state.
func Replay(envs []envelope.Envelope) State {
	var s State
	for _, env := range envs {
		s = Reduce(s, env)
	}
	return s
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Reducer owns a State and applies envelopes to it as they arrive. It is safe
// for concurrent use.
type Reducer struct {
	mu    sync.Mutex
	state State
}

// NewReducer starts a Reducer from initial.
func NewReducer(initial State) *Reducer {
	return &Reducer{state: initial}
}

// Apply folds envs into the owned state and returns the result.
func (r *Reducer) Apply(envs ...envelope.Envelope) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range envs {
		r.state = Reduce(r.state, env)
	}
	return r.state
}

// State returns the current state.
func (r *Reducer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
