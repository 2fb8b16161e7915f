// Package sandbox abstracts the isolated execution environment that generated
// code is written to and run in.
//
// An Environment outlives the request that created it. Commands started in
// an environment belong to the environment, not to the caller's context, so
// a detached command keeps running and logging after the client goes away
// and can be found again by id.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown environment, command or file.
	ErrNotFound = errors.New("sandbox: not found")

	// ErrStopped is returned when operating on a stopped environment.
	ErrStopped = errors.New("sandbox: environment stopped")
)

// Status of an environment.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// CreateOptions configures a new environment.
type CreateOptions struct {
	Timeout time.Duration
	Ports   []int
}

// File is one file to write.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RunOptions describes a command. Command is the executable; Args are passed
// without shell interpretation.
type RunOptions struct {
	Command string
	Args    []string
	Sudo    bool
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// LogLine is one line of command output.
type LogLine struct {
	Data      string `json:"data"`
	Stream    string `json:"stream"`
	Timestamp int64  `json:"timestamp"`
}

// Provider creates and finds environments.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (Environment, error)
	Get(ctx context.Context, id string) (Environment, error)
}

// Environment is one execution environment.
type Environment interface {
	ID() string
	Status() Status

	WriteFiles(ctx context.Context, files []File) error
	ReadFile(ctx context.Context, path string) (string, error)

	// Run starts a command and returns immediately.
	Run(ctx context.Context, opts RunOptions) (Command, error)
	// Command finds a command started by Run.
	Command(id string) (Command, error)

	// Domain returns the public URL of an exposed port.
	Domain(port int) (string, error)

	Stop(ctx context.Context) error
}

// Command is a command running or finished in an environment.
type Command interface {
	ID() string

	// Wait blocks until the command exits or ctx is done. The command is not
	// killed when ctx is done.
	Wait(ctx context.Context) (Result, error)

	// Logs streams every line so far and then follows new lines until the
	// command exits or ctx is done.
	Logs(ctx context.Context) <-chan LogLine
}
