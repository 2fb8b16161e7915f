// Package store persists projects and their message transcripts.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/usage"
)

// ErrNotFound is returned for unknown projects.
var ErrNotFound = errors.New("store: not found")

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	StatusIdle       ProjectStatus = "idle"
	StatusProcessing ProjectStatus = "processing"
	StatusCompleted  ProjectStatus = "completed"
	StatusError      ProjectStatus = "error"
)

// Role of a stored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Project is one chat-driven build.
type Project struct {
	ID          string         `json:"id" msgpack:"id"`
	Title       string         `json:"title" msgpack:"title"`
	Pinned      bool           `json:"isPinned" msgpack:"is_pinned"`
	Status      ProjectStatus  `json:"status" msgpack:"status"`
	Progress    int            `json:"progress" msgpack:"progress"`
	SandboxID   string         `json:"sandboxId,omitempty" msgpack:"sandbox_id"`
	SandboxURL  string         `json:"sandboxUrl,omitempty" msgpack:"sandbox_url"`
	PreviewURL  string         `json:"previewUrl,omitempty" msgpack:"preview_url"`
	LastUsage   *usage.Usage   `json:"lastUsage,omitempty" msgpack:"last_usage"`
	LastContext *usage.Context `json:"lastContext,omitempty" msgpack:"last_context"`
	CreatedAt   time.Time      `json:"createdAt" msgpack:"created_at"`
	UpdatedAt   time.Time      `json:"updatedAt" msgpack:"updated_at"`
}

// ProjectUpdate lists the fields to change; nil fields are left alone.
type ProjectUpdate struct {
	Title       *string
	Pinned      *bool
	Status      *ProjectStatus
	Progress    *int
	SandboxID   *string
	SandboxURL  *string
	PreviewURL  *string
	LastUsage   *usage.Usage
	LastContext *usage.Context
}

// StatusUpdate is the common status and progress transition.
func StatusUpdate(status ProjectStatus, progress int) ProjectUpdate {
	return ProjectUpdate{Status: &status, Progress: &progress}
}

func (u ProjectUpdate) apply(p *Project, now time.Time) {
	if u.Title != nil {
		p.Title = *u.Title
	}
	if u.Pinned != nil {
		p.Pinned = *u.Pinned
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.Progress != nil {
		p.Progress = *u.Progress
	}
	if u.SandboxID != nil {
		p.SandboxID = *u.SandboxID
	}
	if u.SandboxURL != nil {
		p.SandboxURL = *u.SandboxURL
	}
	if u.PreviewURL != nil {
		p.PreviewURL = *u.PreviewURL
	}
	if u.LastUsage != nil {
		v := *u.LastUsage
		p.LastUsage = &v
	}
	if u.LastContext != nil {
		v := *u.LastContext
		p.LastContext = &v
	}
	p.UpdatedAt = now
}

// Message is one stored turn. Content is the turn's envelope transcript.
type Message struct {
	ID        string              `json:"id" msgpack:"id"`
	ProjectID string              `json:"projectId" msgpack:"project_id"`
	Role      Role                `json:"role" msgpack:"role"`
	Content   []envelope.Envelope `json:"content" msgpack:"content"`
	CreatedAt time.Time           `json:"createdAt" msgpack:"created_at"`
}

// Store is the persistence gateway.
type Store interface {
	CreateProject(ctx context.Context, p Project) (Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
	UpdateProject(ctx context.Context, id string, u ProjectUpdate) (Project, error)
	// ListProjects returns pinned projects first, then newest first.
	ListProjects(ctx context.Context) ([]Project, error)
	// DeleteProject removes a project and its messages.
	DeleteProject(ctx context.Context, id string) error
	SaveMessage(ctx context.Context, m Message) (Message, error)
	ListMessages(ctx context.Context, projectID string) ([]Message, error)
	Close() error
}

func sortProjects(ps []Project) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SaveUserMessageOnce stores a user turn unless an identical one is already
// stored for the project. It reports whether it wrote.
func SaveUserMessageOnce(ctx context.Context, s Store, projectID string, content []envelope.Envelope) (bool, error) {
	want, err := json.Marshal(content)
	if err != nil {
		return false, fmt.Errorf("encode message content: %w", err)
	}
	existing, err := s.ListMessages(ctx, projectID)
	if err != nil {
		return false, err
	}
	for _, m := range existing {
		if m.Role != RoleUser {
			continue
		}
		got, err := json.Marshal(m.Content)
		if err == nil && bytes.Equal(got, want) {
			return false, nil
		}
	}
	if _, err := s.SaveMessage(ctx, Message{ProjectID: projectID, Role: RoleUser, Content: content}); err != nil {
		return false, err
	}
	return true, nil
}

// Transcript concatenates the content of every stored message in order.
func Transcript(msgs []Message) []envelope.Envelope {
	var out []envelope.Envelope
	for _, m := range msgs {
		out = append(out, m.Content...)
	}
	return out
}
