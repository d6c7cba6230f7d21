// Package store defines persistence for the catalog (agents, crews, skills),
// run records and conversation transcripts. Implementations cover in-memory
// (dev and tests), SQLite, and the hosted content-lake API.
package store

import (
	"context"
	"errors"
	"time"

	"crewhub/internal/domain"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a run status update would violate the
// monotonic lifecycle.
var ErrInvalidTransition = errors.New("invalid run status transition")

// RunPatch carries the optional fields set alongside a status change. Nil
// fields are left untouched.
type RunPatch struct {
	Output      *string
	Error       *domain.RunError
	Objective   *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunFilter narrows ListRuns. Zero values mean no filtering.
type RunFilter struct {
	Status domain.RunStatus
	Limit  int
}

// Store is the persistence surface shared by the session and server layers.
type Store interface {
	// Catalog.
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	ListCrews(ctx context.Context) ([]domain.Crew, error)
	GetCrew(ctx context.Context, id string) (*domain.Crew, error)
	ListSkills(ctx context.Context) ([]domain.Skill, error)
	SearchSkills(ctx context.Context, query string, limit int) ([]domain.Skill, error)

	// Runs. SetRunStatus enforces the monotonic lifecycle and returns
	// ErrInvalidTransition when the current status does not admit the update.
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	SetRunStatus(ctx context.Context, id string, status domain.RunStatus, patch RunPatch) error

	// Conversations.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error
	SetConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) error
	SetConversationTitle(ctx context.Context, id, title string) error
	SetConversationSummary(ctx context.Context, id, summary string) error
	// AddRunToConversation appends the run to the conversation's history and
	// marks it active. SetActiveRun with an empty runID clears the marker.
	AddRunToConversation(ctx context.Context, conversationID, runID string) error
	SetActiveRun(ctx context.Context, conversationID, runID string) error

	Close() error
}
