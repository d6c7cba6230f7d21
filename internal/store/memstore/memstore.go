// Package memstore is the in-memory Store used in development and tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"crewhub/internal/domain"
	"crewhub/internal/store"
)

// Store keeps everything in process memory. Safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	agents        []domain.Agent
	crews         []domain.Crew
	skills        []domain.Skill
	runs          map[string]*domain.Run
	conversations map[string]*domain.Conversation
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		runs:          make(map[string]*domain.Run),
		conversations: make(map[string]*domain.Conversation),
	}
}

// NewSeeded returns a store preloaded with the built-in catalog, for running
// without a configured backend.
func NewSeeded() *Store {
	s := New()
	s.SeedCatalog(defaultAgents(), defaultCrews(), defaultSkills())
	return s
}

// SeedCatalog replaces the catalog contents.
func (s *Store) SeedCatalog(agents []domain.Agent, crews []domain.Crew, skills []domain.Skill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = agents
	s.crews = crews
	s.skills = skills
}

func (s *Store) ListAgents(context.Context) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Agent, len(s.agents))
	copy(out, s.agents)
	return out, nil
}

func (s *Store) ListCrews(context.Context) ([]domain.Crew, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Crew, len(s.crews))
	copy(out, s.crews)
	return out, nil
}

func (s *Store) GetCrew(_ context.Context, id string) (*domain.Crew, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.crews {
		if c.ID == id {
			crew := c
			return &crew, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListSkills(context.Context) ([]domain.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Skill, len(s.skills))
	copy(out, s.skills)
	return out, nil
}

func (s *Store) SearchSkills(_ context.Context, query string, limit int) ([]domain.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []domain.Skill
	for _, sk := range s.skills {
		if needle != "" &&
			!strings.Contains(strings.ToLower(sk.Name), needle) &&
			!strings.Contains(strings.ToLower(sk.Description), needle) {
			continue
		}
		out = append(out, sk)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	stored := *run
	s.runs[run.ID] = &stored
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *run
	return &out, nil
}

func (s *Store) ListRuns(_ context.Context, filter store.RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Run
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) SetRunStatus(_ context.Context, id string, status domain.RunStatus, patch store.RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	if run.Status != status && !run.Status.CanTransition(status) {
		return store.ErrInvalidTransition
	}
	run.Status = status
	applyPatch(run, patch)
	return nil
}

func applyPatch(run *domain.Run, patch store.RunPatch) {
	if patch.Output != nil {
		run.Output = *patch.Output
	}
	if patch.Error != nil {
		run.Error = patch.Error
	}
	if patch.Objective != nil {
		run.Objective = *patch.Objective
	}
	if patch.StartedAt != nil {
		run.StartedAt = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		run.CompletedAt = *patch.CompletedAt
	}
}

func (s *Store) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.Status == "" {
		conv.Status = domain.ConversationActive
	}
	stored := *conv
	s.conversations[conv.ID] = &stored
	return nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *conv
	out.Messages = make([]domain.Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	out.RunIDs = append([]string(nil), conv.RunIDs...)
	return &out, nil
}

func (s *Store) ListConversations(context.Context) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		c := *conv
		c.Messages = nil // listings are headers only
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}

func (s *Store) AppendMessage(_ context.Context, conversationID string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetConversationStatus(_ context.Context, id string, status domain.ConversationStatus) error {
	return s.updateConversation(id, func(conv *domain.Conversation) { conv.Status = status })
}

func (s *Store) SetConversationTitle(_ context.Context, id, title string) error {
	return s.updateConversation(id, func(conv *domain.Conversation) { conv.Title = title })
}

func (s *Store) SetConversationSummary(_ context.Context, id, summary string) error {
	return s.updateConversation(id, func(conv *domain.Conversation) { conv.LastRunSummary = summary })
}

func (s *Store) AddRunToConversation(_ context.Context, conversationID, runID string) error {
	return s.updateConversation(conversationID, func(conv *domain.Conversation) {
		conv.RunIDs = append(conv.RunIDs, runID)
		conv.ActiveRunID = runID
	})
}

func (s *Store) SetActiveRun(_ context.Context, conversationID, runID string) error {
	return s.updateConversation(conversationID, func(conv *domain.Conversation) {
		conv.ActiveRunID = runID
	})
}

func (s *Store) updateConversation(id string, apply func(*domain.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	apply(conv)
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Close() error { return nil }
