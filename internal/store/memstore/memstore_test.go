package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewhub/internal/domain"
	"crewhub/internal/store"
)

func TestRunLifecycleIsMonotonic(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := &domain.Run{ID: "run-1", Objective: "test", Status: domain.RunPending}
	require.NoError(t, s.CreateRun(ctx, run))

	started := time.Now().UTC()
	require.NoError(t, s.SetRunStatus(ctx, "run-1", domain.RunRunning, store.RunPatch{StartedAt: &started}))

	output := "done"
	completed := time.Now().UTC()
	require.NoError(t, s.SetRunStatus(ctx, "run-1", domain.RunCompleted, store.RunPatch{
		Output:      &output,
		CompletedAt: &completed,
	}))

	// Terminal states admit no further transitions.
	err := s.SetRunStatus(ctx, "run-1", domain.RunRunning, store.RunPatch{})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	err = s.SetRunStatus(ctx, "run-1", domain.RunFailed, store.RunPatch{})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	// Same-status updates still patch fields.
	better := "done, with corrections"
	require.NoError(t, s.SetRunStatus(ctx, "run-1", domain.RunCompleted, store.RunPatch{Output: &better}))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, got.Status)
	assert.Equal(t, better, got.Output)
	assert.Equal(t, started, got.StartedAt)
	assert.Equal(t, completed, got.CompletedAt)
}

func TestRunningCannotGoBackToPending(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &domain.Run{ID: "run-1", Status: domain.RunPending}))
	require.NoError(t, s.SetRunStatus(ctx, "run-1", domain.RunRunning, store.RunPatch{}))

	err := s.SetRunStatus(ctx, "run-1", domain.RunPending, store.RunPatch{})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestRunNotFound(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetRun(ctx, "run-nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	err = s.SetRunStatus(ctx, "run-nope", domain.RunRunning, store.RunPatch{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRunsFiltersAndLimits(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, status := range []domain.RunStatus{domain.RunCompleted, domain.RunFailed, domain.RunCompleted} {
		require.NoError(t, s.CreateRun(ctx, &domain.Run{
			ID:        "run-" + string(rune('a'+i)),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{Status: domain.RunCompleted})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	// Newest first.
	assert.Equal(t, "run-c", runs[0].ID)

	runs, err = s.ListRuns(ctx, store.RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestConversationFlow(t *testing.T) {
	s := New()
	ctx := context.Background()

	conv := &domain.Conversation{ID: "conv-1", Title: "New Conversation"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	require.NoError(t, s.AppendMessage(ctx, "conv-1", domain.Message{
		Key:     "msg-1",
		Sender:  domain.SenderUser,
		Type:    domain.MessageTypeMessage,
		Content: "hello",
	}))

	require.NoError(t, s.AddRunToConversation(ctx, "conv-1", "run-1"))
	require.NoError(t, s.SetConversationTitle(ctx, "conv-1", "hello"))
	require.NoError(t, s.SetConversationSummary(ctx, "conv-1", "the team said hello"))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Title)
	assert.Equal(t, []string{"run-1"}, got.RunIDs)
	assert.Equal(t, "run-1", got.ActiveRunID)
	assert.Equal(t, "the team said hello", got.LastRunSummary)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, domain.ConversationActive, got.Status)

	require.NoError(t, s.SetActiveRun(ctx, "conv-1", ""))
	got, err = s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, got.ActiveRunID)

	// Listings carry headers only.
	listed, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Nil(t, listed[0].Messages)

	require.NoError(t, s.DeleteConversation(ctx, "conv-1"))
	_, err = s.GetConversation(ctx, "conv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteConversation(ctx, "conv-1"), store.ErrNotFound)
}

func TestGetConversationReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, &domain.Conversation{ID: "conv-1"}))
	require.NoError(t, s.AppendMessage(ctx, "conv-1", domain.Message{Key: "msg-1", Content: "original"}))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"

	again, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Messages[0].Content)
}

func TestSeededCatalog(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, agents)

	crews, err := s.ListCrews(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, crews)

	skills, err := s.SearchSkills(ctx, "eeat", 10)
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, "skill-eeat-audit", skills[0].ID)

	none, err := s.SearchSkills(ctx, "no such skill anywhere", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
