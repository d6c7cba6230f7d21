package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewhub/internal/domain"
	"crewhub/internal/errors"
	"crewhub/internal/executor"
	"crewhub/internal/llm"
	"crewhub/internal/planner"
	"crewhub/internal/store"
	"crewhub/internal/store/memstore"
)

// frameSink collects outbound frames for assertions.
type frameSink struct {
	mu     sync.Mutex
	frames []Outbound
}

func (f *frameSink) send(out Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, out)
}

func (f *frameSink) all() []Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Outbound, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *frameSink) first(frameType string) (Outbound, bool) {
	for _, fr := range f.all() {
		if fr.Type == frameType {
			return fr, true
		}
	}
	return Outbound{}, false
}

func (f *frameSink) waitFor(t *testing.T, frameType string) Outbound {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if fr, ok := f.first(frameType); ok {
			return fr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %q frame arrived; got %+v", frameType, f.all())
	return Outbound{}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeEngine plays back canned narration, optionally blocking until released.
type fakeEngine struct {
	narration string
	output    string
	err       error
	release   chan struct{}
}

func (e *fakeEngine) Kickoff(ctx context.Context, _ executor.CrewSpec, _ map[string]any, w io.Writer) (string, error) {
	_, _ = io.WriteString(w, e.narration)
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return e.output, e.err
}

func catalogAgents() []domain.Agent {
	return []domain.Agent{
		{ID: "agent-researcher", Name: "Riley", Role: "Research Analyst"},
		{ID: "agent-writer", Name: "Wren", Role: "Content Writer"},
	}
}

func planJSON(questions ...string) string {
	plan := map[string]any{
		"agents": []string{"agent-researcher", "agent-writer"},
		"tasks": []map[string]any{
			{"name": "Research", "description": "dig in", "agentId": "agent-researcher", "order": 1},
			{"name": "Write", "description": "write it up", "agentId": "agent-writer", "order": 2},
		},
		"process": "sequential",
	}
	if len(questions) > 0 {
		plan["questions"] = questions
	}
	data, _ := json.Marshal(plan)
	return string(data)
}

const crewNarration = "Crew Execution Started: Planned Crew\n" +
	"Task Started: Research\n" +
	"Agent: Riley\n" +
	"Final Answer: findings\n" +
	"Task Completed: Research\n" +
	"Task Started: Write\n" +
	"Agent: Wren\n" +
	"Final Answer: FINAL DELIVERABLE\n" +
	"Task Completed: Write\n" +
	"Crew Execution Completed: Planned Crew\n"

func testStore(t *testing.T) *memstore.Store {
	t.Helper()
	st := memstore.New()
	st.SeedCatalog(catalogAgents(), nil, nil)
	require.NoError(t, st.CreateConversation(context.Background(), &domain.Conversation{
		ID:     "conv-1",
		Title:  "New Conversation",
		Status: domain.ConversationActive,
	}))
	return st
}

func testDeps(st store.Store, eng executor.Engine, oracleResponse string) Deps {
	return Deps{
		Store:     st,
		Oracle:    planner.NewOracle(llm.NewMock(oracleResponse), nil),
		Executor:  executor.New(eng, nil, nil),
		ClientFor: func(domain.Agent) llm.Client { return llm.NewMock("A short canned model reply.") },
	}
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	eng := &fakeEngine{narration: crewNarration, output: "FINAL DELIVERABLE"}
	sink := &frameSink{}
	sess := New("conv-1", sink.send, testDeps(st, eng, planJSON()))
	defer sess.Close()

	sess.HandleInbound(ctx, []byte(`{"type": "user_message", "content": "Write a report on content gaps"}`))

	status := sink.waitFor(t, OutStatus)
	assert.Equal(t, string(domain.RunRunning), status.Status)
	require.NotEmpty(t, status.RunID)

	complete := sink.waitFor(t, OutComplete)
	assert.Equal(t, "FINAL DELIVERABLE", complete.Output)
	assert.Equal(t, status.RunID, complete.RunID)

	// The deferred cleanup clears the active run pointer after the relay ends.
	waitUntil(t, "active run cleared", func() bool {
		conv, err := st.GetConversation(ctx, "conv-1")
		return err == nil && conv.ActiveRunID == ""
	})

	run, err := st.GetRun(ctx, status.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, "FINAL DELIVERABLE", run.Output)
	assert.Equal(t, "Write a report on content gaps", run.Objective)
	assert.False(t, run.StartedAt.IsZero())
	assert.False(t, run.CompletedAt.IsZero())
	require.NotNil(t, run.PlannedCrew)
	assert.Len(t, run.PlannedCrew.Tasks, 2)

	conv, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{run.ID}, conv.RunIDs)
	assert.Equal(t, "Write a report on content gaps", conv.Title)
	assert.Equal(t, "A short canned model reply.", conv.LastRunSummary)

	var senders []string
	hasMarker := false
	for _, m := range conv.Messages {
		senders = append(senders, m.Sender)
		if m.Type == domain.MessageTypeSystem && m.Content == "Run completed." {
			hasMarker = true
			assert.Equal(t, run.ID, m.Metadata["runId"])
		}
	}
	assert.True(t, hasMarker, "completion marker missing from transcript: %v", senders)

	// The agents' final answers were persisted as transcript messages.
	found := 0
	for _, m := range conv.Messages {
		if m.Type == domain.MessageTypeMessage && m.Sender == "Wren" {
			found++
			assert.Equal(t, "FINAL DELIVERABLE", m.Content)
		}
	}
	assert.Equal(t, 1, found)
}

func TestMidRunMessageGetsQuickReply(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	eng := &fakeEngine{narration: "Task Started: Research\nAgent: Riley\n", output: "done", release: make(chan struct{})}
	sink := &frameSink{}
	sess := New("conv-1", sink.send, testDeps(st, eng, planJSON()))
	defer sess.Close()

	sess.HandleInbound(ctx, []byte(`{"type": "user_message", "content": "Start the analysis"}`))
	sink.waitFor(t, OutStatus)

	// A second message while the run is in flight gets an in-character reply,
	// not a second run.
	sess.HandleInbound(ctx, []byte(`{"type": "user_message", "content": "Riley, how is it going?"}`))

	waitUntil(t, "quick reply frame", func() bool {
		for _, fr := range sink.all() {
			if fr.Type == OutAgentMessage && fr.IsReply {
				return true
			}
		}
		return false
	})
	var reply Outbound
	for _, fr := range sink.all() {
		if fr.Type == OutAgentMessage && fr.IsReply {
			reply = fr
		}
	}
	assert.Equal(t, "Riley", reply.Sender)
	assert.Equal(t, "A short canned model reply.", reply.Content)

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	conv, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	persisted := false
	for _, m := range conv.Messages {
		if isReply, _ := m.Metadata["isReply"].(bool); isReply {
			persisted = true
			assert.Equal(t, "Riley", m.Sender)
		}
	}
	assert.True(t, persisted)

	close(eng.release)
	sink.waitFor(t, OutComplete)
}

func TestClarifyingQuestionAnsweredByID(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	eng := &fakeEngine{narration: crewNarration, output: "FINAL DELIVERABLE"}
	sink := &frameSink{}
	sess := New("conv-1", sink.send, testDeps(st, eng, planJSON("Which market segment?")))
	defer sess.Close()

	sess.HandleInbound(ctx, []byte(`{"type": "user_message", "content": "Find our gaps"}`))

	question := sink.waitFor(t, OutQuestion)
	require.NotEmpty(t, question.QuestionID)
	assert.Contains(t, question.Content, "Which market segment?")

	answer := fmt.Sprintf(`{"type": "answer", "questionId": %q, "content": "Enterprise"}`, question.QuestionID)
	sess.HandleInbound(ctx, []byte(answer))

	complete := sink.waitFor(t, OutComplete)
	run, err := st.GetRun(ctx, complete.RunID)
	require.NoError(t, err)
	assert.Equal(t, "Enterprise", run.Inputs["clarification"])

	// The answer was persisted with its own transcript type.
	conv, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	found := false
	for _, m := range conv.Messages {
		if m.Type == domain.MessageTypeAnswer && m.Content == "Enterprise" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSoleOutstandingQuestionTakesAnyMessage(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	eng := &fakeEngine{narration: crewNarration, output: "FINAL DELIVERABLE"}
	sink := &frameSink{}
	sess := New("conv-1", sink.send, testDeps(st, eng, planJSON("Which market segment?")))
	defer sess.Close()

	sess.HandleInbound(ctx, []byte(`{"type": "user_message", "content": "Find our gaps"}`))
	sink.waitFor(t, OutQuestion)

	// No questionId: with exactly one question outstanding, a plain message is
	// treated as its answer instead of starting a second run.
	sess.HandleInbound(ctx, []byte(`{"type": "user_message", "content": "Mid-market"}`))

	complete := sink.waitFor(t, OutComplete)
	run, err := st.GetRun(ctx, complete.RunID)
	require.NoError(t, err)
	assert.Equal(t, "Mid-market", run.Inputs["clarification"])

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestQuestionTimeoutFailsTheRun(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	eng := &fakeEngine{output: "never reached"}
	deps := testDeps(st, eng, planJSON("Which market segment?"))
	deps.QuestionTimeout = 50 * time.Millisecond
	sink := &frameSink{}
	sess := New("conv-1", sink.send, deps)
	defer sess.Close()

	sess.HandleInbound(ctx, []byte(`{"type": "user_message", "content": "Find our gaps"}`))
	sink.waitFor(t, OutQuestion)

	errFrame := sink.waitFor(t, OutError)
	assert.Contains(t, errFrame.Message, "Timed out")

	// The run was never created: the question fired before any run record.
	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	waitUntil(t, "conversation reset to active", func() bool {
		conv, convErr := st.GetConversation(ctx, "conv-1")
		return convErr == nil && conv.Status == domain.ConversationActive
	})
}

func TestCloseReleasesPendingQuestions(t *testing.T) {
	st := testStore(t)
	sink := &frameSink{}
	sess := New("conv-1", sink.send, testDeps(st, &fakeEngine{}, planJSON()))

	type askResult struct {
		answer string
		err    error
	}
	done := make(chan askResult, 1)
	go func() {
		answer, err := sess.ask(context.Background(), "pick one", nil, "")
		done <- askResult{answer, err}
	}()
	sink.waitFor(t, OutQuestion)

	sess.Close()

	select {
	case res := <-done:
		require.Error(t, res.err)
		assert.True(t, errors.Is(res.err, errors.KindExecution))
		assert.Empty(t, res.answer)
	case <-time.After(5 * time.Second):
		t.Fatal("ask did not return after Close")
	}
}

func TestReplaySkipsEphemeralEntries(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	msgs := []domain.Message{
		{Key: "m1", Sender: domain.SenderUser, Type: domain.MessageTypeMessage, Content: "hello"},
		{Key: "m2", Sender: "Riley", Type: domain.MessageTypeMessage, Content: "hi there"},
		{Key: "m3", Sender: "Riley", Type: domain.MessageTypeThinking, Content: "pondering"},
		{Key: "m4", Sender: domain.SenderSystem, Type: domain.MessageTypeStatus, Content: "running"},
		{Key: "m5", Sender: domain.SenderSystem, Type: domain.MessageTypeSystem, Content: "Run completed."},
		{Key: "m6", Sender: domain.SenderSystem, Type: domain.MessageTypeQuestion, Content: "Pick a crew",
			Metadata: map[string]any{
				"options":       []map[string]any{{"value": "crew-1", "label": "Crew One"}},
				"selectionType": "radio",
			}},
		{Key: "m7", Sender: "Riley", Type: domain.MessageTypeMessage, Content: ""},
	}
	for _, m := range msgs {
		require.NoError(t, st.AppendMessage(ctx, "conv-1", m))
	}

	sink := &frameSink{}
	sess := New("conv-1", sink.send, testDeps(st, &fakeEngine{}, planJSON()))
	defer sess.Close()
	require.NoError(t, sess.Replay(ctx))

	frames := sink.all()
	require.Len(t, frames, 3)

	assert.Equal(t, OutUserMessage, frames[0].Type)
	assert.Equal(t, "hello", frames[0].Content)
	assert.True(t, frames[0].Replayed)

	assert.Equal(t, OutAgentMessage, frames[1].Type)
	assert.Equal(t, "Riley", frames[1].Sender)

	assert.Equal(t, OutQuestion, frames[2].Type)
	require.Len(t, frames[2].Options, 1)
	assert.Equal(t, "crew-1", frames[2].Options[0].Value)
	assert.Equal(t, "radio", frames[2].SelectionType)
}

func TestHandleInboundRejectsBadJSON(t *testing.T) {
	st := testStore(t)
	sink := &frameSink{}
	sess := New("conv-1", sink.send, testDeps(st, &fakeEngine{}, planJSON()))
	defer sess.Close()

	sess.HandleInbound(context.Background(), []byte("{not json"))

	frame, ok := sink.first(OutError)
	require.True(t, ok)
	assert.Equal(t, "Invalid JSON", frame.Message)
}

func TestTitleDerivedFromFirstMessage(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	sink := &frameSink{}
	// Clarifying question keeps the run suspended so only the title side
	// effect is under test.
	sess := New("conv-1", sink.send, testDeps(st, &fakeEngine{}, planJSON("Which?")))
	defer sess.Close()

	long := strings.Repeat("название ", 12) // 108 runes, multibyte on purpose
	payload, _ := json.Marshal(Inbound{Type: InboundUserMessage, Content: long})
	sess.HandleInbound(ctx, payload)

	want := string([]rune(strings.TrimSpace(long))[:80]) + "…"
	conv, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, want, conv.Title)

	// A second message never overwrites a real title.
	sink.waitFor(t, OutQuestion)
	sess.HandleInbound(ctx, []byte(`{"type": "user_message", "content": "something else"}`))
	conv, err = st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, want, conv.Title)
}

func TestClipKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abc", clip("abcdef", 3))

	// Multibyte input must never be cut mid-rune.
	got := clip("日本語のテキスト", 4)
	assert.Equal(t, "日本語の", got)
	assert.True(t, utf8.ValidString(got))
}
