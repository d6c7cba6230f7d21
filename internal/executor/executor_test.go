package executor

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewhub/internal/domain"
)

// scriptEngine plays back canned narration and a fixed result.
type scriptEngine struct {
	narration string
	output    string
	err       error
}

func (e *scriptEngine) Kickoff(_ context.Context, _ CrewSpec, _ map[string]any, w io.Writer) (string, error) {
	_, _ = io.WriteString(w, e.narration)
	return e.output, e.err
}

func executorPlan() *domain.Plan {
	return &domain.Plan{
		Agents: []domain.Agent{
			{ID: "agent-researcher", Name: "Riley", Role: "Research Analyst"},
		},
		Tasks: []domain.Task{
			{ID: "task-1-research", Name: "Research", AgentID: "agent-researcher", Order: 1},
		},
	}
}

func collect(ch <-chan StreamEvent) []StreamEvent {
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestExecuteEmitsOrderedStream(t *testing.T) {
	eng := &scriptEngine{
		narration: "Crew Execution Started: Test Crew\n" +
			"Task Started: Research\n" +
			"Agent: Riley\n" +
			"Final Answer: research notes\n" +
			"Task Completed: Research\n" +
			"Crew Execution Completed: Test Crew\n",
		output: "research notes",
	}
	x := New(eng, nil, nil)

	events := collect(x.Execute(context.Background(), executorPlan(), nil, Options{CrewName: "Test Crew"}))
	require.NotEmpty(t, events)

	assert.Equal(t, EventRunStarted, events[0].Event)
	assert.Equal(t, "Test Crew", events[0].Crew)

	assert.Equal(t, EventAgentMessage, events[1].Event)
	assert.Equal(t, domain.MessageTypeSystem, events[1].Type)
	assert.Equal(t, "Crew assembled: Riley", events[1].Content)

	var thinking, message int
	for _, ev := range events {
		if ev.Event != EventAgentMessage {
			continue
		}
		switch ev.Type {
		case domain.MessageTypeThinking:
			thinking++
		case domain.MessageTypeMessage:
			message++
			assert.Equal(t, "Riley", ev.Agent)
			assert.Equal(t, "research notes", ev.Content)
		}
	}
	assert.Equal(t, 1, thinking)
	assert.Equal(t, 1, message)

	last := events[len(events)-1]
	assert.Equal(t, EventComplete, last.Event)
	assert.Equal(t, "research notes", last.FinalOutput)

	terminals := 0
	for _, ev := range events {
		if ev.Event == EventComplete || ev.Event == EventError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestExecuteSurfacesEngineError(t *testing.T) {
	eng := &scriptEngine{err: fmt.Errorf("model quota exhausted")}
	x := New(eng, nil, nil)

	events := collect(x.Execute(context.Background(), executorPlan(), nil, Options{CrewName: "Test Crew"}))
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Event)
	assert.Contains(t, last.Message, "model quota exhausted")

	for _, ev := range events {
		assert.NotEqual(t, EventComplete, ev.Event)
	}
}

func TestLineWriterSplitsOnNewlines(t *testing.T) {
	lines := make(chan string, 16)
	w := newLineWriter(lines)

	_, _ = w.Write([]byte("ab"))
	_, _ = w.Write([]byte("c\nde"))
	_, _ = w.Write([]byte("f\ngh\n"))
	w.Flush()
	close(lines)

	var got []string
	for line := range lines {
		got = append(got, line)
	}
	assert.Equal(t, []string{"abc", "def", "gh"}, got)
}
