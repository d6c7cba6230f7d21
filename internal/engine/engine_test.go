package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewhub/internal/domain"
	"crewhub/internal/executor"
	"crewhub/internal/llm"
	"crewhub/internal/mcp"
)

func twoTaskCrew(researchClient, writeClient llm.Client) executor.CrewSpec {
	return executor.CrewSpec{
		Name: "Test Crew",
		Agents: []executor.AgentSpec{
			{Agent: domain.Agent{ID: "agent-researcher", Name: "Riley", Role: "Research Analyst"}, Client: researchClient},
			{Agent: domain.Agent{ID: "agent-writer", Name: "Wren", Role: "Content Writer"}, Client: writeClient},
		},
		Tasks: []domain.Task{
			{ID: "task-1-research", Name: "Research", Description: "dig in", AgentID: "agent-researcher", Order: 1},
			{ID: "task-2-write", Name: "Write", Description: "write it up", AgentID: "agent-writer", Order: 2,
				ContextIDs: []string{"task-1-research"}},
		},
		Process: domain.ProcessSequential,
	}
}

func TestKickoffRunsTasksInOrder(t *testing.T) {
	research := llm.NewMock("the findings")
	write := llm.NewMock("the article")
	e := New(nil, nil)

	var narration strings.Builder
	output, err := e.Kickoff(context.Background(), twoTaskCrew(research, write),
		map[string]any{"topic": "content gaps"}, &narration)
	require.NoError(t, err)
	assert.Equal(t, "the article", output)

	// Boundary lines arrive in execution order so the narration parser can
	// segment the stream.
	text := narration.String()
	markers := []string{
		"Crew Execution Started: Test Crew",
		"Task Started: Research",
		"Agent: Riley",
		"Final Answer: the findings",
		"Task Completed: Research",
		"Task Started: Write",
		"Agent: Wren",
		"Final Answer: the article",
		"Task Completed: Write",
		"Crew Execution Completed: Test Crew",
	}
	pos := -1
	for _, marker := range markers {
		next := strings.Index(text, marker)
		require.GreaterOrEqual(t, next, 0, "missing narration marker %q", marker)
		assert.Greater(t, next, pos, "marker %q out of order", marker)
		pos = next
	}

	// The second task sees the first task's output as context.
	writeCalls := write.Calls()
	require.Len(t, writeCalls, 1)
	prompt := writeCalls[0].Messages[1].Content
	assert.Contains(t, prompt, "Context from task-1-research:")
	assert.Contains(t, prompt, "the findings")
	assert.Contains(t, prompt, "- topic: content gaps")
}

func TestKickoffFallbackClient(t *testing.T) {
	fallback := llm.NewMock("fallback output")
	e := New(fallback, nil)

	crew := twoTaskCrew(nil, nil)
	crew.Tasks = crew.Tasks[:1]

	var narration strings.Builder
	output, err := e.Kickoff(context.Background(), crew, nil, &narration)
	require.NoError(t, err)
	assert.Equal(t, "fallback output", output)
	assert.Len(t, fallback.Calls(), 1)
}

func TestKickoffUnknownAgentFails(t *testing.T) {
	e := New(llm.NewMock("x"), nil)
	crew := executor.CrewSpec{
		Name: "Broken",
		Tasks: []domain.Task{
			{ID: "task-1", Name: "Orphan", AgentID: "agent-missing", Order: 1},
		},
	}

	var narration strings.Builder
	_, err := e.Kickoff(context.Background(), crew, nil, &narration)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent-missing")
}

func TestKickoffToolRound(t *testing.T) {
	var calledWith map[string]any
	tool := mcp.Tool{
		Server:      "search",
		Name:        "web_search",
		Description: "search the web",
		Call: func(_ context.Context, args map[string]any) (string, error) {
			calledWith = args
			return "top results", nil
		},
	}

	client := llm.NewMock(
		`{"tool": "web_search", "arguments": {"query": "content gaps"}}`,
		"answer grounded in the results",
	)
	e := New(nil, nil)
	crew := executor.CrewSpec{
		Name: "Tool Crew",
		Agents: []executor.AgentSpec{
			{Agent: domain.Agent{ID: "agent-researcher", Name: "Riley", Role: "Research Analyst"},
				Client: client, Tools: []mcp.Tool{tool}},
		},
		Tasks: []domain.Task{
			{ID: "task-1", Name: "Research", AgentID: "agent-researcher", Order: 1},
		},
	}

	var narration strings.Builder
	output, err := e.Kickoff(context.Background(), crew, nil, &narration)
	require.NoError(t, err)
	assert.Equal(t, "answer grounded in the results", output)

	require.NotNil(t, calledWith)
	assert.Equal(t, "content gaps", calledWith["query"])
	assert.Contains(t, narration.String(), "Using tool: web_search")

	// Second completion carries the tool result back to the agent.
	calls := client.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Contains(t, last.Content, "top results")
}

func TestParseToolDirective(t *testing.T) {
	d := parseToolDirective("```json\n{\"tool\": \"web_search\", \"arguments\": {\"q\": \"x\"}}\n```")
	require.NotNil(t, d)
	assert.Equal(t, "web_search", d.Tool)

	// Trailing comma is repaired locally.
	d = parseToolDirective(`{"tool": "web_search", "arguments": {"q": "x",}}`)
	require.NotNil(t, d)
	assert.Equal(t, "web_search", d.Tool)

	assert.Nil(t, parseToolDirective("plain prose answer"))
	assert.Nil(t, parseToolDirective(`{"arguments": {}}`))
}
