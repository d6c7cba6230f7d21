package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewhub/internal/domain"
)

func narrationPlan() *domain.Plan {
	return &domain.Plan{
		Agents: []domain.Agent{
			{ID: "agent-researcher", Name: "Riley", Role: "Research Analyst"},
			{ID: "agent-writer", Name: "Wren", Role: "Content Writer"},
			{ID: "agent-memory", Name: "Memory Keeper", Role: "Memory"},
		},
		Tasks: []domain.Task{
			{ID: "task-1-research", Name: "Research", AgentID: "agent-researcher", Order: 1},
			{ID: "task-memory-2", Name: "Memory Summary", AgentID: "agent-memory", Order: 2, Synthetic: true},
			{ID: "task-3-write", Name: "Write", AgentID: "agent-writer", Order: 3},
		},
		MemoryAgentID: "agent-memory",
	}
}

func TestParserAnnouncesRealStagesOnly(t *testing.T) {
	p := newNarrationParser(narrationPlan())

	events := p.Feed("Task Started: Research")
	require.Len(t, events, 1)
	assert.Equal(t, domain.MessageTypeThinking, events[0].Type)
	assert.Equal(t, "Riley", events[0].Agent)
	assert.Equal(t, "Working on: Research", events[0].Content)

	// The synthetic compression task consumes its marker silently.
	assert.Empty(t, p.Feed("Task Started: Memory Summary"))

	events = p.Feed("Task Started: Write")
	require.Len(t, events, 1)
	assert.Equal(t, "Wren", events[0].Agent)
	assert.Equal(t, "Working on: Write", events[0].Content)

	// Markers past the plan are ignored rather than panicking.
	assert.Empty(t, p.Feed("Task Started: Phantom"))
}

func TestParserCapturesFinalAnswerBlock(t *testing.T) {
	p := newNarrationParser(narrationPlan())

	assert.Empty(t, p.Feed("Agent: Riley"))
	assert.Empty(t, p.Feed("Final Answer: The result"))
	assert.Empty(t, p.Feed("with a second line"))

	events := p.Feed("Task Completed: Research")
	require.Len(t, events, 1)
	assert.Equal(t, EventAgentMessage, events[0].Event)
	assert.Equal(t, domain.MessageTypeMessage, events[0].Type)
	assert.Equal(t, "Riley", events[0].Agent)
	assert.Equal(t, "The result\nwith a second line", events[0].Content)
}

func TestParserDeduplicatesRepeatedBlocks(t *testing.T) {
	p := newNarrationParser(narrationPlan())

	p.Feed("Agent: Riley")
	p.Feed("Final Answer: identical output")
	events := p.Feed("Task Completed: Research")
	require.Len(t, events, 1)

	// Engines echo the same block when retrying; the second copy is dropped.
	p.Feed("Final Answer: identical output")
	assert.Empty(t, p.Feed("Task Completed: Research"))
}

func TestParserSilencesMemoryAgent(t *testing.T) {
	p := newNarrationParser(narrationPlan())

	assert.Empty(t, p.Feed("Agent: Memory Keeper"))
	assert.Empty(t, p.Feed("Final Answer: internal compression notes"))
	assert.Empty(t, p.Feed("Task Completed: Memory Summary"))

	// The next visible agent's block still comes through.
	p.Feed("Agent: Wren")
	p.Feed("Final Answer: the article")
	events := p.Feed("Task Completed: Write")
	require.Len(t, events, 1)
	assert.Equal(t, "Wren", events[0].Agent)
	assert.Equal(t, "the article", events[0].Content)
}

func TestParserStripsDecorationAndNoise(t *testing.T) {
	p := newNarrationParser(narrationPlan())

	p.Feed("\x1b[1mAgent:\x1b[0m Riley")
	p.Feed("Final Answer: clean line")
	p.Feed("│ piped line │")
	p.Feed("Calling search_tool with the query now")

	events := p.Feed("Task Completed: Research")
	require.Len(t, events, 1)
	assert.Equal(t, "clean line\npiped line", events[0].Content)
}

func TestParserFlushEmitsResidualBlock(t *testing.T) {
	p := newNarrationParser(narrationPlan())

	p.Feed("Agent: Riley")
	p.Feed("Final Answer: trailing output without a boundary")

	events := p.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, "trailing output without a boundary", events[0].Content)

	// A second flush has nothing left.
	assert.Empty(t, p.Flush())
}

func TestNameResolver(t *testing.T) {
	r := newNameResolver(narrationPlan())

	assert.Equal(t, "Riley", r.resolve("agent-researcher"))
	assert.Equal(t, "Riley", r.resolve("research-analyst"))
	assert.Equal(t, "Wren", r.resolve("Content_Writer"))
	assert.Equal(t, "somebody else", r.resolve("somebody else"))
	assert.Equal(t, "Agent", r.resolve(""))

	assert.True(t, r.isMemory("Memory Keeper"))
	assert.False(t, r.isMemory("Riley"))
}
