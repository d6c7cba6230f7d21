package executor

import (
	"context"
	"io"

	"crewhub/internal/domain"
	"crewhub/internal/llm"
	"crewhub/internal/mcp"
)

// AgentSpec is a fully materialized agent: the configured role bound to its
// language-model client and callable tools.
type AgentSpec struct {
	Agent  domain.Agent
	Client llm.Client
	Tools  []mcp.Tool
}

// CrewSpec is everything an engine needs to execute a plan.
type CrewSpec struct {
	Name    string
	Agents  []AgentSpec
	Tasks   []domain.Task
	Process domain.ProcessKind
}

// Engine is the external multi-agent execution library. Kickoff blocks until
// the crew finishes, writing its human-readable narration incrementally to
// the given writer, and returns the final output text.
type Engine interface {
	Kickoff(ctx context.Context, crew CrewSpec, inputs map[string]any, narration io.Writer) (string, error)
}
