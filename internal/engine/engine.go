// Package engine is the built-in sequential execution engine. It runs tasks
// in order, one model call per task with predecessor outputs as context, and
// writes CrewAI-style narration so the executor's parser works identically
// against it and against an external engine.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"crewhub/internal/domain"
	"crewhub/internal/executor"
	"crewhub/internal/llm"
	"crewhub/internal/logging"
	"crewhub/internal/mcp"
)

// Sequential executes a crew task by task.
type Sequential struct {
	// Fallback is used for agents without a bound client.
	Fallback llm.Client
	Logger   logging.Logger
}

var _ executor.Engine = (*Sequential)(nil)

// New creates a sequential engine.
func New(fallback llm.Client, logger logging.Logger) *Sequential {
	return &Sequential{Fallback: fallback, Logger: logging.OrNop(logger)}
}

// Kickoff runs every task in order and returns the last task's output.
func (e *Sequential) Kickoff(ctx context.Context, crew executor.CrewSpec, inputs map[string]any, narration io.Writer) (string, error) {
	agents := make(map[string]executor.AgentSpec, len(crew.Agents))
	for _, a := range crew.Agents {
		agents[a.Agent.ID] = a
	}
	ordered := make([]int, len(crew.Tasks))
	for i := range ordered {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return crew.Tasks[ordered[i]].Order < crew.Tasks[ordered[j]].Order
	})

	fmt.Fprintf(narration, "Crew Execution Started: %s\n", crew.Name)

	outputs := make(map[string]string, len(crew.Tasks))
	var lastOutput string
	for _, idx := range ordered {
		task := crew.Tasks[idx]
		spec, ok := agents[task.AgentID]
		if !ok {
			return "", fmt.Errorf("task %s references unknown agent %s", task.ID, task.AgentID)
		}
		client := spec.Client
		if client == nil {
			client = e.Fallback
		}
		if client == nil {
			return "", fmt.Errorf("no model client for agent %s", task.AgentID)
		}

		fmt.Fprintf(narration, "Task Started: %s\n", task.Name)
		fmt.Fprintf(narration, "Agent: %s\n", spec.Agent.DisplayName())

		output, err := e.runTask(ctx, client, spec, task, inputs, outputs, narration)
		if err != nil {
			return "", fmt.Errorf("task %s: %w", task.ID, err)
		}
		outputs[task.ID] = output
		lastOutput = output

		fmt.Fprintf(narration, "Final Answer: %s\n", output)
		fmt.Fprintf(narration, "Task Completed: %s\n", task.Name)
	}

	fmt.Fprintf(narration, "Crew Execution Completed: %s\n", crew.Name)
	return lastOutput, nil
}

func (e *Sequential) runTask(
	ctx context.Context,
	client llm.Client,
	spec executor.AgentSpec,
	task domain.Task,
	inputs map[string]any,
	outputs map[string]string,
	narration io.Writer,
) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt(spec)},
		{Role: "user", Content: taskPrompt(task, inputs, outputs)},
	}

	response, err := client.Complete(ctx, messages, llm.Options{Temperature: 0.7})
	if err != nil {
		return "", err
	}

	// One optional tool round: a response that is a tool directive gets
	// executed, then the agent answers with the result in hand.
	if directive := parseToolDirective(response); directive != nil {
		tool := findTool(spec.Tools, directive.Tool)
		if tool == nil {
			e.Logger.Warn("agent %s requested unknown tool %q", spec.Agent.ID, directive.Tool)
		} else {
			fmt.Fprintf(narration, "Using tool: %s\n", tool.Name)
			result, toolErr := tool.Call(ctx, directive.Arguments)
			if toolErr != nil {
				result = "tool error: " + toolErr.Error()
			}
			messages = append(messages,
				llm.Message{Role: "assistant", Content: response},
				llm.Message{Role: "user", Content: "Tool result:\n" + result + "\n\nNow produce your final answer."},
			)
			response, err = client.Complete(ctx, messages, llm.Options{Temperature: 0.7})
			if err != nil {
				return "", err
			}
		}
	}

	return strings.TrimSpace(response), nil
}

func systemPrompt(spec executor.AgentSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s.\n", spec.Agent.DisplayName(), spec.Agent.Role)
	if spec.Agent.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", spec.Agent.Goal)
	}
	if spec.Agent.Backstory != "" {
		fmt.Fprintf(&b, "Background: %s\n", spec.Agent.Backstory)
	}
	if len(spec.Tools) > 0 {
		b.WriteString("\nYou may call one tool by replying with ONLY a JSON object ")
		b.WriteString(`{"tool": "<name>", "arguments": {...}}. Available tools:` + "\n")
		for _, t := range spec.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}
	b.WriteString("\nComplete the task and respond with the deliverable only.")
	return b.String()
}

func taskPrompt(task domain.Task, inputs map[string]any, outputs map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n", task.Name, task.Description)
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&b, "\nExpected output: %s\n", task.ExpectedOutput)
	}
	if len(inputs) > 0 {
		b.WriteString("\nInputs:\n")
		keys := make([]string, 0, len(inputs))
		for k := range inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, inputs[k])
		}
	}
	for _, ctxID := range task.ContextIDs {
		if prev, ok := outputs[ctxID]; ok && prev != "" {
			fmt.Fprintf(&b, "\nContext from %s:\n%s\n", ctxID, prev)
		}
	}
	return b.String()
}

// toolDirective is the single-tool-call protocol the system prompt describes.
type toolDirective struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

func parseToolDirective(response string) *toolDirective {
	trimmed := strings.TrimSpace(response)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var directive toolDirective
	if err := json.Unmarshal([]byte(trimmed), &directive); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(trimmed)
		if repairErr != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(repaired), &directive); err != nil {
			return nil
		}
	}
	if directive.Tool == "" {
		return nil
	}
	return &directive
}

func findTool(tools []mcp.Tool, name string) *mcp.Tool {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}
