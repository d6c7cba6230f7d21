// Package domain holds the entities shared by the planner, executor, session
// and store layers: agents, tasks, plans, runs, conversations and messages.
package domain

import "time"

// Agent is a named LLM-backed role. Immutable once loaded into a run.
type Agent struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Role      string   `json:"role"`
	Goal      string   `json:"goal"`
	Backstory string   `json:"backstory"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

// DisplayName returns the label shown to users for this agent.
func (a Agent) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Role != "" {
		return a.Role
	}
	return "Agent"
}

// Task is one unit of work assigned to an agent. Order defines the execution
// sequence; ContextIDs name predecessor tasks whose output becomes input.
type Task struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ExpectedOutput string   `json:"expectedOutput"`
	Order          int      `json:"order"`
	AgentID        string   `json:"agentId"`
	ContextIDs     []string `json:"contextIds,omitempty"`
	// Synthetic marks injected memory-compression tasks. They are excluded
	// from all user-visible output.
	Synthetic bool `json:"synthetic,omitempty"`
}

// ProcessKind selects how the engine schedules tasks.
type ProcessKind string

const (
	ProcessSequential   ProcessKind = "sequential"
	ProcessHierarchical ProcessKind = "hierarchical"
)

// Plan is the assembler's output: resolved agents plus ordered tasks. Built
// fresh per run and embedded into the Run snapshot for audit, never persisted
// as its own entity.
type Plan struct {
	Name    string      `json:"name,omitempty"`
	Agents  []Agent     `json:"agents"`
	Tasks   []Task      `json:"tasks"`
	Process ProcessKind `json:"process"`
	// MemoryAgentID identifies the agent owning synthetic compression tasks,
	// if memory injection was applied.
	MemoryAgentID string `json:"memoryAgentId,omitempty"`
}

// VisibleAgents returns the roster shown to users, excluding the memory agent.
func (p *Plan) VisibleAgents() []Agent {
	if p.MemoryAgentID == "" {
		return p.Agents
	}
	visible := make([]Agent, 0, len(p.Agents))
	for _, a := range p.Agents {
		if a.ID != p.MemoryAgentID {
			visible = append(visible, a)
		}
	}
	return visible
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// CanTransition enforces the monotonic run lifecycle.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case RunPending:
		return next != RunPending
	case RunRunning:
		return next.Terminal()
	default:
		return false
	}
}

// RunError is the structured error recorded on a failed run.
type RunError struct {
	Message string `json:"message"`
}

// Run is one execution attempt of a plan.
type Run struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId,omitempty"`
	Objective      string         `json:"objective"`
	Status         RunStatus      `json:"status"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	// PlannedCrew snapshots the assembled plan for audit.
	PlannedCrew *Plan     `json:"plannedCrew,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       *RunError `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
}

// MessageType tags a transcript entry.
type MessageType string

const (
	MessageTypeMessage    MessageType = "message"
	MessageTypeThinking   MessageType = "thinking"
	MessageTypeQuestion   MessageType = "question"
	MessageTypeAnswer     MessageType = "answer"
	MessageTypeToolCall   MessageType = "tool_call"
	MessageTypeToolResult MessageType = "tool_result"
	MessageTypeSystem     MessageType = "system"
	MessageTypeError      MessageType = "error"
	MessageTypeStatus     MessageType = "status"
)

// Ephemeral reports whether entries of this type are streamed live but never
// replayed to a reconnecting client nor fed to summarization.
func (t MessageType) Ephemeral() bool {
	switch t {
	case MessageTypeThinking, MessageTypeToolCall, MessageTypeToolResult,
		MessageTypeStatus, MessageTypeSystem:
		return true
	default:
		return false
	}
}

// SenderUser and SenderSystem are the reserved transcript senders; every other
// sender is an agent display name.
const (
	SenderUser   = "user"
	SenderSystem = "system"
)

// Message is one transcript entry.
type Message struct {
	Key       string         `json:"key"`
	Sender    string         `json:"sender"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ConversationStatus is the lifecycle state of a conversation thread.
type ConversationStatus string

const (
	ConversationActive        ConversationStatus = "active"
	ConversationAwaitingInput ConversationStatus = "awaiting_input"
	ConversationCompleted     ConversationStatus = "completed"
	ConversationFailed        ConversationStatus = "failed"
)

// Conversation is a persistent thread owning a transcript and a sequence of
// runs. At most one run is active at a time.
type Conversation struct {
	ID       string             `json:"id"`
	Title    string             `json:"title"`
	Status   ConversationStatus `json:"status"`
	Messages []Message          `json:"messages"`
	RunIDs   []string           `json:"runIds,omitempty"`
	// ActiveRunID points at the currently executing run, empty when idle.
	ActiveRunID string `json:"activeRunId,omitempty"`
	// LastRunSummary is the rolling summary of the most recently completed
	// run, reused as compact context for follow-up runs.
	LastRunSummary string    `json:"lastRunSummary,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Crew is a stored crew definition users can pick instead of letting the
// planner assemble one.
type Crew struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName,omitempty"`
	Description string      `json:"description,omitempty"`
	Process     ProcessKind `json:"process,omitempty"`
	AgentIDs    []string    `json:"agentIds,omitempty"`
}

// Label returns the name shown when listing crews.
func (c Crew) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}

// InputField describes one required or optional input a skill expects.
type InputField struct {
	Name        string `json:"name"`
	Label       string `json:"label,omitempty"`
	HelpText    string `json:"helpText,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt renders the field as a single question line.
func (f InputField) Prompt() string {
	label := f.Label
	if label == "" {
		label = f.Name
	}
	help := f.HelpText
	if help == "" {
		help = f.Placeholder
	}
	if help != "" {
		return label + " (" + help + ")"
	}
	return label
}

// Skill is a stored playbook the user can apply to a run.
type Skill struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Steps       []string     `json:"steps,omitempty"`
	InputSchema []InputField `json:"inputSchema,omitempty"`
}
