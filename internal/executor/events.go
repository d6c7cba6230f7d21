package executor

import (
	"time"

	"crewhub/internal/domain"
)

// EventType discriminates the executor's event stream.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventAgentMessage EventType = "agent_message"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
)

// StreamEvent is one normalized event re-emitted from the engine's raw
// narration. Exactly one terminal event (complete or error) is emitted per
// invocation.
type StreamEvent struct {
	Event EventType `json:"event"`

	// Set on agent_message events.
	Type    domain.MessageType `json:"type,omitempty"`
	Agent   string             `json:"agent,omitempty"`
	Content string             `json:"content,omitempty"`
	Tool    string             `json:"tool,omitempty"`

	// Set on run_started.
	Crew   string         `json:"crew,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty"`

	// Set on terminal events.
	FinalOutput string `json:"finalOutput,omitempty"`
	Message     string `json:"message,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

func runStartedEvent(crew string, inputs map[string]any) StreamEvent {
	return StreamEvent{Event: EventRunStarted, Crew: crew, Inputs: inputs, Timestamp: time.Now().UTC()}
}

func agentEvent(msgType domain.MessageType, agent, content string) StreamEvent {
	return StreamEvent{
		Event:     EventAgentMessage,
		Type:      msgType,
		Agent:     agent,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func completeEvent(output string) StreamEvent {
	return StreamEvent{Event: EventComplete, FinalOutput: output, Timestamp: time.Now().UTC()}
}

func errorEvent(message string) StreamEvent {
	return StreamEvent{Event: EventError, Message: message, Timestamp: time.Now().UTC()}
}
