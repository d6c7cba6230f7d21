// Package session drives one conversation over a duplex connection: routing
// inbound user messages, suspending on mid-run questions, launching crew runs
// and relaying their event streams.
package session

import "time"

// Inbound message types accepted from the client.
const (
	InboundUserMessage = "user_message"
	InboundAnswer      = "answer"
	InboundPing        = "ping"
)

// Inbound is one client-to-server frame.
type Inbound struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	QuestionID string `json:"questionId,omitempty"`
}

// Outbound message types sent to the client.
const (
	OutUserMessage  = "user_message"
	OutAgentMessage = "agent_message"
	OutQuestion     = "question"
	OutToolCall     = "tool_call"
	OutToolResult   = "tool_result"
	OutThinking     = "thinking"
	OutSystem       = "system"
	OutComplete     = "complete"
	OutError        = "error"
	OutStatus       = "status"
)

// Option is one choice attached to a selection question.
type Option struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Outbound is one server-to-client frame.
type Outbound struct {
	Type          string    `json:"type"`
	Sender        string    `json:"sender,omitempty"`
	Content       string    `json:"content,omitempty"`
	QuestionID    string    `json:"questionId,omitempty"`
	Options       []Option  `json:"options,omitempty"`
	SelectionType string    `json:"selectionType,omitempty"`
	Tool          string    `json:"tool,omitempty"`
	RunID         string    `json:"runId,omitempty"`
	Output        string    `json:"output,omitempty"`
	Status        string    `json:"status,omitempty"`
	Message       string    `json:"message,omitempty"`
	IsReply       bool      `json:"isReply,omitempty"`
	Replayed      bool      `json:"replayed,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
