package mcp

import "context"

// ServerConfig declares one tool server to connect at run start.
type ServerConfig struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
}

// Tool is one callable tool exposed by a connected server, flattened for
// consumption by agents.
type Tool struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]any
	Call        func(ctx context.Context, arguments map[string]any) (string, error)
}
