package mcp

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"crewhub/internal/logging"
)

// Manager connects the configured tool servers for the duration of one run
// and exposes their tools as a flat list.
type Manager struct {
	configs []ServerConfig
	logger  logging.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewManager creates a manager for the given server configurations.
func NewManager(configs []ServerConfig, logger logging.Logger) *Manager {
	return &Manager{
		configs: configs,
		logger:  logging.OrNop(logger),
		clients: make(map[string]*Client),
	}
}

// ConnectAll starts every configured server concurrently. Any failure tears
// down the servers that did connect and returns the first error.
func (m *Manager) ConnectAll(ctx context.Context) error {
	if len(m.configs) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, cfg := range m.configs {
		cfg := cfg
		g.Go(func() error {
			client := NewClient(cfg.Name, NewProcessManager(ProcessConfig{
				Command: cfg.Command,
				Args:    cfg.Args,
				Env:     cfg.Env,
			}))
			if err := client.Start(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", cfg.Name, err)
			}
			m.mu.Lock()
			m.clients[cfg.Name] = client
			m.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.DisconnectAll()
		return err
	}
	m.logger.Info("connected %d tool server(s)", len(m.configs))
	return nil
}

// Tools lists every tool across connected servers, each bound to its server
// client for invocation.
func (m *Manager) Tools(ctx context.Context) ([]Tool, error) {
	m.mu.Lock()
	clients := make(map[string]*Client, len(m.clients))
	for name, c := range m.clients {
		clients[name] = c
	}
	m.mu.Unlock()

	var tools []Tool
	for name, client := range clients {
		schemas, err := client.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools from %s: %w", name, err)
		}
		for _, schema := range schemas {
			server, toolName, c := name, schema.Name, client
			tools = append(tools, Tool{
				Server:      server,
				Name:        toolName,
				Description: schema.Description,
				InputSchema: schema.InputSchema,
				Call: func(ctx context.Context, arguments map[string]any) (string, error) {
					result, err := c.CallTool(ctx, toolName, arguments)
					if err != nil {
						return "", err
					}
					if result.IsError {
						return "", fmt.Errorf("tool %s/%s failed: %s", server, toolName, result.Text())
					}
					return result.Text(), nil
				},
			})
		}
	}
	return tools, nil
}

// DisconnectAll stops every connected server. Errors are logged, not
// returned, so cleanup always completes.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for name, client := range clients {
		if err := client.Stop(); err != nil {
			m.logger.Warn("disconnect %s: %v", name, err)
		}
	}
}
