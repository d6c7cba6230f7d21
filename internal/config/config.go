// Package config loads service settings from a YAML file and the environment.
// Environment variables use the CREWHUB_ prefix with underscores for nesting,
// e.g. CREWHUB_SERVER_LISTEN_ADDR.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"crewhub/internal/mcp"
)

// StoreMode selects the persistence backend.
type StoreMode string

const (
	StoreMemory StoreMode = "memory"
	StoreSQLite StoreMode = "sqlite"
	StoreHTTP   StoreMode = "http"
)

// ServerSettings configures the HTTP and websocket surface.
type ServerSettings struct {
	ListenAddr  string   `mapstructure:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// StoreSettings configures persistence.
type StoreSettings struct {
	Mode       StoreMode `mapstructure:"mode"`
	SQLitePath string    `mapstructure:"sqlite_path"`
	ProjectID  string    `mapstructure:"project_id"`
	Dataset    string    `mapstructure:"dataset"`
	APIToken   string    `mapstructure:"api_token"`
}

// LLMSettings configures the model provider.
type LLMSettings struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// PlannerSettings configures plan generation.
type PlannerSettings struct {
	Model     string `mapstructure:"model"`
	MaxAgents int    `mapstructure:"max_agents"`
	// MemoryAgentID selects the catalog agent that owns injected
	// memory-compression tasks. Empty disables memory injection.
	MemoryAgentID string `mapstructure:"memory_agent_id"`
}

// SessionSettings configures conversational behavior.
type SessionSettings struct {
	// QuestionTimeout bounds how long a pending question waits for an answer.
	QuestionTimeout time.Duration `mapstructure:"question_timeout"`
}

// Settings is the full service configuration.
type Settings struct {
	Server     ServerSettings     `mapstructure:"server"`
	Store      StoreSettings      `mapstructure:"store"`
	LLM        LLMSettings        `mapstructure:"llm"`
	Planner    PlannerSettings    `mapstructure:"planner"`
	Session    SessionSettings    `mapstructure:"session"`
	MCPServers []mcp.ServerConfig `mapstructure:"mcp_servers"`
}

// Load reads settings from the optional config file and the environment.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CREWHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("crewhub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.crewhub")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("store.mode", string(StoreMemory))
	v.SetDefault("store.sqlite_path", "data/crewhub.db")
	v.SetDefault("store.dataset", "production")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("planner.model", "gpt-4o")
	v.SetDefault("planner.max_agents", 6)
	v.SetDefault("planner.memory_agent_id", "agent-narrative-governor")
	v.SetDefault("session.question_timeout", 600*time.Second)
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	switch s.Store.Mode {
	case StoreMemory, StoreSQLite, StoreHTTP:
	default:
		return fmt.Errorf("unknown store mode %q", s.Store.Mode)
	}
	if s.Store.Mode == StoreSQLite && strings.TrimSpace(s.Store.SQLitePath) == "" {
		return fmt.Errorf("store.sqlite_path is required for sqlite mode")
	}
	if s.Store.Mode == StoreHTTP && (s.Store.ProjectID == "" || s.Store.APIToken == "") {
		return fmt.Errorf("store.project_id and store.api_token are required for http mode")
	}
	if s.Session.QuestionTimeout <= 0 {
		return fmt.Errorf("session.question_timeout must be positive")
	}
	if s.Planner.MaxAgents <= 0 {
		return fmt.Errorf("planner.max_agents must be positive")
	}
	return nil
}
