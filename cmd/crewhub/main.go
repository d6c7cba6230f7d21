// Command crewhub serves the crew orchestration API: plan-to-task-graph
// compilation and conversational run execution over websockets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crewhub/internal/config"
	"crewhub/internal/domain"
	"crewhub/internal/engine"
	"crewhub/internal/executor"
	"crewhub/internal/llm"
	"crewhub/internal/logging"
	"crewhub/internal/metrics"
	"crewhub/internal/planner"
	"crewhub/internal/server"
	"crewhub/internal/session"
	"crewhub/internal/store"
	"crewhub/internal/store/httpstore"
	"crewhub/internal/store/memstore"
	"crewhub/internal/store/sqlitestore"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	var verbose bool

	root := &cobra.Command{
		Use:     "crewhub",
		Short:   "Crew orchestration service",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logging.SetDefaultLevel(logging.LevelDebug)
			}
			settings, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), settings)
		},
	}
	root.AddCommand(serve)
	return root
}

func runServer(ctx context.Context, settings *config.Settings) error {
	logger := logging.NewComponentLogger("crewhub")

	st, err := openStore(settings, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Sessions resolve agent clients concurrently, so the per-model cache has
	// to be the locking kind.
	clientCache := llm.NewCache(func(model string) (llm.Client, error) {
		return llm.NewClient(llm.Config{
			APIKey:  settings.LLM.APIKey,
			BaseURL: settings.LLM.BaseURL,
			Model:   model,
		}, logger)
	})
	clientFor := func(agent domain.Agent) llm.Client {
		model := agent.Model
		if model == "" {
			model = settings.LLM.Model
		}
		client, err := clientCache.For(model)
		if err != nil {
			logger.Error("create model client for %s: %v", model, err)
			return nil
		}
		return client
	}

	plannerClient, err := llm.NewClient(llm.Config{
		APIKey:  settings.LLM.APIKey,
		BaseURL: settings.LLM.BaseURL,
		Model:   settings.Planner.Model,
	}, logger)
	if err != nil {
		return fmt.Errorf("create planner client: %w", err)
	}

	fallbackClient, err := llm.NewClient(llm.Config{
		APIKey:  settings.LLM.APIKey,
		BaseURL: settings.LLM.BaseURL,
		Model:   settings.LLM.Model,
	}, logger)
	if err != nil {
		return fmt.Errorf("create model client: %w", err)
	}

	m := metrics.Default()
	eng := engine.New(fallbackClient, logging.NewComponentLogger("engine"))
	exec := executor.New(eng, m, logging.NewComponentLogger("executor"))
	oracle := planner.NewOracle(plannerClient, logging.NewComponentLogger("planner"))

	deps := session.Deps{
		Store:    st,
		Oracle:   oracle,
		Executor: exec,
		OracleConfig: planner.OracleConfig{
			Model:     settings.Planner.Model,
			MaxAgents: settings.Planner.MaxAgents,
		},
		ClientFor:       clientFor,
		MemoryAgentID:   settings.Planner.MemoryAgentID,
		MCPServers:      settings.MCPServers,
		Metrics:         m,
		Logger:          logging.NewComponentLogger("session"),
		QuestionTimeout: settings.Session.QuestionTimeout,
	}

	srv := server.New(settings.Server, st, deps, logging.NewComponentLogger("server"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func openStore(settings *config.Settings, logger logging.Logger) (store.Store, error) {
	switch settings.Store.Mode {
	case config.StoreSQLite:
		st, err := sqlitestore.New(settings.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		// Empty catalogs get the built-in defaults so a fresh database is
		// immediately usable.
		agents, err := st.ListAgents(context.Background())
		if err == nil && len(agents) == 0 {
			seed := memstore.NewSeeded()
			a, _ := seed.ListAgents(context.Background())
			c, _ := seed.ListCrews(context.Background())
			sk, _ := seed.ListSkills(context.Background())
			if err := st.SeedCatalog(context.Background(), a, c, sk); err != nil {
				logger.Warn("seed catalog: %v", err)
			}
		}
		return st, nil
	case config.StoreHTTP:
		return httpstore.New(httpstore.Config{
			ProjectID: settings.Store.ProjectID,
			Dataset:   settings.Store.Dataset,
			APIToken:  settings.Store.APIToken,
		}, logger), nil
	default:
		return memstore.NewSeeded(), nil
	}
}
