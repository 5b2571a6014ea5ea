package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sevir/capataz/internal/agent"
	"github.com/sevir/capataz/internal/broker"
	"github.com/sevir/capataz/internal/config"
	"github.com/sevir/capataz/internal/proxy"
	"github.com/sevir/capataz/internal/scheduler"
	"github.com/sevir/capataz/internal/server"
	"github.com/sevir/capataz/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	RunE:  runServe,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg := config.DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "config written")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("host", "", "Server host (default: 127.0.0.1)")
	serveCmd.Flags().Int("port", 0, "Server port (default: 8765)")
	serveCmd.Flags().String("store", "", "Path to the task store file")
	serveCmd.Flags().Int("max-parallel", 0, "Maximum parallel assistant processes")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Local .env is optional; absence is not an error.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flag overrides. Flags lookup falls back to zero values when serve
	// runs through the root command.
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if storePath, _ := cmd.Flags().GetString("store"); storePath != "" {
		cfg.Scheduler.StorePath = storePath
	}
	if maxParallel, _ := cmd.Flags().GetInt("max-parallel"); maxParallel != 0 {
		cfg.Scheduler.MaxParallel = maxParallel
	}

	st, err := store.NewFileStore(cfg.Scheduler.StorePath)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer st.Close()

	b := broker.New(logger)

	proxies, settings, err := buildProxies(cfg, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Config{
		MaxParallel:       cfg.Scheduler.MaxParallel,
		Storage:           st,
		Broker:            b,
		Logger:            logger,
		Proxies:           proxies,
		BatchWindow:       cfg.BatchWindow(),
		PermissionTimeout: cfg.PermissionTimeout(),
		EnforcerAttempts:  cfg.Scheduler.EnforcerMaxAttempts,
		NudgeAfter:        cfg.NudgeAfter(),
	})

	srv := server.New(server.Config{
		Addr:          cfg.Address(),
		Logger:        logger,
		Scheduler:     sched,
		Broker:        b,
		Storage:       st,
		Agents:        settings,
		DefaultEngine: cfg.DefaultEngine,
		DefaultModel:  cfg.DefaultModel,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sched.Dispose()
	st.ForceSave()
	return nil
}

// buildProxies starts the provider proxies the configuration enables and
// returns the adapter settings that route CLI traffic through them.
func buildProxies(cfg *config.Config, logger *slog.Logger) (*proxy.Manager, agent.Settings, error) {
	settings := agent.Settings{
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
	}

	pcfg := proxy.Config{
		OpenAI: proxy.OpenAIConfig{
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			APIKey:  os.Getenv("OPENAI_API_KEY"),
		},
	}

	if path := cfg.Providers.Vertex.Credentials; path != "" {
		creds, err := proxy.LoadServiceCredentials(path)
		if err != nil {
			return nil, settings, fmt.Errorf("load vertex credentials: %w", err)
		}
		pcfg.Vertex = proxy.VertexConfig{
			ProjectID:   cfg.Providers.Vertex.ProjectID,
			Region:      cfg.Providers.Vertex.Region,
			Credentials: creds,
		}
	}

	m := proxy.NewManager(pcfg, logger)

	if pcfg.Vertex.Credentials != nil {
		addr, err := m.EnsureVertexProxy()
		if err != nil {
			return nil, settings, fmt.Errorf("start vertex proxy: %w", err)
		}
		settings.ClaudeProxyBaseURL = addr
		settings.ClaudeAuthToken = "proxied"
		logger.Info("vertex proxy ready", "addr", addr)
	} else if pcfg.OpenAI.APIKey != "" {
		addr, err := m.EnsureOpenAIProxy()
		if err != nil {
			return nil, settings, fmt.Errorf("start openai proxy: %w", err)
		}
		settings.ClaudeProxyBaseURL = addr
		settings.ClaudeAuthToken = "proxied"
		logger.Info("openai proxy ready", "addr", addr)
	}

	return m, settings, nil
}
