package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrel-voice/kestrel/internal/agent"
	"github.com/kestrel-voice/kestrel/internal/config"
	"github.com/kestrel-voice/kestrel/internal/logger"
	"github.com/kestrel-voice/kestrel/internal/narrate"
	"github.com/kestrel-voice/kestrel/internal/pidfile"
	"github.com/kestrel-voice/kestrel/internal/pprof"
	"github.com/kestrel-voice/kestrel/internal/registry"
	"github.com/kestrel-voice/kestrel/internal/stream"
	"github.com/kestrel-voice/kestrel/internal/vcs"
	"github.com/kestrel-voice/kestrel/internal/workspace"
)

const authTokenLength = 32

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", config.GetConfigPath(), "path to the config file")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	workspaceRoot := flag.String("workspace", "", "workspace root directory (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error, none")
	pprofAddr := flag.String("pprof", "", "serve profiling data on this address (e.g. localhost:6060)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *workspaceRoot != "" {
		cfg.WorkspaceRoot = *workspaceRoot
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	if cfg.AuthToken == "" {
		token, tokenErr := generateAuthToken()
		if tokenErr != nil {
			return fmt.Errorf("failed to generate auth token: %w", tokenErr)
		}
		cfg.AuthToken = token
		logger.Info("Generated auth token for this run")
	}

	lock, err := pidfile.Acquire(cfg.WorkspaceRoot)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			logger.Warn("Failed to release pidfile: %v", releaseErr)
		}
	}()

	if *pprofAddr != "" {
		prof := pprof.NewServer(*pprofAddr, logger.Global())
		prof.Start()
		defer func() {
			if stopErr := prof.Stop(); stopErr != nil {
				logger.Warn("Failed to stop profiling server: %v", stopErr)
			}
		}()
	}

	store, err := workspace.NewStore(cfg.WorkspaceRoot, vcs.NewGit(), logger.Global())
	if err != nil {
		return fmt.Errorf("failed to open workspace root: %w", err)
	}
	reg := registry.New(store, logger.Global())

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	narrator := narrate.NewNarrator(
		cfg.Narration.URL,
		time.Duration(cfg.Narration.TimeoutSeconds)*time.Second,
		cfg.Narration.MaxRetries,
		logger.Global(),
	)

	debounce := time.Duration(cfg.DebounceSeconds * float64(time.Second))
	turnLimit := time.Duration(cfg.AgentTimeoutSeconds) * time.Second
	mux := stream.NewMultiplexer(reg, backend, narrator, debounce, turnLimit, logger.Global())

	srv := stream.NewServer(cfg, store, reg, mux, logger.Global())
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Printf("kestrel listening on %s\n", cfg.ListenAddr)
	fmt.Printf("auth token: %s\n", cfg.AuthToken)
	logger.Info("Workspace root: %s", cfg.WorkspaceRoot)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down")
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	return nil
}

func buildBackend(cfg *config.Config) (agent.Backend, error) {
	switch cfg.Agent.Provider {
	case "", "anthropic":
		return agent.NewAnthropicBackend(cfg.Agent.Model, cfg.Agent.APIKeyEnvVar, cfg.Agent.MaxTokens, logger.Global())
	case "mock":
		// Useful for protocol testing without an API key.
		return &agent.MockBackend{Chunks: []agent.Chunk{
			{Kind: agent.ChunkText, Content: "mock backend ready"},
		}}, nil
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Agent.Provider)
	}
}

func generateAuthToken() (string, error) {
	bytes := make([]byte, authTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
