package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// AgentConfig holds settings for the agent backend
type AgentConfig struct {
	Provider     string `json:"provider"` // currently "anthropic" or "mock"
	Model        string `json:"model,omitempty"`
	APIKeyEnvVar string `json:"api_key_env,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// NarrationConfig holds settings for the narration service
type NarrationConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// Config represents application configuration
type Config struct {
	ListenAddr            string          `json:"listen_addr"`
	AuthToken             string          `json:"auth_token,omitempty"` // generated at startup when empty
	WorkspaceRoot         string          `json:"workspace_root"`
	DebounceSeconds       float64         `json:"debounce_seconds"` // quiet period that ends a turn
	MaxMessageBytes       int64           `json:"max_message_bytes"`
	AgentTimeoutSeconds   int             `json:"agent_timeout_seconds"`
	Agent                 AgentConfig     `json:"agent"`
	Narration             NarrationConfig `json:"narration"`
	LogLevel              string          `json:"log_level"` // debug, info, warn, error, none
	LogPath               string          `json:"log_path"`
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "kestrel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "kestrel")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "kestrel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "kestrel")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "kestrel")
	}
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "kestrel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "kestrel")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "kestrel")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		ListenAddr:          "localhost:8000",
		WorkspaceRoot:       filepath.Join(stateDir, "workspace"),
		DebounceSeconds:     2.0,
		MaxMessageBytes:     1 << 20,
		AgentTimeoutSeconds: 300,
		Agent: AgentConfig{
			Provider:     "anthropic",
			APIKeyEnvVar: "ANTHROPIC_API_KEY",
			MaxTokens:    4096,
		},
		Narration: NarrationConfig{
			TimeoutSeconds: 15,
			MaxRetries:     2,
		},
		LogLevel: "info",
		LogPath:  filepath.Join(stateDir, "kestrel.log"),
	}
}

// GetConfigPath returns the default config file location
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Load loads configuration from file, falling back to defaults for any
// field the file does not set. A missing file is not an error.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if config.ListenAddr == "" {
		config.ListenAddr = "localhost:8000"
	}
	if config.WorkspaceRoot == "" {
		config.WorkspaceRoot = filepath.Join(defaultStateDir(), "workspace")
	}
	if config.DebounceSeconds <= 0 {
		config.DebounceSeconds = 2.0
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = 1 << 20
	}
	if config.AgentTimeoutSeconds <= 0 {
		config.AgentTimeoutSeconds = 300
	}
	if config.Narration.TimeoutSeconds <= 0 {
		config.Narration.TimeoutSeconds = 15
	}
	if config.Narration.MaxRetries < 0 {
		config.Narration.MaxRetries = 0
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(defaultStateDir(), "kestrel.log")
	}

	// Env overrides for deployment without a config file
	if addr := strings.TrimSpace(os.Getenv("KESTREL_LISTEN_ADDR")); addr != "" {
		config.ListenAddr = addr
	}
	if root := strings.TrimSpace(os.Getenv("KESTREL_WORKSPACE_ROOT")); root != "" {
		config.WorkspaceRoot = root
	}
	if token := strings.TrimSpace(os.Getenv("KESTREL_AUTH_TOKEN")); token != "" {
		config.AuthToken = token
	}
	if url := strings.TrimSpace(os.Getenv("KESTREL_NARRATION_URL")); url != "" {
		config.Narration.URL = url
	}

	return config, nil
}

// Save writes configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
