package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Session   SessionConfig   `json:"session"`
	Providers ProvidersConfig `json:"providers"`
	Personas  PersonasConfig  `json:"personas"`
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	mu        sync.RWMutex
}

type SessionConfig struct {
	Provider       string  `json:"provider" env:"ROLEPLAY_SESSION_PROVIDER"`
	Model          string  `json:"model" env:"ROLEPLAY_SESSION_MODEL"`
	MaxTokens      int     `json:"max_tokens" env:"ROLEPLAY_SESSION_MAX_TOKENS"`
	Temperature    float64 `json:"temperature" env:"ROLEPLAY_SESSION_TEMPERATURE"`
	DefaultPersona string  `json:"default_persona" env:"ROLEPLAY_SESSION_DEFAULT_PERSONA"`
	HistoryWindow  int     `json:"history_window" env:"ROLEPLAY_SESSION_HISTORY_WINDOW"` // messages after the system prompt, 0 = all
}

type ProvidersConfig struct {
	Zhipu      ProviderConfig `json:"zhipu" envPrefix:"ROLEPLAY_PROVIDERS_ZHIPU_"`
	OpenRouter ProviderConfig `json:"openrouter" envPrefix:"ROLEPLAY_PROVIDERS_OPENROUTER_"`
	OpenAI     OpenAIConfig   `json:"openai" envPrefix:"ROLEPLAY_PROVIDERS_OPENAI_"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"API_KEY"`
	APIBase string `json:"api_base" env:"API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"PROXY"`
}

type OpenAIConfig struct {
	APIKey           string `json:"api_key" env:"API_KEY"`
	OAuthAccessToken string `json:"oauth_access_token,omitempty" env:"OAUTH_ACCESS_TOKEN"`
	OAuthTokenFile   string `json:"oauth_token_file,omitempty" env:"OAUTH_TOKEN_FILE"`
	APIBase          string `json:"api_base" env:"API_BASE"`
	Proxy            string `json:"proxy,omitempty" env:"PROXY"`
	Organization     string `json:"organization,omitempty" env:"ORGANIZATION"`
	Project          string `json:"project,omitempty" env:"PROJECT"`
}

type PersonasConfig struct {
	TableFile string `json:"table_file" env:"ROLEPLAY_PERSONAS_TABLE_FILE"` // YAML; empty uses the built-in table
	MemoryDir string `json:"memory_dir" env:"ROLEPLAY_PERSONAS_MEMORY_DIR"`
}

type StorageConfig struct {
	ChatLogPath string `json:"chat_log_path" env:"ROLEPLAY_STORAGE_CHAT_LOG_PATH"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"ROLEPLAY_GATEWAY_HOST"`
	Port int    `json:"port" env:"ROLEPLAY_GATEWAY_PORT"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"ROLEPLAY_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"ROLEPLAY_CHANNELS_DISCORD_ALLOW_FROM"`
}

func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Provider:       "zhipu",
			Model:          "glm-4-flash",
			MaxTokens:      2048,
			Temperature:    0.5,
			DefaultPersona: "grandma",
			HistoryWindow:  0,
		},
		Providers: ProvidersConfig{
			Zhipu:      ProviderConfig{},
			OpenRouter: ProviderConfig{},
			OpenAI:     OpenAIConfig{},
		},
		Personas: PersonasConfig{
			TableFile: "",
			MemoryDir: "~/.roleplay/memory",
		},
		Storage: StorageConfig{
			ChatLogPath: "~/.roleplay/state/chatlog.db",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
	}
}

// LoadConfig reads path over the defaults and then applies ROLEPLAY_*
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) MemoryDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Personas.MemoryDir)
}

func (c *Config) ChatLogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Storage.ChatLogPath)
}

func (c *Config) PersonaTablePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Personas.TableFile)
}

func (c *Config) GatewayAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// ExpandHome resolves a leading ~ to the current user's home directory.
func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
