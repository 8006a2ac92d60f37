package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Provider types understood by the backend factory
const (
	BackendOllama     = "ollama"
	BackendAnthropic  = "anthropic"
	BackendOpenAI     = "openai"
	BackendCompatible = "openai_compatible"
)

// Store drivers: "sqlite3" is mattn/go-sqlite3 (cgo), "sqlite" is modernc.org/sqlite
const (
	StoreDriverCGO    = "sqlite3"
	StoreDriverPureGo = "sqlite"
)

// Config holds application configuration
type Config struct {
	Debug           bool             `mapstructure:"debug"`
	DefaultProvider string           `mapstructure:"default_provider"`
	Log             LogConfig        `mapstructure:"log"`
	Telemetry       TelemetryConfig  `mapstructure:"telemetry"`
	Store           StoreConfig      `mapstructure:"store"`
	Providers       []ProviderConfig `mapstructure:"providers" validate:"dive"`
	Fusion          FusionConfig     `mapstructure:"fusion"`
	PreferencesFile string           `mapstructure:"preferences_file"`
	ExportDir       string           `mapstructure:"export_dir"`
}

type LogConfig struct {
	Dir   string `mapstructure:"dir"`
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// TelemetryConfig selects where traces go. With an OTLPEndpoint traces are
// sent over OTLP/HTTP instead of the trace file.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Dir          string `mapstructure:"dir"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite3 sqlite"`
	Path   string `mapstructure:"path" validate:"required"`
}

// ProviderConfig describes one LLM backend. The API key is read from the
// environment variable named by APIKeyEnv so it never lands in the file.
type ProviderConfig struct {
	ID           string `mapstructure:"id" validate:"required"`
	Type         string `mapstructure:"type" validate:"oneof=ollama anthropic openai openai_compatible"`
	Name         string `mapstructure:"name"`
	BaseURL      string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKeyEnv    string `mapstructure:"api_key_env"`
	DefaultModel string `mapstructure:"default_model"`
	MaxTokens    int    `mapstructure:"max_tokens" validate:"gte=0"`
}

// APIKey resolves the provider key from the environment
func (p ProviderConfig) APIKey() string {
	if strings.TrimSpace(p.APIKeyEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
}

// FusionConfig holds the fusion defaults applied to new sessions
type FusionConfig struct {
	Models []string `mapstructure:"models" validate:"max=3"`
	Judge  string   `mapstructure:"judge"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("default_provider", BackendOllama)
	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.file", "fusionchat.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.dir", "logs")
	v.SetDefault("store.driver", StoreDriverCGO)
	v.SetDefault("store.path", "fusionchat.db")
	v.SetDefault("preferences_file", "preferences.yaml")
	v.SetDefault("export_dir", "exports")
}

// DefaultProviders is used when the config file declares none
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{ID: BackendOllama, Type: BackendOllama, Name: "Ollama", BaseURL: "http://localhost:11434", DefaultModel: "llama3:latest"},
		{ID: BackendAnthropic, Type: BackendAnthropic, Name: "Anthropic", APIKeyEnv: "ANTHROPIC_API_KEY", DefaultModel: "claude-sonnet-4-20250514", MaxTokens: 4096},
		{ID: BackendOpenAI, Type: BackendOpenAI, Name: "OpenAI", APIKeyEnv: "OPENAI_API_KEY", DefaultModel: "gpt-4o-mini"},
		{ID: "grok", Type: BackendCompatible, Name: "Grok", BaseURL: "https://api.x.ai/v1", APIKeyEnv: "GROK_API_KEY", DefaultModel: "grok-3"},
	}
}

// EnvFile is loaded into the environment before the config is read, so API
// keys can live next to the config instead of in the shell profile.
var EnvFile = ".env"

var validate = validator.New()

// Load reads the config file (optional) and FUSIONCHAT_* environment overrides
func Load(path string) (*Config, error) {
	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", EnvFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FUSIONCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks provider declarations and the store driver
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("provider without id")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate provider id: %s", id)
		}
		seen[id] = struct{}{}
	}
	if _, ok := c.Provider(c.DefaultProvider); !ok {
		return fmt.Errorf("default provider %q is not declared", c.DefaultProvider)
	}
	return nil
}

// Provider looks up a provider by id
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	id = strings.TrimSpace(id)
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
