package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway  GatewayConfig           `yaml:"gateway"`
	Engine   EngineConfig            `yaml:"engine"`
	Executor ExecutorConfig          `yaml:"executor"`
	Workers  WorkersConfig           `yaml:"workers"`
	Janitor  JanitorConfig           `yaml:"janitor"`
	NATS     NATSConfig              `yaml:"nats"`
	Store    StoreConfig             `yaml:"store"`
	Storage  StorageConfig           `yaml:"storage"`
	Web      WebConfig               `yaml:"web"`
	Swarm    SwarmConfig             `yaml:"swarm"`
	Log      LogConfig               `yaml:"log"`
	Vault    VaultConfig             `yaml:"vault"`
	Tenants  map[string]TenantConfig `yaml:"tenants"`
}

type GatewayConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Referer     string        `yaml:"referer"`
	Title       string        `yaml:"title"`
}

type EngineConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ExecutorConfig struct {
	PollInterval time.Duration            `yaml:"poll_interval"`
	Budgets      map[string]time.Duration `yaml:"budgets"`
}

// Budget returns the wall-clock budget for a job kind, falling back to the
// image budget and finally to five minutes.
func (c ExecutorConfig) Budget(kind string) time.Duration {
	if d, ok := c.Budgets[kind]; ok && d > 0 {
		return d
	}
	if d, ok := c.Budgets["image"]; ok && d > 0 {
		return d
	}
	return 5 * time.Minute
}

type WorkersConfig struct {
	Size  int `yaml:"size"`
	Queue int `yaml:"queue"`
}

type JanitorConfig struct {
	Schedule   string        `yaml:"schedule"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type StorageConfig struct {
	BasePath  string `yaml:"base_path"`
	PublicURL string `yaml:"public_url"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SwarmConfig struct {
	Catalog string `yaml:"catalog"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// TenantConfig carries per-tenant generation defaults.
type TenantConfig struct {
	Name          string            `yaml:"name"`
	SafetyChecker bool              `yaml:"safety_checker"`
	DefaultModels map[string]string `yaml:"default_models"`
}

const DefaultTenantID = "22222222-2222-2222-2222-222222222222"

func defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			BaseURL:     "https://openrouter.ai/api/v1/chat/completions",
			Timeout:     120 * time.Second,
			Temperature: 0.7,
			MaxTokens:   4000,
			Title:       "mediaswarm",
		},
		Engine: EngineConfig{
			BaseURL: "http://localhost:8188",
			Timeout: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			PollInterval: time.Second,
			Budgets: map[string]time.Duration{
				"image": 5 * time.Minute,
				"video": 15 * time.Minute,
				"voice": 5 * time.Minute,
				"text":  5 * time.Minute,
			},
		},
		Workers: WorkersConfig{
			Size:  4,
			Queue: 64,
		},
		Janitor: JanitorConfig{
			Schedule:   "* * * * *",
			StaleAfter: 10 * time.Minute,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/mediaswarm.db",
		},
		Storage: StorageConfig{
			BasePath:  "data/artifacts",
			PublicURL: "http://localhost:8080/files",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tenants: map[string]TenantConfig{
			"11111111-1111-1111-1111-111111111111": {
				Name:          "Studio Uncensored",
				SafetyChecker: false,
				DefaultModels: map[string]string{
					"image": "RealVisXL_V4.0.safetensors",
					"video": "Open-Sora",
					"voice": "xtts_v2",
					"text":  "dolphin-2.6-mistral-7b",
				},
			},
			DefaultTenantID: {
				Name:          "AI Content Studio",
				SafetyChecker: true,
				DefaultModels: map[string]string{
					"image": "JuggernautXL_v9.safetensors",
					"video": "Stable-Video-Diffusion",
					"voice": "xtts_v2",
					"text":  "qwen3-coder",
				},
			},
		},
	}
}

// Tenant returns the tenant's config, or the default tenant's when the id is unknown.
func (c *Config) Tenant(id string) TenantConfig {
	if t, ok := c.Tenants[id]; ok {
		return t
	}
	return c.Tenants[DefaultTenantID]
}

func Path() string {
	if p := os.Getenv("MEDIASWARM_CONFIG"); p != "" {
		return p
	}
	return "config/mediaswarm.yaml"
}

func Load() (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Workers.Size <= 0 {
		return fmt.Errorf("workers.size must be positive")
	}
	if c.Executor.PollInterval <= 0 {
		return fmt.Errorf("executor.poll_interval must be positive")
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}
	if c.Janitor.Schedule != "" && !gronx.New().IsValid(c.Janitor.Schedule) {
		return fmt.Errorf("janitor.schedule: invalid cron expression %q", c.Janitor.Schedule)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("MEDIASWARM_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("MEDIASWARM_ENGINE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("MEDIASWARM_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("MEDIASWARM_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("MEDIASWARM_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("MEDIASWARM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MEDIASWARM_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
