package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

const appName = "siteforge"

type Config struct {
	Research   Research   `yaml:"research"`
	Retry      Retry      `yaml:"retry"`
	RateLimits RateLimits `yaml:"rate_limits"`
	DataSource DataSource `yaml:"data_source"`
	Generation Generation `yaml:"generation"`
	Deploy     Deploy     `yaml:"deploy"`
	Freshness  Freshness  `yaml:"freshness"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

// Duration is a time.Duration written as a Go duration string ("90s", "6h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

type Research struct {
	Provider      string   `yaml:"provider"`
	Model         string   `yaml:"model"`
	OllamaURL     string   `yaml:"ollama_url"`
	OpenAIModel   string   `yaml:"openai_model"`
	APIKeyEnv     string   `yaml:"api_key_env"`
	NewsAPIKeyEnv string   `yaml:"newsapi_key_env"`
	MaxTokens     int      `yaml:"max_tokens"`
	CacheTTL      Duration `yaml:"cache_ttl"`
	MaxSources    int      `yaml:"max_sources"`
	RecencyDays   int      `yaml:"recency_days"`
	Feeds         []Feed   `yaml:"feeds"`
	FetchText     bool     `yaml:"fetch_text"`
	ProfilesDir   string   `yaml:"profiles_dir"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      float64  `yaml:"jitter"`
}

type RateLimits struct {
	Default  Duration            `yaml:"default"`
	Channels map[string]Duration `yaml:"channels"`
}

// Intervals returns the per-channel minimum intervals.
func (r RateLimits) Intervals() map[string]time.Duration {
	out := make(map[string]time.Duration, len(r.Channels))
	for k, v := range r.Channels {
		out[k] = v.D()
	}
	return out
}

type DataSource struct {
	RequiredFields    []string `yaml:"required_fields"`
	SheetsAPITokenEnv string   `yaml:"sheets_api_token_env"`
	Timeout           Duration `yaml:"timeout"`
}

type Generation struct {
	OutputDir string `yaml:"output_dir"`
}

type Deploy struct {
	Git    Git    `yaml:"git"`
	Host   string `yaml:"host"`
	Vercel Vercel `yaml:"vercel"`
	Minio  Minio  `yaml:"minio"`
	Verify bool   `yaml:"verify"`
}

type Git struct {
	Enabled     bool   `yaml:"enabled"`
	RemoteURL   string `yaml:"remote_url"`
	Branch      string `yaml:"branch"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
	TokenEnv    string `yaml:"token_env"`
	Force       bool   `yaml:"force"`
}

type Vercel struct {
	APIBase      string   `yaml:"api_base"`
	TokenEnv     string   `yaml:"token_env"`
	TeamID       string   `yaml:"team_id"`
	PollInterval Duration `yaml:"poll_interval"`
	ReadyTimeout Duration `yaml:"ready_timeout"`
}

type Minio struct {
	Endpoint     string `yaml:"endpoint"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	UseSSL       bool   `yaml:"use_ssl"`
	PublicBase   string `yaml:"public_base"`
}

type Freshness struct {
	Interval Duration `yaml:"interval"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for siteforge.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, appName)
}

// DataDir returns the XDG data directory for siteforge.
func DataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// ResolveConfigPath finds the config file following priority:
// explicit path > $XDG_CONFIG_HOME/siteforge/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'siteforge init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg, err := parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Research: Research{
			Provider:      "ollama",
			Model:         "qwen2.5:7b",
			OllamaURL:     "http://localhost:11434",
			OpenAIModel:   "gpt-4o-mini",
			APIKeyEnv:     "OPENAI_API_KEY",
			NewsAPIKeyEnv: "NEWSAPI_KEY",
			MaxTokens:     1024,
			CacheTTL:      Duration(time.Hour),
			MaxSources:    3,
			RecencyDays:   30,
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(30 * time.Second),
			Jitter:      0.5,
		},
		RateLimits: RateLimits{
			Default: Duration(time.Second),
		},
		DataSource: DataSource{
			RequiredFields:    []string{"name", "price", "affiliate_url", "stock_status"},
			SheetsAPITokenEnv: "SHEETS_API_TOKEN",
			Timeout:           Duration(15 * time.Second),
		},
		Generation: Generation{OutputDir: "generated-sites"},
		Deploy: Deploy{
			Git: Git{
				Branch:      "main",
				AuthorName:  "SiteForge",
				AuthorEmail: "siteforge@localhost",
				TokenEnv:    "GIT_TOKEN",
			},
			Host: "local",
			Vercel: Vercel{
				APIBase:      "https://api.vercel.com",
				TokenEnv:     "VERCEL_TOKEN",
				PollInterval: Duration(5 * time.Second),
				ReadyTimeout: Duration(10 * time.Minute),
			},
			Minio: Minio{
				AccessKeyEnv: "MINIO_ACCESS_KEY",
				SecretKeyEnv: "MINIO_SECRET_KEY",
				Bucket:       "siteforge",
			},
			Verify: true,
		},
		Freshness: Freshness{Interval: Duration(6 * time.Hour)},
		Server:    Server{Port: 8000},
		Logging:   Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Deploy.Host {
	case "local", "vercel", "minio":
	default:
		return fmt.Errorf("deploy.host must be one of local, vercel, minio (got %q)", c.Deploy.Host)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}
	if c.Research.MaxSources < 1 || c.Research.MaxSources > 10 {
		return fmt.Errorf("research.max_sources must be between 1 and 10")
	}
	if c.Research.RecencyDays < 1 {
		return fmt.Errorf("research.recency_days must be positive")
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "siteforge.db")
}

// RunLogDir returns where run logs are exported.
func (c *Config) RunLogDir() string {
	return filepath.Join(c.GetDataDir(), "runs")
}

// DeployedDir returns where deployment record files are written.
func (c *Config) DeployedDir() string {
	return filepath.Join(c.GetDataDir(), "deployed")
}

// Env returns the value of the environment variable named by key, or "".
func Env(key string) string {
	if key == "" {
		return ""
	}
	return os.Getenv(key)
}
