package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CFGATE_HTTP_LISTEN.
const EnvPrefix = "CFGATE"

type Config struct {
	DataDir  string `json:"data_dir" mapstructure:"data_dir"`
	LogLevel string `json:"log_level" mapstructure:"log_level"`
	HTTP     struct {
		Listen         string   `json:"listen" mapstructure:"listen"`
		WriteTimeoutMS int      `json:"write_timeout_ms" mapstructure:"write_timeout_ms"`
		AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	} `json:"http" mapstructure:"http"`
	Session struct {
		IdleTimeoutMinutes int    `json:"idle_timeout_minutes" mapstructure:"idle_timeout_minutes"`
		ReapSchedule       string `json:"reap_schedule" mapstructure:"reap_schedule"`
	} `json:"session" mapstructure:"session"`
	Queue struct {
		Backend       string `json:"backend" mapstructure:"backend"`
		MaxConcurrent int    `json:"max_concurrent" mapstructure:"max_concurrent"`
		LaneBuffer    int    `json:"lane_buffer" mapstructure:"lane_buffer"`
		RedisAddr     string `json:"redis_addr" mapstructure:"redis_addr"`
		RedisPassword string `json:"redis_password" mapstructure:"redis_password" secret:"true"`
		RedisKey      string `json:"redis_key" mapstructure:"redis_key"`
	} `json:"queue" mapstructure:"queue"`
	Retry struct {
		MaxAttempts    int `json:"max_attempts" mapstructure:"max_attempts"`
		InitialDelayMS int `json:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	} `json:"retry" mapstructure:"retry"`
	Gateway struct {
		DefaultThreshold      float64 `json:"default_threshold" mapstructure:"default_threshold"`
		ThresholdCacheSeconds int     `json:"threshold_cache_seconds" mapstructure:"threshold_cache_seconds"`
		CoachTimeoutSeconds   int     `json:"coach_timeout_seconds" mapstructure:"coach_timeout_seconds"`
	} `json:"gateway" mapstructure:"gateway"`
	AutoTune struct {
		Enabled           bool    `json:"enabled" mapstructure:"enabled"`
		Schedule          string  `json:"schedule" mapstructure:"schedule"`
		WindowDays        int     `json:"window_days" mapstructure:"window_days"`
		TargetSuccessRate float64 `json:"target_success_rate" mapstructure:"target_success_rate"`
		NearMissMargin    float64 `json:"near_miss_margin" mapstructure:"near_miss_margin"`
		NearMissFraction  float64 `json:"near_miss_fraction" mapstructure:"near_miss_fraction"`
		MinSamples        int     `json:"min_samples" mapstructure:"min_samples"`
		Step              float64 `json:"step" mapstructure:"step"`
		Min               float64 `json:"min" mapstructure:"min"`
		Max               float64 `json:"max" mapstructure:"max"`
	} `json:"autotune" mapstructure:"autotune"`
	LLM struct {
		BaseURL          string  `json:"base_url" mapstructure:"base_url"`
		APIKey           string  `json:"api_key" mapstructure:"api_key" secret:"true"`
		Model            string  `json:"model" mapstructure:"model"`
		MaxTokens        int     `json:"max_tokens" mapstructure:"max_tokens"`
		Temperature      float32 `json:"temperature" mapstructure:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens" mapstructure:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve" mapstructure:"output_reserve"`
	} `json:"llm" mapstructure:"llm"`
	Upstream struct {
		BaseURL        string `json:"base_url" mapstructure:"base_url"`
		APIToken       string `json:"api_token" mapstructure:"api_token" secret:"true"`
		AccountID      string `json:"account_id" mapstructure:"account_id"`
		TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	} `json:"upstream" mapstructure:"upstream"`
	Worker struct {
		Enabled bool `json:"enabled" mapstructure:"enabled"`
	} `json:"worker" mapstructure:"worker"`
}

// Defaults returns the configuration written on first run.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		DataDir:  filepath.Join(home, ".cfgate"),
		LogLevel: "info",
	}
	cfg.HTTP.Listen = "127.0.0.1:8787"
	cfg.HTTP.WriteTimeoutMS = 5000
	cfg.HTTP.AllowedOrigins = []string{}
	cfg.Session.IdleTimeoutMinutes = 30
	cfg.Session.ReapSchedule = "@every 1m"
	cfg.Queue.Backend = "memory"
	cfg.Queue.MaxConcurrent = 4
	cfg.Queue.LaneBuffer = 100
	cfg.Queue.RedisAddr = "127.0.0.1:6379"
	cfg.Queue.RedisKey = "cfgate:work"
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelayMS = 1000
	cfg.Gateway.DefaultThreshold = 0.75
	cfg.Gateway.ThresholdCacheSeconds = 30
	cfg.Gateway.CoachTimeoutSeconds = 10
	cfg.AutoTune.Enabled = true
	cfg.AutoTune.Schedule = "@hourly"
	cfg.AutoTune.WindowDays = 7
	cfg.AutoTune.TargetSuccessRate = 0.9
	cfg.AutoTune.NearMissMargin = 0.1
	cfg.AutoTune.NearMissFraction = 0.3
	cfg.AutoTune.MinSamples = 20
	cfg.AutoTune.Step = 0.02
	cfg.AutoTune.Min = 0.5
	cfg.AutoTune.Max = 0.95
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 1024
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Upstream.BaseURL = "https://api.cloudflare.com/client/v4"
	cfg.Upstream.TimeoutSeconds = 30
	cfg.Worker.Enabled = true
	return cfg
}

// envFallbacks are well-known variables honoured after the CFGATE_ ones.
var envFallbacks = map[string]string{
	"llm.api_key":         "OPENAI_API_KEY",
	"llm.base_url":        "OPENAI_BASE_URL",
	"upstream.api_token":  "CLOUDFLARE_API_TOKEN",
	"upstream.account_id": "CLOUDFLARE_ACCOUNT_ID",
}

// Load reads path over the defaults, writing the defaults there first when it
// does not exist. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	defaults := Defaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(path, defaults); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	m, err := ToMap(defaults)
	if err != nil {
		return nil, err
	}
	for k, val := range Flatten(m) {
		v.SetDefault(k, val)
	}

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envFallbacks {
		if err := v.BindEnv(key, envName(key), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate checks values that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	var errs []error
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be memory or redis, got %q", c.Queue.Backend))
	}
	if c.Queue.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("queue.max_concurrent must be at least 1, got %d", c.Queue.MaxConcurrent))
	}
	if t := c.Gateway.DefaultThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("gateway.default_threshold must be in [0,1], got %v", t))
	}
	at := c.AutoTune
	if at.Min < 0 || at.Min > 1 {
		errs = append(errs, fmt.Errorf("autotune.min must be in [0,1], got %v", at.Min))
	}
	if at.Max < 0 || at.Max > 1 {
		errs = append(errs, fmt.Errorf("autotune.max must be in [0,1], got %v", at.Max))
	}
	if at.Min > at.Max {
		errs = append(errs, fmt.Errorf("autotune.min %v exceeds autotune.max %v", at.Min, at.Max))
	}
	if at.Step <= 0 {
		errs = append(errs, fmt.Errorf("autotune.step must be positive, got %v", at.Step))
	} else if at.Min < at.Max && at.Step > at.Max-at.Min {
		errs = append(errs, fmt.Errorf("autotune.step %v is wider than the [%v, %v] band", at.Step, at.Min, at.Max))
	}
	if r := at.TargetSuccessRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("autotune.target_success_rate must be in [0,1], got %v", r))
	}
	if f := at.NearMissFraction; f < 0 || f > 1 {
		errs = append(errs, fmt.Errorf("autotune.near_miss_fraction must be in [0,1], got %v", f))
	}
	if m := at.NearMissMargin; m < 0 || m > 1 {
		errs = append(errs, fmt.Errorf("autotune.near_miss_margin must be in [0,1], got %v", m))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	return errors.Join(errs...)
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.HTTP.WriteTimeoutMS) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutMinutes) * time.Minute
}

func (c *Config) InitialDelay() time.Duration {
	return time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
}

func (c *Config) ThresholdCache() time.Duration {
	return time.Duration(c.Gateway.ThresholdCacheSeconds) * time.Second
}

func (c *Config) CoachTimeout() time.Duration {
	return time.Duration(c.Gateway.CoachTimeoutSeconds) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// DBPath is the SQLite file inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "cfgate.db")
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

// GetValue reads one dot-separated key from the file at path.
func GetValue(path, key string) (any, error) {
	m, err := readFile(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes one dot-separated key into the file at path. raw is parsed
// as JSON when possible, so numbers and booleans keep their type; anything
// else is stored as a string.
func SetValue(path, key, raw string) error {
	m, err := readFile(path)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	flat := Flatten(m)
	flat[key] = v

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}
