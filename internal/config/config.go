package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrUnknownKey is returned by GetValue for a key absent from the file.
var ErrUnknownKey = errors.New("unknown config key")

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Account  struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Token    string `json:"token"`
	} `json:"account"`
	Platform struct {
		GraphQLURL        string   `json:"graphql_url"`
		RESTBaseURL       string   `json:"rest_base_url"`
		LoginEndpoints    []string `json:"login_endpoints"`
		UserAgent         string   `json:"user_agent"`
		TimeoutSeconds    int      `json:"timeout_seconds"`
		RequestsPerSecond float64  `json:"requests_per_second"`
	} `json:"platform"`
	Browser struct {
		Enabled           bool   `json:"enabled"`
		Headless          bool   `json:"headless"`
		SelectorsPath     string `json:"selectors_path"`
		ExecPath          string `json:"exec_path"`
		DOMTimeoutSeconds int    `json:"dom_timeout_seconds"`
	} `json:"browser"`
	Engine struct {
		PollIntervalSeconds   int `json:"poll_interval_seconds"`
		RateLimit             int `json:"rate_limit"`
		RateWindowSeconds     int `json:"rate_window_seconds"`
		SenderCooldownSeconds int `json:"sender_cooldown_seconds"`
		MinSendDelayMS        int `json:"min_send_delay_ms"`
		MaxSendDelayMS        int `json:"max_send_delay_ms"`
		MaxRateWaitSeconds    int `json:"max_rate_wait_seconds"`
	} `json:"engine"`
	History struct {
		PageSize int `json:"page_size"`
		MaxPages int `json:"max_pages"`
	} `json:"history"`
	LLM struct {
		Provider        string  `json:"provider"`
		BaseURL         string  `json:"base_url"`
		APIKey          string  `json:"api_key"`
		Model           string  `json:"model"`
		EmbeddingModel  string  `json:"embedding_model"`
		MaxTokens       int     `json:"max_tokens"`
		Temperature     float32 `json:"temperature"`
		MaxPromptTokens int     `json:"max_prompt_tokens"`
	} `json:"llm"`
	Dedup struct {
		Backend   string `json:"backend"`
		RedisURL  string `json:"redis_url"`
		KeyPrefix string `json:"key_prefix"`
	} `json:"dedup"`
	Telegram struct {
		Token          string `json:"token"`
		OperatorChatID int64  `json:"operator_chat_id"`
	} `json:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	AMQP struct {
		URL      string `json:"url"`
		Exchange string `json:"exchange"`
	} `json:"amqp"`
	Schedule struct {
		StatsReport string `json:"stats_report"`
		TokenWatch  string `json:"token_watch"`
	} `json:"schedule"`
	Activation struct {
		Keys []string `json:"keys"`
	} `json:"activation"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".chatpilot"),
		LogLevel: "info",
	}
	cfg.Platform.GraphQLURL = "https://api.fansly.com/graphql"
	cfg.Platform.RESTBaseURL = "https://apiv3.fansly.com"
	cfg.Platform.LoginEndpoints = []string{"https://apiv3.fansly.com", "https://api.fansly.com", "https://fansly.com"}
	cfg.Platform.TimeoutSeconds = 30
	cfg.Platform.RequestsPerSecond = 2

	cfg.Browser.Enabled = true
	cfg.Browser.Headless = true
	cfg.Browser.DOMTimeoutSeconds = 20

	cfg.Engine.PollIntervalSeconds = 30
	cfg.Engine.RateLimit = 10
	cfg.Engine.RateWindowSeconds = 60
	cfg.Engine.SenderCooldownSeconds = 300
	cfg.Engine.MinSendDelayMS = 1000
	cfg.Engine.MaxSendDelayMS = 3000
	cfg.Engine.MaxRateWaitSeconds = 5

	cfg.History.PageSize = 100
	cfg.History.MaxPages = 10

	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.EmbeddingModel = "text-embedding-3-small"
	cfg.LLM.MaxTokens = 50
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxPromptTokens = 512

	cfg.Dedup.Backend = "memory"
	cfg.Dedup.KeyPrefix = "chatpilot:"

	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8787"

	cfg.AMQP.Exchange = "chatpilot.activity"

	cfg.Schedule.StatsReport = "@every 1h"
	cfg.Schedule.TokenWatch = "@every 10m"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment (highest precedence).
func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		"CHATPILOT_TOKEN":    &cfg.Account.Token,
		"CHATPILOT_EMAIL":    &cfg.Account.Email,
		"CHATPILOT_PASSWORD": &cfg.Account.Password,
		"OPENAI_API_KEY":     &cfg.LLM.APIKey,
		"OPENAI_BASE_URL":    &cfg.LLM.BaseURL,
		"TELEGRAM_BOT_TOKEN": &cfg.Telegram.Token,
		"REDIS_URL":          &cfg.Dedup.RedisURL,
		"AMQP_URL":           &cfg.AMQP.URL,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// Save writes cfg to path atomically, creating the directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
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

// ListValues returns every setting under its dotted key, optionally with
// secrets masked.
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

// GetValue reads one dotted key from the file at path, creating the file
// with defaults if missing. Environment overrides are not applied.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return v, nil
}

// SetValue stores value under a dotted key in an existing file. Values that
// parse as JSON (numbers, booleans, arrays) are stored typed, anything else
// as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil || isObject(parsed) {
		parsed = value
	}
	flat[key] = parsed
	data, err := encodeChecked(flat)
	if _, isText := parsed.(string); err != nil && !isText {
		// "123456" for a string field is meant as text.
		flat[key] = value
		data, err = encodeChecked(flat)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// encodeChecked renders flat as config JSON, rejecting values the typed
// config cannot hold.
func encodeChecked(flat map[string]any) ([]byte, error) {
	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return nil, err
	}
	var check Config
	if err := json.Unmarshal(data, &check); err != nil {
		return nil, err
	}
	return data, nil
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}
