package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// envToken is the environment variable checked first for the gateway
// credential; a token in the config file is the fallback.
const envToken = "TASKWATCH_GATEWAY_TOKEN"

// ConfigurationManager loads and validates the merged taskwatch
// configuration from the .taskwatchrc file.
type ConfigurationManager interface {
	LoadConfig() (*models.Config, error)
}

// viperConfigManager implements ConfigurationManager using Viper for
// reading the YAML configuration file.
type viperConfigManager struct {
	// basePath is the root directory where .taskwatchrc resides.
	basePath string
}

// NewConfigurationManager creates a ConfigurationManager that reads the
// configuration file relative to basePath.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath}
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig(basePath string) *models.Config {
	return &models.Config{
		BasePath: basePath,
		Gateway: models.GatewayConfig{
			URL:            "ws://127.0.0.1:18789/gateway",
			ClientID:       "taskwatch",
			Scopes:         []string{"sessions.read", "chat.control"},
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
			ReconnectDelay: 3 * time.Second,
			PollInterval:   15 * time.Second,
		},
		Detector: models.DetectorConfig{
			PollInterval:  5 * time.Second,
			InitialWindow: 8 * 1024,
		},
		Match: models.MatchConfig{
			TaskThreshold:  0.4,
			SubtaskBonus:   0.1,
			ErrorThreshold: 0.2,
			MinTokenLength: 2,
		},
		Reconciler: models.ReconcilerConfig{
			Interval:    30 * time.Second,
			IdleWindow:  10 * time.Minute,
			StuckWindow: 30 * time.Minute,
			MinRunTime:  60 * time.Second,
		},
		History: models.HistoryConfig{
			MaxEntries: 50,
			TTL:        24 * time.Hour,
		},
	}
}

// LoadConfig reads .taskwatchrc from the base path using Viper. If the file
// does not exist, defaults are returned. The gateway credential is resolved
// from the environment first, then the config file, first match wins.
func (cm *viperConfigManager) LoadConfig() (*models.Config, error) {
	cfg := DefaultConfig(cm.basePath)

	v := viper.New()
	v.SetConfigName(".taskwatchrc")
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)

	v.SetDefault("base_path", cfg.BasePath)
	v.SetDefault("gateway.url", cfg.Gateway.URL)
	v.SetDefault("gateway.client_id", cfg.Gateway.ClientID)
	v.SetDefault("gateway.scopes", cfg.Gateway.Scopes)
	v.SetDefault("gateway.request_timeout", cfg.Gateway.RequestTimeout)
	v.SetDefault("gateway.max_retries", cfg.Gateway.MaxRetries)
	v.SetDefault("gateway.reconnect_delay", cfg.Gateway.ReconnectDelay)
	v.SetDefault("gateway.poll_interval", cfg.Gateway.PollInterval)
	v.SetDefault("detector.transcript_dir", cfg.Detector.TranscriptDir)
	v.SetDefault("detector.poll_interval", cfg.Detector.PollInterval)
	v.SetDefault("detector.initial_window", cfg.Detector.InitialWindow)
	v.SetDefault("match.task_threshold", cfg.Match.TaskThreshold)
	v.SetDefault("match.subtask_bonus", cfg.Match.SubtaskBonus)
	v.SetDefault("match.error_threshold", cfg.Match.ErrorThreshold)
	v.SetDefault("match.min_token_length", cfg.Match.MinTokenLength)
	v.SetDefault("reconciler.interval", cfg.Reconciler.Interval)
	v.SetDefault("reconciler.idle_window", cfg.Reconciler.IdleWindow)
	v.SetDefault("reconciler.stuck_window", cfg.Reconciler.StuckWindow)
	v.SetDefault("reconciler.min_run_time", cfg.Reconciler.MinRunTime)
	v.SetDefault("history.max_entries", cfg.History.MaxEntries)
	v.SetDefault("history.ttl", cfg.History.TTL)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading .taskwatchrc: %w", err)
		}
	}

	var merged models.Config
	if err := v.Unmarshal(&merged); err != nil {
		return nil, fmt.Errorf("parsing .taskwatchrc: %w", err)
	}

	if token := os.Getenv(envToken); token != "" {
		merged.Gateway.Token = token
	}
	if merged.BasePath == "" {
		merged.BasePath = cm.basePath
	}
	if merged.Detector.TranscriptDir == "" {
		merged.Detector.TranscriptDir = defaultTranscriptDir()
	}

	if err := validateConfig(&merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// WriteDefaultConfig writes a .taskwatchrc populated with the default
// settings into basePath. An existing file is left untouched; the second
// return value reports whether a file was written.
func WriteDefaultConfig(basePath string) (string, bool, error) {
	path := filepath.Join(basePath, ".taskwatchrc")
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("checking %s: %w", path, err)
	}

	cfg := DefaultConfig(basePath)
	// Durations are rendered as strings so the file stays human-editable.
	doc := map[string]any{
		"gateway": map[string]any{
			"url":             cfg.Gateway.URL,
			"client_id":       cfg.Gateway.ClientID,
			"scopes":          cfg.Gateway.Scopes,
			"request_timeout": cfg.Gateway.RequestTimeout.String(),
			"max_retries":     cfg.Gateway.MaxRetries,
			"reconnect_delay": cfg.Gateway.ReconnectDelay.String(),
			"poll_interval":   cfg.Gateway.PollInterval.String(),
		},
		"detector": map[string]any{
			"transcript_dir": defaultTranscriptDir(),
			"poll_interval":  cfg.Detector.PollInterval.String(),
			"initial_window": cfg.Detector.InitialWindow,
		},
		"match": map[string]any{
			"task_threshold":   cfg.Match.TaskThreshold,
			"subtask_bonus":    cfg.Match.SubtaskBonus,
			"error_threshold":  cfg.Match.ErrorThreshold,
			"min_token_length": cfg.Match.MinTokenLength,
		},
		"reconciler": map[string]any{
			"interval":     cfg.Reconciler.Interval.String(),
			"idle_window":  cfg.Reconciler.IdleWindow.String(),
			"stuck_window": cfg.Reconciler.StuckWindow.String(),
			"min_run_time": cfg.Reconciler.MinRunTime.String(),
		},
		"history": map[string]any{
			"max_entries": cfg.History.MaxEntries,
			"ttl":         cfg.History.TTL.String(),
		},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", false, fmt.Errorf("rendering default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", false, fmt.Errorf("writing %s: %w", path, err)
	}
	return path, true, nil
}

// defaultTranscriptDir points at the agent runtime's per-project transcript
// root under the user's home directory.
func defaultTranscriptDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.agent/sessions"
}

func validateConfig(cfg *models.Config) error {
	if cfg.Gateway.URL == "" {
		return &models.ValidationError{Field: "gateway.url", Reason: "must not be empty"}
	}
	if cfg.Match.TaskThreshold < 0 || cfg.Match.TaskThreshold > 1 {
		return &models.ValidationError{Field: "match.task_threshold", Reason: "must be in [0,1]"}
	}
	if cfg.Match.SubtaskBonus < 0 {
		return &models.ValidationError{Field: "match.subtask_bonus", Reason: "must not be negative"}
	}
	if cfg.Gateway.MaxRetries < 0 {
		return &models.ValidationError{Field: "gateway.max_retries", Reason: "must not be negative"}
	}
	if cfg.History.MaxEntries <= 0 {
		return &models.ValidationError{Field: "history.max_entries", Reason: "must be positive"}
	}
	return nil
}
