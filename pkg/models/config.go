package models

import "time"

// GatewayConfig holds connection settings for the agent gateway.
type GatewayConfig struct {
	URL            string        `yaml:"url" mapstructure:"url"`
	ClientID       string        `yaml:"client_id" mapstructure:"client_id"`
	Scopes         []string      `yaml:"scopes" mapstructure:"scopes"`
	Token          string        `yaml:"token" mapstructure:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// DetectorConfig holds transcript tailing settings.
type DetectorConfig struct {
	TranscriptDir string        `yaml:"transcript_dir" mapstructure:"transcript_dir"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	InitialWindow int64         `yaml:"initial_window" mapstructure:"initial_window"`
}

// MatchConfig holds the text-similarity thresholds used by the correlator.
// The values are tunable defaults, not business rules.
type MatchConfig struct {
	TaskThreshold  float64 `yaml:"task_threshold" mapstructure:"task_threshold"`
	SubtaskBonus   float64 `yaml:"subtask_bonus" mapstructure:"subtask_bonus"`
	ErrorThreshold float64 `yaml:"error_threshold" mapstructure:"error_threshold"`
	MinTokenLength int     `yaml:"min_token_length" mapstructure:"min_token_length"`
}

// ReconcilerConfig holds the session-finalization windows and guards.
type ReconcilerConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	IdleWindow  time.Duration `yaml:"idle_window" mapstructure:"idle_window"`
	StuckWindow time.Duration `yaml:"stuck_window" mapstructure:"stuck_window"`
	MinRunTime  time.Duration `yaml:"min_run_time" mapstructure:"min_run_time"`
}

// HistoryConfig bounds the durable historical-session record.
type HistoryConfig struct {
	MaxEntries int           `yaml:"max_entries" mapstructure:"max_entries"`
	TTL        time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// Config is the merged taskwatch configuration.
type Config struct {
	BasePath   string           `yaml:"base_path" mapstructure:"base_path"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Detector   DetectorConfig   `yaml:"detector" mapstructure:"detector"`
	Match      MatchConfig      `yaml:"match" mapstructure:"match"`
	Reconciler ReconcilerConfig `yaml:"reconciler" mapstructure:"reconciler"`
	History    HistoryConfig    `yaml:"history" mapstructure:"history"`
}
