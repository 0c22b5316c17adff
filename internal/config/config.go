package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tmux      TmuxConfig      `yaml:"tmux"`
	Spawn     SpawnConfig     `yaml:"spawn"`
	Watch     WatchConfig     `yaml:"watch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Activity  ActivityConfig  `yaml:"activity"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

type TmuxConfig struct {
	Bin              string `yaml:"bin"`
	Socket           string `yaml:"socket"`
	CommandTimeoutMs int    `yaml:"command_timeout_ms"`
	SettleDelayMs    int    `yaml:"settle_delay_ms"`
	ConfirmDelayMs   int    `yaml:"confirm_delay_ms"`
	CaptureLines     int    `yaml:"capture_lines"`
}

type SpawnConfig struct {
	Command      string `yaml:"command"`
	DefaultShell string `yaml:"default_shell"`
	NamePrefix   string `yaml:"name_prefix"`
}

type WatchConfig struct {
	PollIntervalMs   int `yaml:"poll_interval_ms"`
	HealthIntervalMs int `yaml:"health_interval_ms"`
	CaptureLines     int `yaml:"capture_lines"`
	SignatureLines   int `yaml:"signature_lines"`
	OptionScanLines  int `yaml:"option_scan_lines"`
}

type SchedulerConfig struct {
	TickMs         int `yaml:"tick_ms"`
	CoalesceMs     int `yaml:"coalesce_ms"`
	MinIntervalMs  int `yaml:"min_interval_ms"`
	MaxAgeMs       int `yaml:"max_age_ms"`
	RevertDelayMs  int `yaml:"revert_delay_ms"`
	RemovalGraceMs int `yaml:"removal_grace_ms"`
}

type StorageConfig struct {
	StateDir string `yaml:"state_dir"`
}

type ActivityConfig struct {
	Enabled    bool `yaml:"enabled"`
	DebounceMs int  `yaml:"debounce_ms"`
}

// LoadConfig reads a YAML config file and fills in defaults for anything
// left unset. A missing file yields the pure-defaults config.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:7680"
	}
	if cfg.Tmux.Bin == "" {
		cfg.Tmux.Bin = "tmux"
	}
	if cfg.Tmux.CommandTimeoutMs == 0 {
		cfg.Tmux.CommandTimeoutMs = 10000
	}
	if cfg.Tmux.SettleDelayMs == 0 {
		cfg.Tmux.SettleDelayMs = 1500
	}
	if cfg.Tmux.ConfirmDelayMs == 0 {
		cfg.Tmux.ConfirmDelayMs = 300
	}
	if cfg.Tmux.CaptureLines == 0 {
		cfg.Tmux.CaptureLines = 200
	}
	if cfg.Spawn.Command == "" {
		cfg.Spawn.Command = "claude"
	}
	if cfg.Spawn.DefaultShell == "" {
		cfg.Spawn.DefaultShell = "/bin/bash"
	}
	if cfg.Spawn.NamePrefix == "" {
		cfg.Spawn.NamePrefix = "relay-"
	}
	if cfg.Watch.PollIntervalMs == 0 {
		cfg.Watch.PollIntervalMs = 1000
	}
	if cfg.Watch.HealthIntervalMs == 0 {
		cfg.Watch.HealthIntervalMs = 5000
	}
	if cfg.Watch.CaptureLines == 0 {
		cfg.Watch.CaptureLines = 30
	}
	if cfg.Watch.SignatureLines == 0 {
		cfg.Watch.SignatureLines = 10
	}
	if cfg.Watch.OptionScanLines == 0 {
		cfg.Watch.OptionScanLines = 15
	}
	if cfg.Scheduler.TickMs == 0 {
		cfg.Scheduler.TickMs = 16
	}
	if cfg.Scheduler.CoalesceMs == 0 {
		cfg.Scheduler.CoalesceMs = 100
	}
	if cfg.Scheduler.MinIntervalMs == 0 {
		cfg.Scheduler.MinIntervalMs = 80
	}
	if cfg.Scheduler.MaxAgeMs == 0 {
		cfg.Scheduler.MaxAgeMs = 2000
	}
	if cfg.Scheduler.RevertDelayMs == 0 {
		cfg.Scheduler.RevertDelayMs = 1500
	}
	if cfg.Scheduler.RemovalGraceMs == 0 {
		cfg.Scheduler.RemovalGraceMs = 5000
	}
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = defaultStateDir()
	}
	if cfg.Activity.DebounceMs == 0 {
		cfg.Activity.DebounceMs = 500
	}

	// Optional environment overrides for secrets.
	if envToken := os.Getenv("RELAYD_TOKEN"); envToken != "" {
		cfg.Server.Token = envToken
	}

	return &cfg, nil
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.local/state/relayd"
	}
	return "/var/lib/relayd"
}
