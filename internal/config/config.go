package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Engine backends selectable through the engine key.
const (
	EngineWUA       = "wua"
	EngineSimulated = "simulated"
)

type Config struct {
	AgentID   string `mapstructure:"agent_id"`
	ServerURL string `mapstructure:"server_url"`
	AuthToken string `mapstructure:"auth_token"`
	Engine    string `mapstructure:"engine"`

	SearchTimeoutSeconds   int    `mapstructure:"search_timeout_seconds"`
	DownloadTimeoutSeconds int    `mapstructure:"download_timeout_seconds"`
	InstallTimeoutSeconds  int    `mapstructure:"install_timeout_seconds"`
	AutoAcceptEulas        bool   `mapstructure:"auto_accept_eulas"`
	AutoSelectUpdates      bool   `mapstructure:"auto_select_updates"`
	SearchCriteria         string `mapstructure:"search_criteria"`
	DiskPath               string `mapstructure:"disk_path"`

	MaxConcurrentCommands int     `mapstructure:"max_concurrent_commands"`
	CommandQueueSize      int     `mapstructure:"command_queue_size"`
	CommandRatePerSecond  float64 `mapstructure:"command_rate_per_second"`
	CallHistorySize       int     `mapstructure:"call_history_size"`

	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	DataDir string `mapstructure:"data_dir"`
}

func Default() *Config {
	return &Config{
		Engine:                 defaultEngine(),
		SearchTimeoutSeconds:   3600,
		DownloadTimeoutSeconds: 3 * 3600,
		InstallTimeoutSeconds:  3 * 3600,
		AutoSelectUpdates:      true,
		SearchCriteria:         "IsInstalled=0 and IsHidden=0",
		DiskPath:               defaultDiskPath(),
		MaxConcurrentCommands:  4,
		CommandQueueSize:       64,
		CommandRatePerSecond:   20,
		CallHistorySize:        200,
		AuditMaxSizeMB:         20,
		AuditMaxBackups:        3,
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           20,
		LogMaxBackups:          3,
	}
}

// Load reads cfgFile, or wuremote.yaml from the config directory and the
// working directory when cfgFile is empty. A missing file yields defaults.
// Environment variables prefixed with WUREMOTE_ override file values.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("wuremote")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WUREMOTE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg to cfgFile, or to wuremote.yaml in the config directory.
func Save(cfg *Config, cfgFile string) error {
	v := viper.New()
	setDefaults(v, cfg)

	path := cfgFile
	if path == "" {
		path = filepath.Join(configDir(), "wuremote.yaml")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(path); err != nil {
		return err
	}

	// auth_token lives in this file
	return os.Chmod(path, 0600)
}

// setDefaults registers every key so AutomaticEnv can override keys that are
// absent from the file and Save can serialize the full struct.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("agent_id", cfg.AgentID)
	v.SetDefault("server_url", cfg.ServerURL)
	v.SetDefault("auth_token", cfg.AuthToken)
	v.SetDefault("engine", cfg.Engine)
	v.SetDefault("search_timeout_seconds", cfg.SearchTimeoutSeconds)
	v.SetDefault("download_timeout_seconds", cfg.DownloadTimeoutSeconds)
	v.SetDefault("install_timeout_seconds", cfg.InstallTimeoutSeconds)
	v.SetDefault("auto_accept_eulas", cfg.AutoAcceptEulas)
	v.SetDefault("auto_select_updates", cfg.AutoSelectUpdates)
	v.SetDefault("search_criteria", cfg.SearchCriteria)
	v.SetDefault("disk_path", cfg.DiskPath)
	v.SetDefault("max_concurrent_commands", cfg.MaxConcurrentCommands)
	v.SetDefault("command_queue_size", cfg.CommandQueueSize)
	v.SetDefault("command_rate_per_second", cfg.CommandRatePerSecond)
	v.SetDefault("call_history_size", cfg.CallHistorySize)
	v.SetDefault("audit_enabled", cfg.AuditEnabled)
	v.SetDefault("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.SetDefault("audit_max_backups", cfg.AuditMaxBackups)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("data_dir", cfg.DataDir)
}

// GetDataDir returns the directory for audit logs and other runtime state.
func (c *Config) GetDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "WURemote", "data")
	default:
		return "/var/lib/wuremote"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "WURemote")
	case "darwin":
		return "/Library/Application Support/WURemote"
	default:
		return "/etc/wuremote"
	}
}

func defaultEngine() string {
	if runtime.GOOS == "windows" {
		return EngineWUA
	}
	return EngineSimulated
}

func defaultDiskPath() string {
	if runtime.GOOS == "windows" {
		if drive := os.Getenv("SystemDrive"); drive != "" {
			return drive + `\`
		}
		return `C:\`
	}
	return "/"
}
