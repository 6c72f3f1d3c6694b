package config

import (
	"corsrules/logger"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DefaultPaths struct {
	ConfigDir    string
	LogPathApp   string
	LogPathProxy string
	CACertPath   string
	CAKeyPath    string
	DBPath       string
	LogLevel     string
}

type Configuration struct {
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Server struct {
		Port           string   `mapstructure:"port"`
		LogPath        string   `mapstructure:"log_path"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	Proxy struct {
		Enabled      bool          `mapstructure:"enabled"`
		Port         string        `mapstructure:"port"`
		CACertPath   string        `mapstructure:"ca_cert_path"`
		CAKeyPath    string        `mapstructure:"ca_key_path"`
		LogPath      string        `mapstructure:"log_path"`
		LogRetention time.Duration `mapstructure:"log_retention"` // Age after which enforcement log entries are pruned; 0 keeps them.
	} `mapstructure:"proxy"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
	Engine struct {
		MaxActiveRules int `mapstructure:"max_active_rules"`
	} `mapstructure:"engine"`
	Store struct {
		DebounceMS int `mapstructure:"debounce_ms"`
	} `mapstructure:"store"`
	Cleanup struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"cleanup"`
}

var AppConfig Configuration

const (
	DefaultServerPort     = "8778"
	DefaultProxyPort      = "8777"
	DefaultMaxActiveRules = 5000
	DefaultDebounceMS     = 500
	DefaultCleanupEvery   = time.Hour
	DefaultLogRetention   = 7 * 24 * time.Hour
)

func expandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// ExpandTilde is exported for the cmd package, which resolves flag paths itself.
func ExpandTilde(path string) (string, error) {
	return expandTilde(path)
}

func GetDefaultConfigPaths() DefaultPaths {
	var paths DefaultPaths
	userConfigDirBase, err := os.UserConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not get user config dir: %v. Using current directory.\n", err)
		userConfigDirBase = "."
	}

	userConfigDir, err := expandTilde(userConfigDirBase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in user config dir '%s': %v. Using potentially literal path.\n", userConfigDirBase, err)
		userConfigDir = userConfigDirBase
	}

	paths.ConfigDir = filepath.Join(userConfigDir, "corsrules")
	logDir := filepath.Join(paths.ConfigDir, "logs")

	paths.LogPathApp = filepath.Join(logDir, "app.log")
	paths.LogPathProxy = filepath.Join(logDir, "proxy.log")
	paths.CACertPath = filepath.Join(paths.ConfigDir, "corsrules-ca.crt")
	paths.CAKeyPath = filepath.Join(paths.ConfigDir, "corsrules-ca.key")
	paths.DBPath = filepath.Join(paths.ConfigDir, "corsrules.db")
	paths.LogLevel = "INFO"
	return paths
}

// newViper builds a viper instance carrying every default.
func newViper(defaults DefaultPaths) *viper.Viper {
	v := viper.New()
	v.SetDefault("database.path", defaults.DBPath)
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.log_path", defaults.LogPathApp)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("proxy.enabled", true)
	v.SetDefault("proxy.port", DefaultProxyPort)
	v.SetDefault("proxy.ca_cert_path", defaults.CACertPath)
	v.SetDefault("proxy.ca_key_path", defaults.CAKeyPath)
	v.SetDefault("proxy.log_path", defaults.LogPathProxy)
	v.SetDefault("proxy.log_retention", DefaultLogRetention)
	v.SetDefault("logging.level", defaults.LogLevel)
	v.SetDefault("engine.max_active_rules", DefaultMaxActiveRules)
	v.SetDefault("store.debounce_ms", DefaultDebounceMS)
	v.SetDefault("cleanup.interval", DefaultCleanupEvery)

	v.AutomaticEnv()
	v.SetEnvPrefix("CORSRULES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// Load reads configuration without touching loggers or the filesystem beyond the config file.
func Load(cfgFile string) (Configuration, string, error) {
	defaults := GetDefaultConfigPaths()
	v := newViper(defaults)

	if cfgFile != "" {
		expandedCfgFile, err := expandTilde(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in config file path '%s': %v. Trying original path.\n", cfgFile, err)
			expandedCfgFile = cfgFile
		}
		v.SetConfigFile(expandedCfgFile)
		v.SetConfigType("yaml")
	} else {
		v.AddConfigPath(defaults.ConfigDir)
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	var cfg Configuration
	configUsedMsg := "Using default/environment configuration."
	readErr := v.ReadInConfig()
	if readErr == nil {
		configUsedMsg = fmt.Sprintf("Using config file: %s", v.ConfigFileUsed())
	} else if _, ok := readErr.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
		return cfg, "", fmt.Errorf("reading config file: %w", readErr)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, "", fmt.Errorf("unable to decode config into struct: %w", err)
	}

	for _, p := range []*string{&cfg.Database.Path, &cfg.Server.LogPath, &cfg.Proxy.LogPath, &cfg.Proxy.CACertPath, &cfg.Proxy.CAKeyPath} {
		expanded, err := expandTilde(*p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in '%s': %v.\n", *p, err)
			continue
		}
		*p = expanded
	}
	if cfg.Engine.MaxActiveRules <= 0 {
		cfg.Engine.MaxActiveRules = DefaultMaxActiveRules
	}
	if cfg.Store.DebounceMS < 0 {
		cfg.Store.DebounceMS = DefaultDebounceMS
	}
	if cfg.Cleanup.Interval <= 0 {
		cfg.Cleanup.Interval = DefaultCleanupEvery
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	return cfg, configUsedMsg, nil
}

func Init(cfgFile string, flagAppLogPath, flagProxyLogPath, flagLogLevel string) error {
	cfg, configUsedMsg, err := Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: %v\n", err)
		return err
	}
	AppConfig = cfg

	if flagAppLogPath != "" {
		if expanded, err := expandTilde(flagAppLogPath); err == nil {
			AppConfig.Server.LogPath = expanded
		} else {
			AppConfig.Server.LogPath = flagAppLogPath
		}
	}
	if flagProxyLogPath != "" {
		if expanded, err := expandTilde(flagProxyLogPath); err == nil {
			AppConfig.Proxy.LogPath = expanded
		} else {
			AppConfig.Proxy.LogPath = flagProxyLogPath
		}
	}
	if flagLogLevel != "" {
		AppConfig.Logging.Level = strings.ToUpper(flagLogLevel)
	}

	if err := os.MkdirAll(filepath.Dir(AppConfig.Database.Path), 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not create database directory %s: %v\n", filepath.Dir(AppConfig.Database.Path), err)
	}

	if err := logger.InitGlobalLoggers(AppConfig.Server.LogPath, AppConfig.Proxy.LogPath, AppConfig.Logging.Level); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to initialize global loggers with final config: %v\n", err)
		return fmt.Errorf("failed to initialize global loggers with final config: %w", err)
	}

	logger.Info(configUsedMsg)
	if flagAppLogPath != "" || flagProxyLogPath != "" || flagLogLevel != "" {
		logger.Info("Log path/level flags may have overridden config file/defaults.")
	}
	if !AppConfig.Proxy.Enabled {
		logger.Warn("Enforcement proxy is DISABLED; rules are synchronized but not applied to traffic.")
	}
	logger.Debug("Final AppConfig Initialized: %+v", AppConfig)
	return nil
}
