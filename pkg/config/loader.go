package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration.
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management.
// Precedence is ENV > file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader.
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g. "ODM")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	if envPrefix == "" {
		envPrefix = "ODM"
	}
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	for alias, cs := range defaults.Connections {
		base := "connections." + alias
		v.SetDefault(base+".host", cs.Host)
		v.SetDefault(base+".port", cs.Port)
		v.SetDefault(base+".db", cs.Database)
		v.SetDefault(base+".connect_timeout", cs.ConnectTimeout)
		v.SetDefault(base+".operation_timeout", cs.OperationTimeout)
	}

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks that every declared alias is usable and that slave
// references point at declared aliases.
func (l *ViperLoader) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if len(cfg.Connections) == 0 {
		return fmt.Errorf("at least one connection alias is required")
	}
	for alias, cs := range cfg.Connections {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("connection alias must not be empty")
		}
		if cs.Host == "" {
			return fmt.Errorf("connection %q: host is required", alias)
		}
		if cs.Database == "" {
			return fmt.Errorf("connection %q: db is required", alias)
		}
		if cs.Port < 0 || cs.Port > 65535 {
			return fmt.Errorf("connection %q: invalid port %d", alias, cs.Port)
		}
		for _, slave := range cs.Slaves {
			if _, ok := cfg.Connections[slave]; !ok {
				return fmt.Errorf("connection %q: slave alias %q is not declared", alias, slave)
			}
		}
	}
	return nil
}
