// Package config loads ODM configuration: logger settings and the named
// connection aliases the connection registry is seeded from.
package config

import (
	"time"

	"github.com/nimburion/odm/pkg/observability/logger"
)

// DefaultPort is the MongoDB port assumed when an alias omits one.
const DefaultPort = 27017

// ConnectionSettings describes one named connection alias.
type ConnectionSettings struct {
	// Host is a full mongodb:// URI or a bare hostname.
	Host string `mapstructure:"host"`
	// Port is ignored when Host is a URI or ReplicaSet is set.
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"db"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// ReplicaSet selects a replica-set-aware client; the port is dropped
	// from the seed list when set.
	ReplicaSet string `mapstructure:"replica_set"`
	// AuthSource is the database to authenticate against when it differs
	// from Database.
	AuthSource     string `mapstructure:"authentication_source"`
	ReadPreference string `mapstructure:"read_preference"`
	// Slaves lists aliases to construct and attach as read-only peers.
	Slaves []string `mapstructure:"slaves"`

	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// Config is the root ODM configuration.
type Config struct {
	// Connections maps alias names to their settings. The "default" alias
	// is the one documents bind to unless their meta names another.
	Connections map[string]ConnectionSettings `mapstructure:"connections"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultAlias is the alias used when none is named.
const DefaultAlias = "default"

// DefaultConfig returns the configuration used when no file or environment
// overrides are present: a single local default alias and JSON info logging.
func DefaultConfig() Config {
	return Config{
		Connections: map[string]ConnectionSettings{
			DefaultAlias: {
				Host:             "localhost",
				Port:             DefaultPort,
				Database:         "test",
				ConnectTimeout:   5 * time.Second,
				OperationTimeout: 5 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  string(logger.InfoLevel),
			Format: string(logger.JSONFormat),
		},
	}
}
