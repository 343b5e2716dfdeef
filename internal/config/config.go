// Package config loads the spec.md §6 option table from YAML/env via viper,
// the way ppomes-TokenShield/cli/main.go's initConfig wires
// cobra.OnInitialize/viper.AddConfigPath — generalized from a CLI session
// config to the icapd server config, and shared verbatim by icapctl so both
// binaries agree on defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of options spec.md §6 lists for the connection
// server, transaction deadlines, and body/header caps.
type Config struct {
	Listen                  string        `mapstructure:"listen"`
	MaxConnections          int           `mapstructure:"max_connections"`
	MaxConnectionsPerClient int           `mapstructure:"max_connections_per_client"`
	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
	TransactionDeadline     time.Duration `mapstructure:"transaction_deadline"`
	MaxHeaderBytes          int           `mapstructure:"max_header_bytes"`
	MaxBodyBytes            int64         `mapstructure:"max_body_bytes"`
	MaxChunkBytes           int64         `mapstructure:"max_chunk_bytes"`
	PreviewSize             int           `mapstructure:"preview_size"`
	ISTag                   string        `mapstructure:"istag"`
	ShutdownGrace           time.Duration `mapstructure:"shutdown_grace"`
	Service                 string        `mapstructure:"service"`

	// ForceOKOnAllow is the Q2 compatibility escape hatch (off by default).
	ForceOKOnAllow bool `mapstructure:"force_ok_on_allow"`

	// AuditPath / AuditQueueSize configure the file-backed AuditSink.
	AuditPath      string `mapstructure:"audit_path"`
	AuditQueueSize int    `mapstructure:"audit_queue_size"`

	// TokenShieldDSN / TokenShieldKey configure the tokenshield filter stage.
	// Leaving TokenShieldDSN empty disables the stage entirely (OPTIONS then
	// advertises a bare passthrough pipeline).
	TokenShieldDSN string `mapstructure:"tokenshield_dsn"`
	TokenShieldKey string `mapstructure:"tokenshield_key"`
}

// Defaults mirrors spec.md §6's configuration-option table exactly.
func Defaults() Config {
	return Config{
		Listen:                  "0.0.0.0:1344",
		MaxConnections:          1000,
		MaxConnectionsPerClient: 10,
		ConnectionTimeout:       30 * time.Second,
		RequestTimeout:          60 * time.Second,
		TransactionDeadline:     30 * time.Second,
		MaxHeaderBytes:          65536,
		MaxBodyBytes:            1 << 30,
		MaxChunkBytes:           1 << 30,
		PreviewSize:             4096,
		ISTag:                   "",
		ShutdownGrace:           30 * time.Second,
		Service:                 "TokenShield ICAP Service",
		AuditPath:               "",
		AuditQueueSize:          1024,
		TokenShieldDSN:          "",
		TokenShieldKey:          "",
	}
}

// Load reads configuration from cfgFile (if non-empty), else from the first
// of $HOME/.icapd.yaml and ./.icapd.yaml that exists, then layers environment variables (ICAP_-prefixed) over
// the spec.md §6 defaults — the same search-path/precedence shape as
// ppomes-TokenShield/cli/main.go's initConfig, generalized from a
// session-config file to a server config file.
func Load(cfgFile string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("ICAP")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".icapd")
	}

	setViperDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return Config{}, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

func setViperDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("max_connections", cfg.MaxConnections)
	v.SetDefault("max_connections_per_client", cfg.MaxConnectionsPerClient)
	v.SetDefault("connection_timeout", cfg.ConnectionTimeout)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("transaction_deadline", cfg.TransactionDeadline)
	v.SetDefault("max_header_bytes", cfg.MaxHeaderBytes)
	v.SetDefault("max_body_bytes", cfg.MaxBodyBytes)
	v.SetDefault("max_chunk_bytes", cfg.MaxChunkBytes)
	v.SetDefault("preview_size", cfg.PreviewSize)
	v.SetDefault("istag", cfg.ISTag)
	v.SetDefault("shutdown_grace", cfg.ShutdownGrace)
	v.SetDefault("service", cfg.Service)
	v.SetDefault("force_ok_on_allow", cfg.ForceOKOnAllow)
	v.SetDefault("audit_path", cfg.AuditPath)
	v.SetDefault("audit_queue_size", cfg.AuditQueueSize)
	v.SetDefault("tokenshield_dsn", cfg.TokenShieldDSN)
	v.SetDefault("tokenshield_key", cfg.TokenShieldKey)
}
