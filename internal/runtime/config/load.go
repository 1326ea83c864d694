package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// File is the layout of a nexbus configuration file.
type File struct {
	Bus     Config        `mapstructure:"bus"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig configures the inspection HTTP server of the CLI.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// CORSAllowedOrigins lists origins allowed to call the inspection API.
	// "*" allows any origin; empty disables CORS headers.
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	// FactoryNamespace names the factory hosted by the CLI.
	FactoryNamespace string `mapstructure:"factory_namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configPath (or nexbus.yaml from the usual locations when empty)
// and NEXBUS_* environment variables. A missing file is not an error.
func Load(configPath string) (*File, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("nexbus")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.nexbus")
		v.AddConfigPath("/etc/nexbus")
	}

	v.SetEnvPrefix("NEXBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	f.Bus = f.Bus.WithDefaults()

	if err := f.Bus.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bus configuration: %w", err)
	}
	return &f, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("bus.namespace", def.Namespace)
	v.SetDefault("bus.store_driver", def.StoreDriver)
	v.SetDefault("bus.persistence_enabled", false)
	v.SetDefault("bus.deduplication_enabled", def.DeduplicationEnabled)
	v.SetDefault("bus.deduplication_window", def.DeduplicationWindow)
	v.SetDefault("bus.handler_timeout", def.HandlerTimeout)
	v.SetDefault("bus.max_concurrent_handlers", def.MaxConcurrentHandlers)
	v.SetDefault("bus.circuit_breaker_enabled", false)
	v.SetDefault("bus.pattern_cache_size", def.PatternCacheSize)
	v.SetDefault("bus.pattern_cache_ttl", def.PatternCacheTTL)
	v.SetDefault("bus.pattern_cache_sweep_interval", def.PatternCacheSweepInterval)
	v.SetDefault("bus.metrics_enabled", def.MetricsEnabled)
	v.SetDefault("bus.metrics_interval", def.MetricsInterval)
	v.SetDefault("bus.shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("bus.max_payload_bytes", def.MaxPayloadBytes)
	v.SetDefault("bus.sqlite_file", "")
	v.SetDefault("bus.postgres_url", "")
	v.SetDefault("bus.cross_instance_communication", false)

	v.SetDefault("server.address", "127.0.0.1:8090")
	v.SetDefault("server.cors_allowed_origins", []string{})
	v.SetDefault("server.factory_namespace", "nexbus")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}
