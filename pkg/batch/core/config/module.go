package config

import "go.uber.org/fx"

// NewLoggingConfigProvider extracts *LoggingConfig from *Config.
func NewLoggingConfigProvider(cfg *Config) *LoggingConfig {
	return &cfg.BatchCursor.System.Logging
}

// Module exposes sections of a supplied *Config to Fx.
var Module = fx.Options(
	fx.Provide(NewLoggingConfigProvider),
)
