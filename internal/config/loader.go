package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, policyledger.yaml/.yml is searched for
// in standard locations. The search requires an explicit YAML extension so
// the binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig then returns ConfigFileNotFoundError, handled by callers.
		viper.SetConfigName("policyledger")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: POLICYLEDGER_STORE_PATH
	viper.SetEnvPrefix("POLICYLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".policyledger"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "policyledger"))
		}
	} else {
		paths = append(paths, "/etc/policyledger")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first policyledger.yaml or .yml found
// in paths, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "policyledger"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar keys so nested values can be
// overridden from the environment. Lists and maps (sagas.approval_levels,
// predicates) come from the config file.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"log.level", "log.format",
		"store.driver", "store.path", "store.snapshot_dir", "store.snapshot_interval",
		"bus.driver", "bus.namespace", "bus.redis.addr", "bus.redis.password", "bus.redis.db",
		"commands.max_retries",
		"sagas.audit_interval", "sagas.tick_interval",
		"conflicts.cache_size",
		"audit.output", "audit.channel_size", "audit.batch_size", "audit.flush_interval",
		"audit.send_timeout", "audit.warning_threshold", "audit.retention_days",
		"audit.max_file_size_mb", "audit.buffer_size",
		"ops.enabled", "ops.addr",
		"telemetry.enabled", "telemetry.metric_interval",
		"dev_mode",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration and applies defaults without dev
// defaults or validation, so CLI flags can still override DevMode.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: environment variables only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the loaded config file path, or "" in
// environment-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
