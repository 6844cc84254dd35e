package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds process configuration loaded from flags, env, or config file.
// Chain parameters that operators tune at runtime (contract addresses, the
// charge cap, the RPC endpoint) live in the settings table instead.
type Config struct {
	Listen            string
	PostgresDSN       string
	FallbackRPCURL    string
	ChainID           uint64
	ChargerPrivateKey string
	AdminToken        string
	SettingsTTL       time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	LogLevel          string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHARGERD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("chain-id", uint64(8453))
	v.SetDefault("settings-ttl", 30*time.Second)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Listen:            v.GetString("listen"),
		PostgresDSN:       v.GetString("pg-dsn"),
		FallbackRPCURL:    v.GetString("rpc"),
		ChainID:           v.GetUint64("chain-id"),
		ChargerPrivateKey: v.GetString("charger-private-key"),
		AdminToken:        v.GetString("admin-token"),
		SettingsTTL:       v.GetDuration("settings-ttl"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		LogLevel:          v.GetString("log-level"),
	}

	return cfg, nil
}
