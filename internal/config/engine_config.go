package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EngineConfig is the typed, layered configuration for the runbook
// engine's ambient stack (store, cache, policy bundle, BPMN client,
// logging). It is populated from config.yaml (if present) with every
// field overridable by an OBPOC_* environment variable — viper layers
// env vars over the file so deployment-specific overrides need no
// code change.
type EngineConfig struct {
	StoreType     string `mapstructure:"store_type"`
	DBConnString  string `mapstructure:"db_conn_string"`
	RedisAddr     string `mapstructure:"redis_addr"`
	OPABundlePath string `mapstructure:"opa_bundle_path"`
	BPMNGRPCAddr  string `mapstructure:"bpmn_grpc_addr"`
	GatewayAddr   string `mapstructure:"gateway_grpc_addr"`
	EventLogPath  string `mapstructure:"event_log_path"`
	LogLevel      string `mapstructure:"log_level"`
}

// LoadEngineConfig reads config.yaml from the given search paths (if
// any exist) and layers OBPOC_* environment variables on top. Every
// variable has a documented default.
func LoadEngineConfig(searchPaths ...string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("OBPOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store_type", "postgresql")
	v.SetDefault("db_conn_string", "postgres://localhost:5432/obpoc?sslmode=disable")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("opa_bundle_path", "./policy/bundle")
	v.SetDefault("bpmn_grpc_addr", "localhost:50051")
	v.SetDefault("gateway_grpc_addr", "localhost:50052")
	v.SetDefault("event_log_path", "./events.jsonl")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
