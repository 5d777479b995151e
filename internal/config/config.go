package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "hedge"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回仅由默认值组成的配置，便于测试与命令行工具复用。
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.plan_path", "")

	v.SetDefault("sync.drain_interval", "1s")
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.debounce_window", "100ms")
	v.SetDefault("sync.retry.max_attempts", 3)
	v.SetDefault("sync.retry.min_delay", "1s")
	v.SetDefault("sync.retry.max_delay", "30s")
	v.SetDefault("sync.rate_limit", 20.0)
	v.SetDefault("sync.rate_burst", 10)
	v.SetDefault("sync.health_interval", "10s")
	v.SetDefault("sync.heartbeat_timeout", "30s")
	v.SetDefault("sync.resubscribe_attempts", 5)
	v.SetDefault("sync.ledger_size", 1000)
	v.SetDefault("sync.conflict_policy", "timestamp")
	v.SetDefault("sync.force_sync_on_reconnect", true)

	v.SetDefault("trailing.stale_after", "24h")
	v.SetDefault("trailing.validation_interval", "5m")

	v.SetDefault("execution.max_concurrency", 3)
	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.step_timeout", "30s")
	v.SetDefault("execution.retry_delay", "500ms")

	v.SetDefault("risk.max_loss_threshold", 1000.0)
	v.SetDefault("risk.max_position_size_change", 10.0)
	v.SetDefault("risk.min_margin_level", 150.0)
	v.SetDefault("risk.blacklist", []string{})
	v.SetDefault("risk.min_success_rate", 0.5)
	v.SetDefault("risk.min_steps_for_rate", 5)
	v.SetDefault("risk.max_failed_steps", 3)

	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.listen_addr", "127.0.0.1:8080")
	v.SetDefault("bridge.auth_token", "")
	v.SetDefault("bridge.max_connections", 10)
	v.SetDefault("bridge.heartbeat_interval", "30s")
	v.SetDefault("bridge.connection_timeout", "5m")

	v.SetDefault("monitor.port", 9090)
	v.SetDefault("monitor.retention", "168h")

	v.SetDefault("database.path", "data/hedge_core.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
