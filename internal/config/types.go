package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Trailing  TrailingConfig  `mapstructure:"trailing"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	PlanPath    string `mapstructure:"plan_path"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SyncConfig 控制本地与远端的同步节奏。
type SyncConfig struct {
	DrainInterval        time.Duration `mapstructure:"drain_interval"`
	BatchSize            int           `mapstructure:"batch_size"`
	DebounceWindow       time.Duration `mapstructure:"debounce_window"`
	Retry                RetryConfig   `mapstructure:"retry"`
	RateLimit            float64       `mapstructure:"rate_limit"`
	RateBurst            int           `mapstructure:"rate_burst"`
	HealthInterval       time.Duration `mapstructure:"health_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	ResubscribeAttempts  int           `mapstructure:"resubscribe_attempts"`
	LedgerSize           int           `mapstructure:"ledger_size"`
	ConflictPolicy       string        `mapstructure:"conflict_policy"`
	ForceSyncOnReconnect bool          `mapstructure:"force_sync_on_reconnect"`
}

// TrailingConfig 控制追踪止损引擎。
type TrailingConfig struct {
	StaleAfter         time.Duration      `mapstructure:"stale_after"`
	ValidationInterval time.Duration      `mapstructure:"validation_interval"`
	PointValues        map[string]float64 `mapstructure:"point_values"`
}

// ExecutionConfig 控制再平衡执行引擎。
type ExecutionConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	StepTimeout    time.Duration `mapstructure:"step_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// RiskConfig 管理执行前安全检查及紧急停止阈值。
type RiskConfig struct {
	MaxLossThreshold      float64  `mapstructure:"max_loss_threshold"`
	MaxPositionSizeChange float64  `mapstructure:"max_position_size_change"`
	MinMarginLevel        float64  `mapstructure:"min_margin_level"`
	Blacklist             []string `mapstructure:"blacklist"`
	MinSuccessRate        float64  `mapstructure:"min_success_rate"`
	MinStepsForRate       int      `mapstructure:"min_steps_for_rate"`
	MaxFailedSteps        int      `mapstructure:"max_failed_steps"`
}

// BridgeConfig 描述终端桥接服务。
type BridgeConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ListenAddr        string        `mapstructure:"listen_addr"`
	AuthToken         string        `mapstructure:"auth_token"`
	MaxConnections    int           `mapstructure:"max_connections"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Port      int           `mapstructure:"port"`
	Retention time.Duration `mapstructure:"retention"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if c.Sync.DrainInterval <= 0 {
		err = multierr.Append(err, errors.New("sync.drain_interval 必须大于0"))
	}
	if c.Sync.BatchSize <= 0 {
		err = multierr.Append(err, errors.New("sync.batch_size 必须大于0"))
	}
	if c.Sync.DebounceWindow < 0 {
		err = multierr.Append(err, errors.New("sync.debounce_window 不能为负"))
	}
	if c.Sync.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("sync.retry.max_attempts 必须大于0"))
	}
	if c.Sync.Retry.MinDelay <= 0 || c.Sync.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("sync.retry.delay 必须为正"))
	}
	if c.Sync.Retry.MinDelay > c.Sync.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("sync.retry.min_delay 不能大于 max_delay"))
	}
	if c.Sync.RateLimit < 0 || c.Sync.RateBurst < 0 {
		err = multierr.Append(err, errors.New("sync.rate_limit/rate_burst 不能为负"))
	}
	if c.Sync.HealthInterval <= 0 {
		err = multierr.Append(err, errors.New("sync.health_interval 必须大于0"))
	}
	if c.Sync.HeartbeatTimeout < c.Sync.HealthInterval {
		err = multierr.Append(err, errors.New("sync.heartbeat_timeout 不应小于 health_interval"))
	}
	if c.Sync.ResubscribeAttempts <= 0 {
		err = multierr.Append(err, errors.New("sync.resubscribe_attempts 必须大于0"))
	}
	if c.Sync.LedgerSize <= 0 {
		err = multierr.Append(err, errors.New("sync.ledger_size 必须大于0"))
	}
	switch strings.ToLower(c.Sync.ConflictPolicy) {
	case "timestamp", "remote", "local":
	default:
		err = multierr.Append(err, fmt.Errorf("sync.conflict_policy 不支持: %q", c.Sync.ConflictPolicy))
	}

	if c.Trailing.StaleAfter <= 0 {
		err = multierr.Append(err, errors.New("trailing.stale_after 必须大于0"))
	}
	if c.Trailing.ValidationInterval <= 0 {
		err = multierr.Append(err, errors.New("trailing.validation_interval 必须大于0"))
	}
	for symbol, point := range c.Trailing.PointValues {
		if point <= 0 {
			err = multierr.Append(err, fmt.Errorf("trailing.point_values[%s] 必须大于0", symbol))
		}
	}

	if c.Execution.MaxConcurrency <= 0 {
		err = multierr.Append(err, errors.New("execution.max_concurrency 必须大于0"))
	}
	if c.Execution.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("execution.max_retries 不能为负"))
	}
	if c.Execution.StepTimeout < 0 || c.Execution.RetryDelay < 0 {
		err = multierr.Append(err, errors.New("execution.step_timeout/retry_delay 不能为负"))
	}

	if c.Risk.MaxLossThreshold <= 0 {
		err = multierr.Append(err, errors.New("risk.max_loss_threshold 必须大于0"))
	}
	if c.Risk.MaxPositionSizeChange <= 0 {
		err = multierr.Append(err, errors.New("risk.max_position_size_change 必须大于0"))
	}
	if c.Risk.MinMarginLevel < 0 {
		err = multierr.Append(err, errors.New("risk.min_margin_level 不能为负"))
	}
	if c.Risk.MinSuccessRate <= 0 || c.Risk.MinSuccessRate > 1 {
		err = multierr.Append(err, errors.New("risk.min_success_rate 必须位于(0,1]"))
	}
	if c.Risk.MinStepsForRate < 0 || c.Risk.MaxFailedSteps < 0 {
		err = multierr.Append(err, errors.New("risk.min_steps_for_rate/max_failed_steps 不能为负"))
	}

	if c.Bridge.Enabled {
		if c.Bridge.ListenAddr == "" {
			err = multierr.Append(err, errors.New("bridge.listen_addr 不能为空"))
		}
		if c.Bridge.AuthToken == "" {
			err = multierr.Append(err, errors.New("bridge.auth_token 不能为空"))
		}
		if c.Bridge.MaxConnections <= 0 {
			err = multierr.Append(err, errors.New("bridge.max_connections 必须大于0"))
		}
		if c.Bridge.HeartbeatInterval <= 0 || c.Bridge.ConnectionTimeout <= 0 {
			err = multierr.Append(err, errors.New("bridge.heartbeat_interval/connection_timeout 必须大于0"))
		}
	}

	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[0,65535]"))
	}
	if c.Monitor.Retention < 0 {
		err = multierr.Append(err, errors.New("monitor.retention 不能为负"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
