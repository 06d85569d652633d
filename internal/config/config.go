package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// ConnectionConfig 单个行情前置连接配置
type ConnectionConfig struct {
	ConnectionID     string `mapstructure:"connection_id" json:"connection_id"`
	FrontAddr        string `mapstructure:"front_addr" json:"front_addr"`
	BrokerID         string `mapstructure:"broker_id" json:"broker_id"`
	MaxSubscriptions int    `mapstructure:"max_subscriptions" json:"max_subscriptions"` // 每个连接最大订阅数
	Priority         int    `mapstructure:"priority" json:"priority"`                   // 连接优先级（1-10，数字越小优先级越高）
	Enabled          bool   `mapstructure:"enabled" json:"enabled"`                     // 是否启用此连接
}

// MultiCTPConfig 网关配置
type MultiCTPConfig struct {
	WebsocketPort       int                `mapstructure:"websocket_port" json:"websocket_port"`
	AutoFailover        bool               `mapstructure:"auto_failover" json:"auto_failover"`
	HealthCheckInterval int                `mapstructure:"health_check_interval" json:"health_check_interval"` // 健康检查间隔(秒)
	MaintenanceInterval int                `mapstructure:"maintenance_interval" json:"maintenance_interval"`   // 维护间隔(秒)
	MaxRetryCount       int                `mapstructure:"max_retry_count" json:"max_retry_count"`             // 最大重试次数
	Connections         []ConnectionConfig `mapstructure:"connections" json:"connections"`
}

// Default 默认配置（不含连接）
func Default() MultiCTPConfig {
	return MultiCTPConfig{
		WebsocketPort:       7799,
		AutoFailover:        true,
		HealthCheckInterval: 30,
		MaintenanceInterval: 60,
		MaxRetryCount:       3,
	}
}

// Simnow SimNow 环境的多前置默认配置
func Simnow() MultiCTPConfig {
	cfg := Default()
	cfg.Connections = []ConnectionConfig{
		{
			ConnectionID:     "simnow_telecom",
			FrontAddr:        "tcp://180.168.146.187:10210",
			BrokerID:         "9999",
			MaxSubscriptions: 500,
			Priority:         1,
			Enabled:          true,
		},
		{
			ConnectionID:     "simnow_unicom",
			FrontAddr:        "tcp://180.168.146.187:10211",
			BrokerID:         "9999",
			MaxSubscriptions: 500,
			Priority:         2,
			Enabled:          true,
		},
		{
			ConnectionID:     "simnow_mobile",
			FrontAddr:        "tcp://218.202.237.33:10212",
			BrokerID:         "9999",
			MaxSubscriptions: 500,
			Priority:         3,
			Enabled:          true,
		},
	}
	return cfg
}

// Single 由单前置参数合成的单连接配置
func Single(frontAddr, brokerID string, port int) MultiCTPConfig {
	cfg := Default()
	if port > 0 {
		cfg.WebsocketPort = port
	}
	cfg.Connections = []ConnectionConfig{
		{
			ConnectionID:     "single",
			FrontAddr:        frontAddr,
			BrokerID:         brokerID,
			MaxSubscriptions: 500,
			Priority:         1,
			Enabled:          true,
		},
	}
	return cfg
}

// Load 从 JSON 配置文件加载
func Load(path string) (MultiCTPConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *MultiCTPConfig) Validate() error {
	if c.WebsocketPort <= 0 || c.WebsocketPort > 65535 {
		return fmt.Errorf("invalid websocket_port: %d", c.WebsocketPort)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("invalid health_check_interval: %d", c.HealthCheckInterval)
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("invalid maintenance_interval: %d", c.MaintenanceInterval)
	}
	if c.MaxRetryCount < 0 {
		return fmt.Errorf("invalid max_retry_count: %d", c.MaxRetryCount)
	}

	seen := make(map[string]bool)
	enabled := 0
	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.ConnectionID == "" {
			return fmt.Errorf("connection %d: empty connection_id", i)
		}
		if seen[conn.ConnectionID] {
			return fmt.Errorf("duplicate connection_id: %s", conn.ConnectionID)
		}
		seen[conn.ConnectionID] = true
		if conn.FrontAddr == "" {
			return fmt.Errorf("connection %s: empty front_addr", conn.ConnectionID)
		}
		if conn.MaxSubscriptions <= 0 {
			return fmt.Errorf("connection %s: invalid max_subscriptions: %d", conn.ConnectionID, conn.MaxSubscriptions)
		}
		if conn.Priority < 1 || conn.Priority > 10 {
			return fmt.Errorf("connection %s: priority out of range [1,10]: %d", conn.ConnectionID, conn.Priority)
		}
		if conn.Enabled {
			enabled++
		}
	}
	if len(c.Connections) > 0 && enabled == 0 {
		return fmt.Errorf("all connections disabled")
	}
	return nil
}

// EnabledConnections 返回启用的连接配置
func (c *MultiCTPConfig) EnabledConnections() []ConnectionConfig {
	out := make([]ConnectionConfig, 0, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.Enabled {
			out = append(out, conn)
		}
	}
	return out
}
