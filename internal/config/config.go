package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite SqliteConfig `yaml:"sqlite"`

	Log LogConfig `yaml:"log"`

	Inspector InspectorConfig `yaml:"inspector"`

	Relay RelayConfig `yaml:"relay"`
}

// SqliteConfig 响应体存储配置（进程内内存库）
type SqliteConfig struct {
	Dsn       string `yaml:"dsn"`
	Prefix    string `yaml:"prefix"`
	MaxBodies int    `yaml:"maxBodies"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string   `yaml:"level"`
	Writer     []string `yaml:"writer"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"maxSizeMB"`
	MaxBackups int      `yaml:"maxBackups"`
	MaxAgeDays int      `yaml:"maxAgeDays"`
}

// InspectorConfig 事件上报配置
type InspectorConfig struct {
	EventBuffer int   `yaml:"eventBuffer"`
	MaxBodySize int64 `yaml:"maxBodySize"`
}

// RelayConfig 流式转发配置
type RelayConfig struct {
	ForwardContentEncoding bool `yaml:"forwardContentEncoding"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Sqlite: SqliteConfig{
			Dsn:       ":memory:",
			Prefix:    "netbridge_",
			MaxBodies: 500,
		},
		Log: LogConfig{
			Level:      "info",
			Writer:     []string{"console"},
			File:       "netbridge.log",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Inspector: InspectorConfig{
			EventBuffer: 256,
			MaxBodySize: 8 << 20,
		},
	}
}

// Load 读取 YAML 配置文件并覆盖默认值，路径为空时直接返回默认配置
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Sqlite.Dsn == "" {
		return errors.New("sqlite.dsn 不能为空")
	}
	if c.Sqlite.MaxBodies < 0 {
		return fmt.Errorf("sqlite.maxBodies 不能为负数: %d", c.Sqlite.MaxBodies)
	}
	if c.Inspector.EventBuffer < 0 {
		return fmt.Errorf("inspector.eventBuffer 不能为负数: %d", c.Inspector.EventBuffer)
	}
	return nil
}
