// Package config 提供配置加载功能
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// frameHeaderSize 与 protocol.HeaderSize 保持一致（pkg 不依赖 internal）
const frameHeaderSize = 18

// LobbyConfig 大厅服务配置
type LobbyConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Room     RoomConfig     `yaml:"room"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig 监听配置
type ServerConfig struct {
	ID         string `yaml:"id"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	WSAddr     string `yaml:"ws_addr"`     // 为空则不启用 WebSocket 接入
	HealthAddr string `yaml:"health_addr"` // gRPC health 探针，为空则不启用
}

// Addr 返回 TCP 监听地址
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SessionConfig 会话配置
type SessionConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	IdleCheckInterval time.Duration `yaml:"idle_check_interval"`
	MaxFrameSize      int           `yaml:"max_frame_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// RoomConfig 房间配置
type RoomConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	LobbyPageSize int           `yaml:"lobby_page_size"`
}

// AuthConfig 身份校验配置
type AuthConfig struct {
	VerifyURL     string        `yaml:"verify_url"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenCacheTTL time.Duration `yaml:"token_cache_ttl"`
	GuestPrefix   string        `yaml:"guest_prefix"`
}

// DatabaseConfig 用户库配置
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

// RedisConfig Redis 配置（token 校验结果缓存）
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default 返回带默认值的配置
func Default() *LobbyConfig {
	cfg := &LobbyConfig{}
	cfg.applyDefaults()
	return cfg
}

// Load 加载配置文件
func Load(path string) (*LobbyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 配置并补全默认值
func Parse(data []byte) (*LobbyConfig, error) {
	var cfg LobbyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *LobbyConfig) applyDefaults() {
	if c.Server.ID == "" {
		c.Server.ID = "lobby-1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7777
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 60 * time.Second
	}
	if c.Session.IdleCheckInterval == 0 {
		c.Session.IdleCheckInterval = 5 * time.Second
	}
	if c.Session.MaxFrameSize == 0 {
		c.Session.MaxFrameSize = 64 << 10
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = 5 * time.Second
	}
	if c.Room.SweepInterval == 0 {
		c.Room.SweepInterval = 30 * time.Second
	}
	if c.Room.LobbyPageSize == 0 {
		c.Room.LobbyPageSize = 10
	}
	if c.Auth.VerifyTimeout == 0 {
		c.Auth.VerifyTimeout = 3 * time.Second
	}
	if c.Auth.TokenCacheTTL == 0 {
		c.Auth.TokenCacheTTL = 5 * time.Minute
	}
	if c.Auth.GuestPrefix == "" {
		c.Auth.GuestPrefix = "guest_"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "lobby.match_ready"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate 校验配置
func (c *LobbyConfig) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Session.IdleTimeout < 0 || c.Session.IdleCheckInterval < 0 || c.Session.WriteTimeout < 0 {
		errs = append(errs, errors.New("session durations must be positive"))
	}
	if c.Session.MaxFrameSize < frameHeaderSize {
		errs = append(errs, fmt.Errorf("session.max_frame_size must be at least %d", frameHeaderSize))
	}
	if c.Room.SweepInterval < 0 {
		errs = append(errs, errors.New("room.sweep_interval must be positive"))
	}
	if c.Room.LobbyPageSize < 0 {
		errs = append(errs, errors.New("room.lobby_page_size must be positive"))
	}
	return errors.Join(errs...)
}
