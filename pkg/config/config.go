package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DeBrosOfficial/redisbridge/pkg/channel"
	"github.com/DeBrosOfficial/redisbridge/pkg/dispatch"
	"github.com/DeBrosOfficial/redisbridge/pkg/pool"
	"github.com/DeBrosOfficial/redisbridge/pkg/transport"
)

// Config represents the main configuration for a bridge process
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Pool      PoolConfig      `yaml:"pool"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Publish   PublishConfig   `yaml:"publish"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Request   RequestConfig   `yaml:"request"`
	Logging   LoggingConfig   `yaml:"logging"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// RedisConfig contains the server connection settings
type RedisConfig struct {
	Addr        string        `yaml:"addr"` // host:port
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Protocol    int           `yaml:"protocol"` // 2 or 3, 0 for the client default
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TLS         TLSConfig     `yaml:"tls"`
}

// TLSConfig enables TLS towards the server
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	ServerName         string `yaml:"server_name"` // defaults to the host of addr
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// PoolConfig bounds the publish connection pool
type PoolConfig struct {
	MaxSize       int           `yaml:"max_size"`
	BorrowTimeout time.Duration `yaml:"borrow_timeout"` // 0 waits for the caller's context
	FailFast      bool          `yaml:"fail_fast"`
}

// DispatchConfig sizes inbound delivery
type DispatchConfig struct {
	Workers    int `yaml:"workers"`     // 0 = number of CPUs
	MaxPending int `yaml:"max_pending"` // per channel
	BatchSize  int `yaml:"batch_size"`
}

// ReconnectConfig is the subscribe connection's backoff schedule
type ReconnectConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// PublishConfig tunes the publish path
type PublishConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	QueueInterval time.Duration `yaml:"queue_interval"` // flush period of queued publishes
	QueueSize     int           `yaml:"queue_size"`     // flush early at this many queued messages
	AckTimeout    time.Duration `yaml:"ack_timeout"`    // upper bound for acknowledged publishes
	MaxUnacked    int           `yaml:"max_unacked"`
}

// ChannelsConfig controls channel naming and lookup
type ChannelsConfig struct {
	Namespace string `yaml:"namespace"`
	Ambiguity string `yaml:"ambiguity"` // first_match or reject
	CacheSize int    `yaml:"cache_size"`
}

// RequestConfig controls request/reply
type RequestConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxPending int           `yaml:"max_pending"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	OutputFile string `yaml:"output_file"` // Empty for stdout
}

// GatewayConfig contains the HTTP gateway configuration
type GatewayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"` // e.g. ":8080"
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"` // WebSocket keepalive
	MaxPayloadSize int64         `yaml:"max_payload_size"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		Pool: PoolConfig{
			MaxSize:       8,
			BorrowTimeout: 2 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxPending: 1024,
			BatchSize:  16,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:      200 * time.Millisecond,
			MaxDelay:       30 * time.Second,
			Multiplier:     2,
			Jitter:         0.5,
			HealthInterval: 15 * time.Second,
		},
		Publish: PublishConfig{
			Timeout:       5 * time.Second,
			QueueInterval: 100 * time.Millisecond,
			QueueSize:     256,
			AckTimeout:    5 * time.Second,
			MaxUnacked:    4096,
		},
		Channels: ChannelsConfig{
			Ambiguity: "first_match",
			CacheSize: 1024,
		},
		Request: RequestConfig{
			Timeout:    10 * time.Second,
			MaxPending: 4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Gateway: GatewayConfig{
			Enabled:        true,
			ListenAddr:     ":8080",
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
			MaxPayloadSize: 1 << 20,
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()
	if err := DecodeStrict(f, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RedisOptions builds go-redis client options.
func (c *Config) RedisOptions() *redis.Options {
	opts := &redis.Options{
		Addr:        c.Redis.Addr,
		Username:    c.Redis.Username,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		Protocol:    c.Redis.Protocol,
		DialTimeout: c.Redis.DialTimeout,
		// leases hold connections, so the client pool must fit them
		PoolSize: c.Pool.MaxSize + 2,
	}
	if c.Redis.TLS.Enabled {
		name := c.Redis.TLS.ServerName
		if name == "" {
			name, _, _ = net.SplitHostPort(c.Redis.Addr)
		}
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         name,
			InsecureSkipVerify: c.Redis.TLS.InsecureSkipVerify,
		}
	}
	return opts
}

// TransportOptions maps the reconnect section.
func (c *Config) TransportOptions() transport.Config {
	return transport.Config{
		BaseDelay:      c.Reconnect.BaseDelay,
		MaxDelay:       c.Reconnect.MaxDelay,
		Multiplier:     c.Reconnect.Multiplier,
		Jitter:         c.Reconnect.Jitter,
		DialTimeout:    c.Redis.DialTimeout,
		HealthInterval: c.Reconnect.HealthInterval,
	}
}

// PoolOptions maps the pool section.
func (c *Config) PoolOptions() pool.Config {
	return pool.Config{
		MaxSize:       c.Pool.MaxSize,
		BorrowTimeout: c.Pool.BorrowTimeout,
		FailFast:      c.Pool.FailFast,
	}
}

// DispatchOptions maps the dispatch section.
func (c *Config) DispatchOptions() dispatch.Config {
	return dispatch.Config{
		Workers:    c.Dispatch.Workers,
		MaxPending: c.Dispatch.MaxPending,
		BatchSize:  c.Dispatch.BatchSize,
	}
}

// ResolverOptions maps the channels section. Call Validate first; an
// unknown ambiguity policy is an error here.
func (c *Config) ResolverOptions() (channel.Options, error) {
	policy, err := channel.ParsePolicy(c.Channels.Ambiguity)
	if err != nil {
		return channel.Options{}, err
	}
	return channel.Options{
		Namespace: c.Channels.Namespace,
		Ambiguity: policy,
		CacheSize: c.Channels.CacheSize,
	}, nil
}
