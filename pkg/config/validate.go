package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/DeBrosOfficial/redisbridge/pkg/channel"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g., "redis.addr" or "reconnect.jitter"
	Message string // e.g., "invalid port"
	Hint    string // e.g., "expected host:port"
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate performs comprehensive validation of the entire config.
// It aggregates all errors and returns them, allowing the caller to print all issues at once.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateRedis()...)
	errs = append(errs, c.validateLimits()...)
	errs = append(errs, c.validateReconnect()...)
	errs = append(errs, c.validateChannels()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateGateway()...)

	return errs
}

func (c *Config) validateRedis() []error {
	var errs []error
	rc := c.Redis

	if err := validateHostPort(rc.Addr, false); err != nil {
		errs = append(errs, ValidationError{
			Path:    "redis.addr",
			Message: err.Error(),
			Hint:    "expected host:port, e.g. localhost:6379",
		})
	}
	if rc.DB < 0 {
		errs = append(errs, ValidationError{
			Path:    "redis.db",
			Message: fmt.Sprintf("must be >= 0; got %d", rc.DB),
		})
	}
	if rc.Protocol != 0 && rc.Protocol != 2 && rc.Protocol != 3 {
		errs = append(errs, ValidationError{
			Path:    "redis.protocol",
			Message: fmt.Sprintf("unsupported protocol %d", rc.Protocol),
			Hint:    "use 2, 3 or leave unset",
		})
	}
	if rc.DialTimeout < 0 {
		errs = append(errs, ValidationError{
			Path:    "redis.dial_timeout",
			Message: "must not be negative",
		})
	}
	return errs
}

func (c *Config) validateLimits() []error {
	var errs []error

	if c.Pool.MaxSize < 1 {
		errs = append(errs, ValidationError{
			Path:    "pool.max_size",
			Message: fmt.Sprintf("must be >= 1; got %d", c.Pool.MaxSize),
		})
	}
	if c.Pool.BorrowTimeout < 0 {
		errs = append(errs, ValidationError{
			Path:    "pool.borrow_timeout",
			Message: "must not be negative",
			Hint:    "use 0 to wait for the caller's context",
		})
	}
	if c.Dispatch.Workers < 0 {
		errs = append(errs, ValidationError{
			Path:    "dispatch.workers",
			Message: fmt.Sprintf("must be >= 0; got %d", c.Dispatch.Workers),
			Hint:    "0 uses one worker per CPU",
		})
	}
	if c.Dispatch.MaxPending < 1 {
		errs = append(errs, ValidationError{
			Path:    "dispatch.max_pending",
			Message: fmt.Sprintf("must be >= 1; got %d", c.Dispatch.MaxPending),
		})
	}
	if c.Dispatch.BatchSize < 1 {
		errs = append(errs, ValidationError{
			Path:    "dispatch.batch_size",
			Message: fmt.Sprintf("must be >= 1; got %d", c.Dispatch.BatchSize),
		})
	}
	if c.Publish.Timeout <= 0 {
		errs = append(errs, ValidationError{
			Path:    "publish.timeout",
			Message: "must be positive",
		})
	}
	if c.Publish.QueueInterval <= 0 {
		errs = append(errs, ValidationError{
			Path:    "publish.queue_interval",
			Message: "must be positive",
		})
	}
	if c.Publish.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Path:    "publish.queue_size",
			Message: fmt.Sprintf("must be >= 1; got %d", c.Publish.QueueSize),
		})
	}
	if c.Publish.AckTimeout <= 0 {
		errs = append(errs, ValidationError{
			Path:    "publish.ack_timeout",
			Message: "must be positive",
		})
	}
	if c.Publish.MaxUnacked < 1 {
		errs = append(errs, ValidationError{
			Path:    "publish.max_unacked",
			Message: fmt.Sprintf("must be >= 1; got %d", c.Publish.MaxUnacked),
		})
	}
	if c.Request.Timeout <= 0 {
		errs = append(errs, ValidationError{
			Path:    "request.timeout",
			Message: "must be positive",
		})
	}
	if c.Request.MaxPending < 1 {
		errs = append(errs, ValidationError{
			Path:    "request.max_pending",
			Message: fmt.Sprintf("must be >= 1; got %d", c.Request.MaxPending),
		})
	}
	return errs
}

func (c *Config) validateReconnect() []error {
	var errs []error
	rc := c.Reconnect

	if rc.BaseDelay <= 0 {
		errs = append(errs, ValidationError{
			Path:    "reconnect.base_delay",
			Message: "must be positive",
		})
	}
	if rc.MaxDelay < rc.BaseDelay {
		errs = append(errs, ValidationError{
			Path:    "reconnect.max_delay",
			Message: fmt.Sprintf("must be >= base_delay (%s); got %s", rc.BaseDelay, rc.MaxDelay),
		})
	}
	if rc.Multiplier < 1 {
		errs = append(errs, ValidationError{
			Path:    "reconnect.multiplier",
			Message: fmt.Sprintf("must be >= 1; got %g", rc.Multiplier),
		})
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		errs = append(errs, ValidationError{
			Path:    "reconnect.jitter",
			Message: fmt.Sprintf("must be within [0, 1]; got %g", rc.Jitter),
		})
	}
	if rc.HealthInterval <= 0 {
		errs = append(errs, ValidationError{
			Path:    "reconnect.health_interval",
			Message: "must be positive",
		})
	}
	return errs
}

func (c *Config) validateChannels() []error {
	var errs []error
	cc := c.Channels

	if _, err := channel.ParsePolicy(cc.Ambiguity); err != nil {
		errs = append(errs, ValidationError{
			Path:    "channels.ambiguity",
			Message: fmt.Sprintf("invalid value %q", cc.Ambiguity),
			Hint:    "allowed values: first_match, reject",
		})
	}
	if strings.ContainsAny(cc.Namespace, "*?[] \t\n") {
		errs = append(errs, ValidationError{
			Path:    "channels.namespace",
			Message: fmt.Sprintf("must not contain glob characters or whitespace; got %q", cc.Namespace),
		})
	}
	if cc.CacheSize < 0 {
		errs = append(errs, ValidationError{
			Path:    "channels.cache_size",
			Message: fmt.Sprintf("must be >= 0; got %d", cc.CacheSize),
		})
	}
	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	lc := c.Logging

	switch lc.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Path:    "logging.level",
			Message: fmt.Sprintf("invalid value %q", lc.Level),
			Hint:    "allowed values: debug, info, warn, error",
		})
	}

	switch lc.Format {
	case "json", "console":
	default:
		errs = append(errs, ValidationError{
			Path:    "logging.format",
			Message: fmt.Sprintf("invalid value %q", lc.Format),
			Hint:    "allowed values: json, console",
		})
	}
	return errs
}

func (c *Config) validateGateway() []error {
	var errs []error
	gc := c.Gateway
	if !gc.Enabled {
		return errs
	}

	if err := validateHostPort(gc.ListenAddr, true); err != nil {
		errs = append(errs, ValidationError{
			Path:    "gateway.listen_addr",
			Message: err.Error(),
			Hint:    "expected [host]:port, e.g. :8080",
		})
	}
	if gc.PingInterval <= 0 {
		errs = append(errs, ValidationError{
			Path:    "gateway.ping_interval",
			Message: "must be positive",
		})
	}
	if gc.MaxPayloadSize < 1 {
		errs = append(errs, ValidationError{
			Path:    "gateway.max_payload_size",
			Message: fmt.Sprintf("must be >= 1; got %d", gc.MaxPayloadSize),
		})
	}
	return errs
}

func validateHostPort(addr string, allowEmptyHost bool) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q", addr)
	}
	if host == "" && !allowEmptyHost {
		return fmt.Errorf("missing host in %q", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
