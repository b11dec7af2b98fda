package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeBrosOfficial/redisbridge/pkg/channel"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.Empty(t, DefaultConfig().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: "cache:6380"
pool:
  max_size: 3
channels:
  namespace: orders
  ambiguity: reject
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Pool.MaxSize)
	// untouched sections keep their defaults
	assert.Equal(t, 200*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.Equal(t, "info", cfg.Logging.Level)

	opts, err := cfg.ResolverOptions()
	require.NoError(t, err)
	assert.Equal(t, channel.Reject, opts.Ambiguity)
	assert.Equal(t, "orders", opts.Namespace)
	assert.Equal(t, 5, cfg.RedisOptions().PoolSize)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "redis:\n  adress: localhost:6379\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adress")
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Addr = "no-port"
	cfg.Reconnect.Multiplier = 0.5
	cfg.Reconnect.Jitter = 2
	cfg.Channels.Ambiguity = "random"
	cfg.Logging.Format = "xml"
	cfg.Gateway.ListenAddr = ":99999"

	errs := cfg.Validate()
	paths := make([]string, 0, len(errs))
	for _, err := range errs {
		var ve ValidationError
		require.ErrorAs(t, err, &ve)
		paths = append(paths, ve.Path)
	}
	assert.ElementsMatch(t, []string{
		"redis.addr",
		"reconnect.multiplier",
		"reconnect.jitter",
		"channels.ambiguity",
		"logging.format",
		"gateway.listen_addr",
	}, paths)
}

func TestValidateSkipsDisabledGateway(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.Enabled = false
	cfg.Gateway.ListenAddr = "bogus"
	assert.Empty(t, cfg.Validate())
}

func TestValidationErrorFormat(t *testing.T) {
	err := ValidationError{Path: "redis.addr", Message: "invalid port", Hint: "expected host:port"}
	assert.Equal(t, "redis.addr: invalid port; expected host:port", err.Error())
	assert.Equal(t, "a: b", ValidationError{Path: "a", Message: "b"}.Error())
}

func TestDefaultPath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x.yaml")
	got, err := DefaultPath(abs)
	require.NoError(t, err)
	assert.Equal(t, abs, got)

	got, err = DefaultPath("definitely-not-here.yaml")
	require.NoError(t, err)
	assert.Equal(t, ".redisbridge", filepath.Base(filepath.Dir(got)))
}

func TestRedisOptionsTLS(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, cfg.RedisOptions().TLSConfig)

	path := writeConfig(t, `
redis:
  addr: "cache.internal:6380"
  tls:
    enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	opts := cfg.RedisOptions()
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "cache.internal", opts.TLSConfig.ServerName)
	assert.False(t, opts.TLSConfig.InsecureSkipVerify)

	cfg.Redis.TLS.ServerName = "redis.example"
	assert.Equal(t, "redis.example", cfg.RedisOptions().TLSConfig.ServerName)
}

func TestValidateAckSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Publish.AckTimeout = 0
	cfg.Publish.MaxUnacked = 0

	var paths []string
	for _, err := range cfg.Validate() {
		var ve ValidationError
		require.ErrorAs(t, err, &ve)
		paths = append(paths, ve.Path)
	}
	assert.ElementsMatch(t, []string{"publish.ack_timeout", "publish.max_unacked"}, paths)
}
