// Package cli implements the redisbridge command line.
package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DeBrosOfficial/redisbridge/pkg/config"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

// version metadata populated via -ldflags at build time
var (
	Version = "dev"
	Commit  = ""
)

// overrides maps config keys to the viper keys that can set them through
// flags or REDISBRIDGE_* environment variables.
var overrides = []struct {
	key   string
	apply func(cfg *config.Config, v *viper.Viper)
}{
	{"redis.addr", func(c *config.Config, v *viper.Viper) { c.Redis.Addr = v.GetString("redis.addr") }},
	{"redis.username", func(c *config.Config, v *viper.Viper) { c.Redis.Username = v.GetString("redis.username") }},
	{"redis.password", func(c *config.Config, v *viper.Viper) { c.Redis.Password = v.GetString("redis.password") }},
	{"redis.db", func(c *config.Config, v *viper.Viper) { c.Redis.DB = v.GetInt("redis.db") }},
	{"redis.protocol", func(c *config.Config, v *viper.Viper) { c.Redis.Protocol = v.GetInt("redis.protocol") }},
	{"channels.namespace", func(c *config.Config, v *viper.Viper) { c.Channels.Namespace = v.GetString("channels.namespace") }},
	{"logging.level", func(c *config.Config, v *viper.Viper) { c.Logging.Level = v.GetString("logging.level") }},
	{"logging.format", func(c *config.Config, v *viper.Viper) { c.Logging.Format = v.GetString("logging.format") }},
	{"gateway.listen_addr", func(c *config.Config, v *viper.Viper) { c.Gateway.ListenAddr = v.GetString("gateway.listen_addr") }},
	{"gateway.enabled", func(c *config.Config, v *viper.Viper) { c.Gateway.Enabled = v.GetBool("gateway.enabled") }},
}

type app struct {
	v          *viper.Viper
	configFile string
	timeout    time.Duration
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix("REDISBRIDGE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "redisbridge",
		Short:         "Typed messaging over Redis pub/sub",
		Long:          "Run a bridge with its HTTP gateway, or publish and tail channels from the shell",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file (default ~/.redisbridge/config.yaml when present)")
	flags.DurationVar(&a.timeout, "timeout", 10*time.Second, "timeout for one-shot commands")
	flags.String("redis", "", "redis address host:port")
	flags.String("namespace", "", "channel namespace")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	_ = a.v.BindPFlag("redis.addr", flags.Lookup("redis"))
	_ = a.v.BindPFlag("channels.namespace", flags.Lookup("namespace"))
	_ = a.v.BindPFlag("logging.level", flags.Lookup("log-level"))

	root.AddCommand(a.serveCmd(), a.publishCmd(), a.listenCmd(), a.configCmd())
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func versionString() string {
	if Commit != "" {
		return fmt.Sprintf("%s (commit %s)", Version, Commit)
	}
	return Version
}

// loadConfig reads the config file, applies flag and environment overrides
// and validates the result.
func (a *app) loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	path := a.configFile
	if path == "" {
		if p, err := config.DefaultPath("config.yaml"); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	for _, o := range overrides {
		if a.v.IsSet(o.key) {
			o.apply(cfg, a.v)
		}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		var b strings.Builder
		b.WriteString("invalid configuration:")
		for _, err := range errs {
			b.WriteString("\n  - ")
			b.WriteString(err.Error())
		}
		return nil, fmt.Errorf("%s", b.String())
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.ColoredLogger, error) {
	return logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputFile: cfg.Logging.OutputFile,
		Colors:     true,
	})
}
