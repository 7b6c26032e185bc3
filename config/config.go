// Package config loads the description of the MCP servers a client talks to.
package config

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/TangGee/mcp-transport/logging"
)

// Transport kinds accepted in ServerConfig.Transport.
const (
	TransportStdio          = "stdio"
	TransportDocker         = "docker"
	TransportSocket         = "socket"
	TransportWebSocket      = "websocket"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "http"
)

// EnvPrefix prefixes every environment override, e.g. MCP_LOG_LEVEL.
const EnvPrefix = "MCP"

// Config holds all configuration.
type Config struct {
	Log      logging.Config          `mapstructure:"log"`
	Metrics  MetricsConfig           `mapstructure:"metrics"`
	Client   ClientConfig            `mapstructure:"client"`
	Timeouts TimeoutsConfig          `mapstructure:"timeouts"`
	Servers  map[string]ServerConfig `mapstructure:"servers"`
}

// MetricsConfig configures the prometheus endpoint. An empty Address disables it.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// ClientConfig is what the client announces in initialize.
type ClientConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// TimeoutsConfig configures per-call timeouts. Zero values in a server fall
// back to the top-level timeouts.
type TimeoutsConfig struct {
	Initialize          time.Duration `mapstructure:"initialize"`
	Tool                time.Duration `mapstructure:"tool"`
	Resources           time.Duration `mapstructure:"resources"`
	Prompts             time.Duration `mapstructure:"prompts"`
	Ping                time.Duration `mapstructure:"ping"`
	Close               time.Duration `mapstructure:"close"`
	Dial                time.Duration `mapstructure:"dial"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// RegistryConfig holds credentials for pulling private images.
type RegistryConfig struct {
	Email    string `mapstructure:"email"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	URL      string `mapstructure:"url"`
}

// ServerConfig describes one MCP server and how to reach it.
type ServerConfig struct {
	Transport string `mapstructure:"transport"`

	// stdio and docker
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// Env holds KEY=VALUE pairs. A list keeps the case of the names, which
	// map keys would lose.
	Env []string `mapstructure:"env"`
	Dir string   `mapstructure:"dir"`

	// docker
	Image         string         `mapstructure:"image"`
	Binds         []string       `mapstructure:"binds"`
	Registry      RegistryConfig `mapstructure:"registry"`
	DockerHost    string         `mapstructure:"docker_host"`
	APIVersion    string         `mapstructure:"api_version"`
	AttachTimeout time.Duration  `mapstructure:"attach_timeout"`

	// socket
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`

	// websocket, sse and http
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`

	// Subsidiary opens the server-to-client event stream of an http server.
	Subsidiary bool `mapstructure:"subsidiary"`

	// CacheToolList keeps the first tools/list page until the server
	// reports a change.
	CacheToolList bool `mapstructure:"cache_tool_list"`

	AllowedTools []string       `mapstructure:"allowed_tools"`
	MaxFrameSize int            `mapstructure:"max_frame_size"`
	Timeouts     TimeoutsConfig `mapstructure:"timeouts"`
}

// Option customizes Load.
type Option func(*viper.Viper) error

// WithFlags lets command-line flags override the file. Recognised flags are
// log-level, log-format and metrics-addr.
func WithFlags(fs *pflag.FlagSet) Option {
	return func(v *viper.Viper) error {
		for key, flag := range map[string]string{
			"log.level":       "log-level",
			"log.format":      "log-format",
			"metrics.address": "metrics-addr",
		} {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return errors.Wrapf(err, "failed to bind flag %s", flag)
				}
			}
		}
		return nil
	}
}

// Load reads configuration from path (YAML, JSON or TOML) and MCP_ prefixed
// environment variables. An empty path searches ./mcp.yaml and ./configs/mcp.yaml.
func Load(path string, options ...Option) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, opt := range options {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	overrideFromEnv(&cfg)
	cfg.applyDefaults()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("client.name", "mcpctl")
	v.SetDefault("client.version", "1.0.0")

	v.SetDefault("timeouts.initialize", "30s")
	v.SetDefault("timeouts.tool", "60s")
	v.SetDefault("timeouts.resources", "60s")
	v.SetDefault("timeouts.prompts", "60s")
	v.SetDefault("timeouts.ping", "10s")
	v.SetDefault("timeouts.close", "10s")
	v.SetDefault("timeouts.dial", "60s")
}

// overrideFromEnv lets secrets stay out of the file:
// MCP_SERVERS_<NAME>_REGISTRY_PASSWORD sets a server's registry password.
func overrideFromEnv(cfg *Config) {
	for name, srv := range cfg.Servers {
		key := EnvPrefix + "_SERVERS_" + envName(name) + "_REGISTRY_PASSWORD"
		if pw := os.Getenv(key); pw != "" {
			srv.Registry.Password = pw
			cfg.Servers[name] = srv
		}
	}
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func (c *Config) applyDefaults() {
	for name, srv := range c.Servers {
		srv.Timeouts = srv.Timeouts.Merge(c.Timeouts)
		if srv.Transport == TransportSocket && srv.Network == "" {
			srv.Network = "tcp"
		}
		c.Servers[name] = srv
	}
}

// Merge fills zero values of t from defaults.
func (t TimeoutsConfig) Merge(defaults TimeoutsConfig) TimeoutsConfig {
	pick := func(v, d time.Duration) time.Duration {
		if v == 0 {
			return d
		}
		return v
	}
	return TimeoutsConfig{
		Initialize:          pick(t.Initialize, defaults.Initialize),
		Tool:                pick(t.Tool, defaults.Tool),
		Resources:           pick(t.Resources, defaults.Resources),
		Prompts:             pick(t.Prompts, defaults.Prompts),
		Ping:                pick(t.Ping, defaults.Ping),
		Close:               pick(t.Close, defaults.Close),
		Dial:                pick(t.Dial, defaults.Dial),
		HealthCheckInterval: pick(t.HealthCheckInterval, defaults.HealthCheckInterval),
	}
}

// Server returns the named server.
func (c *Config) Server(name string) (ServerConfig, error) {
	srv, ok := c.Servers[strings.ToLower(name)]
	if !ok {
		return ServerConfig{}, errors.Errorf("server %q is not configured", name)
	}
	return srv, nil
}

// ServerNames returns the configured server names in order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	for _, name := range c.ServerNames() {
		if err := c.Servers[name].Validate(); err != nil {
			return errors.Wrapf(err, "servers.%s", name)
		}
	}
	return nil
}

// EnvMap returns Env as a map. Later entries win.
func (s ServerConfig) EnvMap() map[string]string {
	env := make(map[string]string, len(s.Env))
	for _, kv := range s.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

// Validate checks that the fields required by the transport kind are set.
func (s ServerConfig) Validate() error {
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return errors.New("command is required")
		}
	case TransportDocker:
		if s.Image == "" {
			return errors.New("image is required")
		}
	case TransportSocket:
		if s.Address == "" {
			return errors.New("address is required")
		}
	case TransportWebSocket, TransportSSE, TransportStreamableHTTP:
		if s.URL == "" {
			return errors.New("url is required")
		}
	case "":
		return errors.New("transport is required")
	default:
		return errors.Errorf("unknown transport %q", s.Transport)
	}
	for _, kv := range s.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return errors.Errorf("env entry %q is not KEY=VALUE", kv)
		}
	}
	if s.MaxFrameSize < 0 {
		return errors.New("max_frame_size must not be negative")
	}
	return nil
}
