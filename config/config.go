package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/pathproxy/internal/routing"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	StrategyPooled = "pooled"
	StrategyRaw    = "raw"

	RawStatusPropagate = "propagate"
	RawStatusFixed     = "fixed"
)

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Environment  string        `mapstructure:"environment"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type RouteConfig struct {
	Path   string `mapstructure:"path" json:"path"`
	Target string `mapstructure:"target" json:"target"`
}

type ForwardingConfig struct {
	Strategy         string        `mapstructure:"strategy"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ResponseTimeout  time.Duration `mapstructure:"response_timeout"`
	RawTarget        string        `mapstructure:"raw_target"`
	RawStatus        string        `mapstructure:"raw_status"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

type CircuitBreakerConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

type TunnelConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddress   string        `mapstructure:"listen_address"`
	UpstreamAddress string        `mapstructure:"upstream_address"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
}

type HealthCheckConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Path     string        `mapstructure:"path"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Routes         []RouteConfig        `mapstructure:"routes"`
	Forwarding     ForwardingConfig     `mapstructure:"forwarding"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tunnel         TunnelConfig         `mapstructure:"tunnel"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// Loader reads config.yaml from its search paths and the environment.
// Environment variables use the key with dots replaced by underscores,
// e.g. SERVER_ADDRESS or TUNNEL_UPSTREAM_ADDRESS.
type Loader struct {
	v     *viper.Viper
	paths []string

	watchOnce sync.Once
}

// NewLoader returns a Loader searching paths in order. With no paths it
// searches ./config and the working directory.
func NewLoader(paths ...string) *Loader {
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Loader{v: v, paths: paths}
}

// Load reads the configuration with the default search paths.
func Load() (*Config, error) {
	return NewLoader().Load()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("routes", []RouteConfig{})

	v.SetDefault("forwarding.strategy", StrategyPooled)
	v.SetDefault("forwarding.dial_timeout", "5s")
	v.SetDefault("forwarding.response_timeout", "10s")
	v.SetDefault("forwarding.raw_target", "")
	v.SetDefault("forwarding.raw_status", RawStatusPropagate)
	v.SetDefault("forwarding.max_response_bytes", 10<<20)

	v.SetDefault("circuit_breaker.threshold", 5)
	v.SetDefault("circuit_breaker.reset_timeout", "30s")

	v.SetDefault("tunnel.enabled", true)
	v.SetDefault("tunnel.listen_address", ":8001")
	v.SetDefault("tunnel.upstream_address", "127.0.0.1:1223")
	v.SetDefault("tunnel.dial_timeout", "5s")
	v.SetDefault("tunnel.idle_timeout", "5m")

	v.SetDefault("health_check.enabled", false)
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("health_check.path", "/health")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.address", "127.0.0.1:9090")

	v.SetDefault("logging.level", LogLevelInfo)
}

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Warn("config file not found, using defaults and environment variables",
			slog.Any("paths", l.paths))
	} else {
		slog.Info("loaded config file", slog.String("file", l.v.ConfigFileUsed()))
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

// Watch calls onChange with every valid configuration read after the file
// changes on disk. Invalid revisions are logged and skipped. Watch reports
// false when no config file was loaded.
func (l *Loader) Watch(onChange func(*Config)) bool {
	file := l.v.ConfigFileUsed()
	if file == "" {
		return false
	}

	l.watchOnce.Do(func() {
		l.v.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}

			cfg, err := l.decode()
			if err != nil {
				slog.Warn("ignoring config change", slog.String("file", e.Name), slog.Any("err", err))
				return
			}

			slog.Info("config file changed", slog.String("file", e.Name))
			onChange(cfg)
		})
		l.v.WatchConfig()
	})

	return true
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Routes),
		validation.Field(&c.Forwarding, validation.By(c.validateResponseTimeout)),
		validation.Field(&c.CircuitBreaker),
		validation.Field(&c.Tunnel),
		validation.Field(&c.HealthCheck),
		validation.Field(&c.Admin),
		validation.Field(&c.Logging),
	)
}

// validateResponseTimeout keeps upstream waits inside the server write
// deadline so a slow upstream still gets its 502/504 to the caller.
func (c *Config) validateResponseTimeout(interface{}) error {
	if c.Server.WriteTimeout <= 0 {
		return nil
	}

	rt := c.Forwarding.ResponseTimeout
	if rt <= 0 || rt >= c.Server.WriteTimeout {
		return validation.NewError("validation_response_timeout",
			fmt.Sprintf("response_timeout must be positive and below server.write_timeout (%s)", c.Server.WriteTimeout))
	}

	return nil
}

func (sc ServerConfig) Validate() error {
	return validation.ValidateStruct(&sc,
		validation.Field(&sc.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
		validation.Field(&sc.Address,
			validation.Required,
			validation.By(validateHostPort),
		),
		validation.Field(&sc.ReadTimeout, validation.Min(time.Duration(0))),
		validation.Field(&sc.WriteTimeout, validation.Min(time.Duration(0))),
		validation.Field(&sc.IdleTimeout, validation.Min(time.Duration(0))),
	)
}

func (rc RouteConfig) Validate() error {
	return validation.ValidateStruct(&rc,
		validation.Field(&rc.Path,
			validation.Required,
			validation.By(validatePath),
		),
		validation.Field(&rc.Target,
			validation.Required,
			validation.By(validateTargetURL),
		),
	)
}

func (fc ForwardingConfig) Validate() error {
	return validation.ValidateStruct(&fc,
		validation.Field(&fc.Strategy,
			validation.Required,
			validation.In(StrategyPooled, StrategyRaw),
		),
		validation.Field(&fc.DialTimeout, validation.Min(time.Duration(0))),
		validation.Field(&fc.ResponseTimeout, validation.Min(time.Duration(0))),
		validation.Field(&fc.RawTarget,
			validation.When(fc.RawTarget != "", validation.By(validateHostPort)),
		),
		validation.Field(&fc.RawStatus,
			validation.Required,
			validation.In(RawStatusPropagate, RawStatusFixed),
		),
		validation.Field(&fc.MaxResponseBytes,
			validation.Required,
			validation.Min(int64(1)),
		),
	)
}

func (cc CircuitBreakerConfig) Validate() error {
	return validation.ValidateStruct(&cc,
		validation.Field(&cc.Threshold, validation.Min(0)),
		validation.Field(&cc.ResetTimeout,
			validation.When(cc.Threshold > 0, validation.Required),
		),
	)
}

func (tc TunnelConfig) Validate() error {
	return validation.ValidateStruct(&tc,
		validation.Field(&tc.ListenAddress,
			validation.When(tc.Enabled, validation.Required, validation.By(validateHostPort)),
		),
		validation.Field(&tc.UpstreamAddress,
			validation.When(tc.Enabled, validation.Required, validation.By(validateHostPort)),
		),
		validation.Field(&tc.DialTimeout, validation.Min(time.Duration(0))),
		validation.Field(&tc.IdleTimeout, validation.Min(time.Duration(0))),
	)
}

func (hc HealthCheckConfig) Validate() error {
	return validation.ValidateStruct(&hc,
		validation.Field(&hc.Interval,
			validation.When(hc.Enabled, validation.Required, validation.Min(time.Millisecond)),
		),
		validation.Field(&hc.Path,
			validation.When(hc.Enabled, validation.Required, validation.By(validatePath)),
		),
	)
}

func (ac AdminConfig) Validate() error {
	return validation.ValidateStruct(&ac,
		validation.Field(&ac.Address,
			validation.When(ac.Enabled, validation.Required, validation.By(validateHostPort)),
		),
	)
}

func (lc LoggingConfig) Validate() error {
	return validation.ValidateStruct(&lc,
		validation.Field(&lc.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validatePath(value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if !strings.HasPrefix(path, "/") {
		return validation.NewError("validation_invalid_path", "path must start with /")
	}

	return nil
}

func validateTargetURL(value interface{}) error {
	target, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := routing.ParseTarget(target); err != nil {
		return validation.NewError("validation_invalid_target", err.Error())
	}

	return nil
}
