package config

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
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

type ServerConfig struct {
	Address      string `mapstructure:"address"`
	AdminAddress string `mapstructure:"admin_address"`
	Environment  string `mapstructure:"environment"`
}

type HealthCheckConfig struct {
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
	// Path switches the probe from a TCP connect to an HTTP GET.
	Path   string `mapstructure:"path"`
	Warmup string `mapstructure:"warmup"`
}

type StrategyConfig struct {
	Type         string `mapstructure:"type"`
	VirtualNodes int    `mapstructure:"virtual_nodes"`
}

type BackendConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	Weight int    `mapstructure:"weight"`
}

func (b BackendConfig) Key() endpoint.Key {
	return endpoint.New(b.Host, b.Port)
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type ConnectionsManagerConfig struct {
	MaxConnectionsPerEndpoint          int    `mapstructure:"max_connections_per_endpoint"`
	IdleTimeout                        string `mapstructure:"idle_timeout"`
	StuckRequestTimeout                string `mapstructure:"stuck_request_timeout"`
	ConnectTimeout                     string `mapstructure:"connect_timeout"`
	BorrowTimeout                      string `mapstructure:"borrow_timeout"`
	BackendsUnreachableOnStuckRequests bool   `mapstructure:"backends_unreachable_on_stuck_requests"`
	ReaperPeriod                       string `mapstructure:"reaper_period"`
	EvictInterval                      string `mapstructure:"evict_interval"`
	ReturnWorkers                      int    `mapstructure:"return_workers"`
	DebugHeader                        bool   `mapstructure:"debug_header"`
}

type Config struct {
	Server             ServerConfig             `mapstructure:"server"`
	HealthCheck        HealthCheckConfig        `mapstructure:"health_check"`
	Strategy           StrategyConfig           `mapstructure:"strategy"`
	Backends           []BackendConfig          `mapstructure:"backends"`
	Logging            LoggingConfig            `mapstructure:"logging"`
	ConnectionsManager ConnectionsManagerConfig `mapstructure:"connections_manager"`
}

// Loader reads the configuration through its own viper instance.
type Loader struct {
	v      *viper.Viper
	logger *slog.Logger
}

type LoaderOption func(*Loader)

// WithConfigFile reads path instead of searching for config.yaml.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) {
		if path != "" {
			l.v.SetConfigFile(path)
		}
	}
}

// WithSearchPaths replaces the directories searched for config.yaml.
func WithSearchPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.v = newViper(paths...)
	}
}

func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loader{
		v:      newViper("./config", "."),
		logger: logger.With(slog.String("component", "config")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newViper(paths ...string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.admin_address", ":9090")
	v.SetDefault("health_check.interval", "2s")
	v.SetDefault("health_check.timeout", "1s")
	v.SetDefault("health_check.path", "")
	v.SetDefault("health_check.warmup", "1m")
	v.SetDefault("strategy.type", "round-robin")
	v.SetDefault("strategy.virtual_nodes", 100)
	v.SetDefault("logging.level", LogLevelInfo)

	v.SetDefault("connections_manager.max_connections_per_endpoint", 10)
	v.SetDefault("connections_manager.idle_timeout", "60s")
	v.SetDefault("connections_manager.stuck_request_timeout", "120s")
	v.SetDefault("connections_manager.connect_timeout", "10s")
	v.SetDefault("connections_manager.borrow_timeout", "60s")
	v.SetDefault("connections_manager.backends_unreachable_on_stuck_requests", false)
	v.SetDefault("connections_manager.reaper_period", "")
	v.SetDefault("connections_manager.evict_interval", "")
	v.SetDefault("connections_manager.return_workers", 10)
	v.SetDefault("connections_manager.debug_header", false)
}

// Load reads config.yaml from ./config or the working directory, overlaid by
// environment variables.
func Load() (*Config, error) {
	return NewLoader(nil).Load()
}

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			l.logger.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		l.logger.Warn("config file not found, using defaults and environment variables")
	} else {
		l.logger.Info("loaded config file", slog.String("file", l.v.ConfigFileUsed()))
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		l.logger.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		l.logger.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

// Watch calls onChange with every valid configuration written to the loaded
// file. Invalid changes are logged and skipped. Load must have found a file.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		cfg, err := l.decode()
		if err != nil {
			l.logger.Warn("keeping running configuration",
				slog.String("file", e.Name),
				slog.String("error", err.Error()))
			return
		}

		l.logger.Info("configuration reloaded", slog.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}
