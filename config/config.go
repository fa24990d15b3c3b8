package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/router-lab/internal/httpserver"
	"github.com/angeloszaimis/router-lab/internal/strategy"
	"github.com/angeloszaimis/router-lab/internal/target"
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

const maxPort = 65535

type ServerConfig struct {
	Address         string `mapstructure:"address"`
	Environment     string `mapstructure:"environment"`
	DialTimeout     string `mapstructure:"dial_timeout"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

type TargetsConfig struct {
	Host      string `mapstructure:"host"`
	StartPort int    `mapstructure:"start_port"`
	Count     int    `mapstructure:"count"`
	Spawn     bool   `mapstructure:"spawn"`
	Delay     string `mapstructure:"delay"`
	// Addresses lists host:port targets explicitly; when set it replaces
	// the host/start_port/count range.
	Addresses []string `mapstructure:"addresses"`
}

type StrategyConfig struct {
	Type string `mapstructure:"type"`
}

type AdminConfig struct {
	Address string `mapstructure:"address"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Targets  TargetsConfig  `mapstructure:"targets"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Flags that map directly onto a configuration key.
var flagKeys = map[string]string{
	"targets":           "targets.count",
	"target-host":       "targets.host",
	"target-start-port": "targets.start_port",
	"spawn":             "targets.spawn",
	"delay":             "targets.delay",
	"algorithm":         "strategy.type",
	"admin":             "admin.address",
	"log-level":         "logging.level",
}

// RegisterFlags defines the command line flags understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.IntP("port", "p", 8080, "port the router listens on")
	fs.IntP("targets", "b", 3, "number of targets")
	fs.StringP("algorithm", "a", strategy.RoundRobin, "selection strategy: "+strings.Join(strategy.Names(), ", "))
	fs.String("target-host", "127.0.0.1", "host the targets listen on")
	fs.Int("target-start-port", 3001, "port of the first target")
	fs.Bool("spawn", true, "run a local responder for every target")
	fs.Duration("delay", 0, "artificial latency added by local responders")
	fs.String("admin", ":9091", "admin listen address for /metrics and /stats, empty to disable")
	fs.String("log-level", LogLevelInfo, "log level: debug, info, warn, error")
}

// Load reads defaults, the optional config file, environment variables and
// the flags in fs, in increasing order of precedence. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.dial_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("targets.host", "127.0.0.1")
	v.SetDefault("targets.start_port", 3001)
	v.SetDefault("targets.count", 3)
	v.SetDefault("targets.spawn", true)
	v.SetDefault("targets.delay", "0s")
	v.SetDefault("targets.addresses", []string{})
	v.SetDefault("strategy.type", strategy.RoundRobin)
	v.SetDefault("admin.address", ":9091")
	v.SetDefault("logging.level", LogLevelInfo)

	configFile := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}

		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if fs != nil {
		if f := fs.Lookup("port"); f != nil && f.Changed {
			cfg.Server.Address = ":" + f.Value.String()
		}
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(httpserver.ValidateAddress),
					),
					validation.Field(&sc.DialTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&sc.ShutdownTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Targets,
			validation.Required,
			validation.By(validateTargets),
		),
		validation.Field(&c.Strategy,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StrategyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StrategyConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Type,
						validation.Required,
						validation.In(strategyNames()...),
					),
				)
			}),
		),
		validation.Field(&c.Admin,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AdminConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AdminConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.Address,
						validation.When(ac.Address != "", validation.By(httpserver.ValidateAddress)),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
	)
}

// TargetSet builds the ordered target set described by the configuration.
func (c *Config) TargetSet() (target.Set, error) {
	if len(c.Targets.Addresses) > 0 {
		return target.ParseList(c.Targets.Addresses)
	}
	return target.NewRange(c.Targets.Host, c.Targets.StartPort, c.Targets.Count)
}

func (s ServerConfig) DialTimeoutDuration() time.Duration {
	return mustDuration(s.DialTimeout)
}

func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return mustDuration(s.ShutdownTimeout)
}

func (t TargetsConfig) DelayDuration() time.Duration {
	return mustDuration(t.Delay)
}

// mustDuration parses a duration that Validate has already accepted.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func strategyNames() []interface{} {
	names := strategy.Names()
	out := make([]interface{}, len(names))
	for i, name := range names {
		out[i] = name
	}
	return out
}

func validateTargets(value interface{}) error {
	tc, ok := value.(TargetsConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a TargetsConfig")
	}

	err := validation.ValidateStruct(&tc,
		validation.Field(&tc.Host, validation.Required, is.Host),
		validation.Field(&tc.StartPort, validation.Required, validation.Min(1), validation.Max(maxPort)),
		validation.Field(&tc.Count, validation.Required, validation.Min(1)),
		validation.Field(&tc.Delay, validation.Required, validation.By(validateDuration)),
	)
	if err != nil {
		return err
	}

	if len(tc.Addresses) > 0 {
		if _, err := target.ParseList(tc.Addresses); err != nil {
			return validation.NewError("validation_invalid_addresses", err.Error())
		}
		return nil
	}

	if last := tc.StartPort + tc.Count - 1; last > maxPort {
		return validation.NewError("validation_port_range",
			fmt.Sprintf("last target port %d exceeds %d", last, maxPort))
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	if d < 0 {
		return validation.NewError("validation_negative_duration", "must not be negative")
	}

	return nil
}
