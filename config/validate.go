package config

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/angeloszaimis/upstream-pool/internal/httpserver"
	"github.com/angeloszaimis/upstream-pool/internal/strategy"
)

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
					validation.Field(&sc.AdminAddress,
						validation.Required,
						validation.By(httpserver.ValidateAddress),
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
		validation.Field(&c.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&hc.Timeout,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&hc.Warmup,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&hc.Path,
						validation.By(validateHealthPath),
					),
				)
			}),
		),
		validation.Field(&c.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendConfig)),
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
					validation.Field(&sc.VirtualNodes,
						validation.Required,
						validation.Min(1),
					),
				)
			}),
		),
		// validated through ConnectionsManagerConfig.Validate
		validation.Field(&c.ConnectionsManager),
	)
}

// Validate checks the pool limits on their own, as done on hot reload.
func (c ConnectionsManagerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxConnectionsPerEndpoint,
			validation.Required,
			validation.Min(1),
		),
		validation.Field(&c.IdleTimeout,
			validation.Required,
			validation.By(validatePositiveDuration),
		),
		validation.Field(&c.StuckRequestTimeout,
			validation.Required,
			validation.By(validatePositiveDuration),
		),
		validation.Field(&c.ConnectTimeout,
			validation.Required,
			validation.By(validatePositiveDuration),
		),
		validation.Field(&c.BorrowTimeout,
			validation.Required,
			validation.By(validatePositiveDuration),
		),
		validation.Field(&c.ReaperPeriod,
			validation.By(validateOptionalDuration),
		),
		validation.Field(&c.EvictInterval,
			validation.By(validateOptionalDuration),
		),
		validation.Field(&c.ReturnWorkers,
			validation.Min(0),
		),
	)
}

func strategyNames() []interface{} {
	names := make([]interface{}, len(strategy.Names))
	for i, name := range strategy.Names {
		names[i] = name
	}
	return names
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	if err := validateDuration(value); err != nil {
		return err
	}

	if d, _ := time.ParseDuration(value.(string)); d <= 0 {
		return validation.NewError("validation_non_positive_duration", "must be greater than zero")
	}

	return nil
}

// validateOptionalDuration accepts an empty value, meaning derived from
// another setting.
func validateOptionalDuration(value interface{}) error {
	if s, ok := value.(string); ok && s == "" {
		return nil
	}
	return validatePositiveDuration(value)
}

func validateHealthPath(value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if path != "" && !strings.HasPrefix(path, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}

	return nil
}

func validateBackendConfig(value interface{}) error {
	backend, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}

	return validation.ValidateStruct(&backend,
		validation.Field(&backend.Host,
			validation.Required,
			is.Host,
		),
		validation.Field(&backend.Port,
			validation.Required,
			validation.Min(1),
			validation.Max(65535),
		),
		validation.Field(&backend.Weight,
			validation.Min(0),
		),
	)
}
