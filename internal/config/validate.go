package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

// cronParser accepts standard five-field specs and descriptors such as @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate validates the configuration and returns any errors.
// Schedule requests are normalized in place, so their defaults are applied.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	// Validate environment
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[cfg.Env] {
		errs = append(errs, ValidationError{
			Field:   "env",
			Message: "must be one of: development, staging, production, test",
		})
	}

	// Validate port
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.http_port",
			Message: "must be a valid port number (1-65535)",
		})
	}
	errs = append(errs, validateDuration("server.shutdown_timeout", cfg.Server.ShutdownTimeout)...)

	// Validate training service
	errs = append(errs, validateTrainingService(&cfg.TrainingService)...)

	// Validate database
	if cfg.Database.Enabled {
		errs = append(errs, validateDatabase(&cfg.Database)...)
	}

	// Validate RabbitMQ
	if cfg.RabbitMQ.Enabled {
		errs = append(errs, validateRabbitMQ(&cfg.RabbitMQ)...)
	}

	// Validate schedules
	errs = append(errs, validateSchedules(cfg)...)

	// Validate Logging
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "metrics.path",
			Message: "must start with /",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateTrainingService(t *TrainingServiceConfig) ValidationErrors {
	var errs ValidationErrors

	u, err := url.Parse(t.BaseURL)
	if t.BaseURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "training_service.base_url",
			Message: "must be an absolute http:// or https:// URL",
		})
	}
	if t.StreamPath == "" {
		errs = append(errs, ValidationError{
			Field:   "training_service.stream_path",
			Message: "is required",
		})
	}
	errs = append(errs, validateDuration("training_service.connect_timeout", t.ConnectTimeout)...)

	if t.ChunkSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "training_service.chunk_size",
			Message: "must be greater than 0",
		})
	}
	if t.MaxRecordBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "training_service.max_record_bytes",
			Message: "must be greater than 0",
		})
	}

	return errs
}

func validateDatabase(db *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if db.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "database.host",
			Message: "is required",
		})
	}
	if db.Port <= 0 || db.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "database.port",
			Message: "must be a valid port number (1-65535)",
		})
	}
	if db.User == "" {
		errs = append(errs, ValidationError{
			Field:   "database.user",
			Message: "is required",
		})
	}
	if db.Name == "" {
		errs = append(errs, ValidationError{
			Field:   "database.name",
			Message: "is required",
		})
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if !validSSLModes[db.SSLMode] {
		errs = append(errs, ValidationError{
			Field:   "database.sslmode",
			Message: "must be one of: disable, require, verify-ca, verify-full",
		})
	}

	if db.MaxConnections <= 0 {
		errs = append(errs, ValidationError{
			Field:   "database.max_connections",
			Message: "must be greater than 0",
		})
	}
	if db.MaxIdleConnections < 0 {
		errs = append(errs, ValidationError{
			Field:   "database.max_idle_connections",
			Message: "must be non-negative",
		})
	}
	if db.MaxIdleConnections > db.MaxConnections {
		errs = append(errs, ValidationError{
			Field:   "database.max_idle_connections",
			Message: "must not exceed max_connections",
		})
	}
	errs = append(errs, validateDuration("database.conn_max_lifetime", db.ConnMaxLifetime)...)

	return errs
}

func validateRabbitMQ(mq *RabbitMQConfig) ValidationErrors {
	var errs ValidationErrors

	if mq.URL == "" {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.url",
			Message: "is required",
		})
	} else if !strings.HasPrefix(mq.URL, "amqp://") && !strings.HasPrefix(mq.URL, "amqps://") {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.url",
			Message: "must start with amqp:// or amqps://",
		})
	}

	if mq.Exchange == "" {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.exchange",
			Message: "is required",
		})
	}

	if mq.PrefetchCount <= 0 {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.prefetch_count",
			Message: "must be greater than 0",
		})
	}
	errs = append(errs, validateDuration("rabbitmq.reconnect_delay", mq.ReconnectDelay)...)
	errs = append(errs, validateDuration("rabbitmq.max_reconnect_wait", mq.MaxReconnectWait)...)

	return errs
}

func validateSchedules(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	surfaces := make(map[string]bool)
	for _, s := range cfg.SurfaceNames() {
		surfaces[s] = true
	}
	names := make(map[string]bool)

	for i := range cfg.Schedules {
		sc := &cfg.Schedules[i]
		prefix := fmt.Sprintf("schedules[%d]", i)

		if sc.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "is required"})
		} else if names[sc.Name] {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "must be unique"})
		}
		names[sc.Name] = true

		if _, err := cronParser.Parse(sc.Cron); err != nil {
			errs = append(errs, ValidationError{
				Field:   prefix + ".cron",
				Message: "invalid cron expression: " + err.Error(),
			})
		}

		if sc.Surface == "" {
			sc.Surface = DefaultSurface
		}
		if !surfaces[sc.Surface] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".surface",
				Message: "must name a configured surface",
			})
		}

		if err := sc.Request.Normalize(); err != nil {
			errs = append(errs, ValidationError{
				Field:   prefix + ".request",
				Message: err.Error(),
			})
		}
	}

	return errs
}

func validateDuration(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	if d, err := time.ParseDuration(value); err != nil || d < 0 {
		return ValidationErrors{{
			Field:   field,
			Message: "must be a non-negative duration such as 30s or 5m",
		}}
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[l.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[l.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be one of: json, console",
		})
	}

	return errs
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}
