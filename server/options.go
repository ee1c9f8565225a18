package server

import (
	"crypto/tls"
	"log/slog"
)

// Option is a functional option for configuring a Server.
type Option func(*Server) error

// WithDriver sets the backend driver for authentication, ACL queries and
// file operations. Required.
func WithDriver(driver Driver) Option {
	return func(s *Server) error {
		s.driver = driver
		return nil
	}
}

// WithConfig sets the initial configuration snapshot.
func WithConfig(cfg *Config) Option {
	return func(s *Server) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.configVal.Store(cfg)
		return nil
	}
}

// WithConfigFile loads the initial configuration from path and enables the
// ReloadConfig task to re-parse it.
func WithConfigFile(path string) Option {
	return func(s *Server) error {
		cfg, err := LoadConfig(path)
		if err != nil {
			return err
		}
		s.configPath = path
		s.configVal.Store(cfg)
		return nil
	}
}

// WithTLS enables AUTH TLS and PROT P with the given configuration. When
// unset, the config file's certificate paths are used instead, if any.
func WithTLS(config *tls.Config) Option {
	return func(s *Server) error {
		s.tlsConfig = config
		return nil
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithStatsStore sets the accounting sink for traffic totals and index
// maintenance.
func WithStatsStore(stats StatsStore) Option {
	return func(s *Server) error {
		s.stats = stats
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = collector
		return nil
	}
}
