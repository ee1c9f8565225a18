// Package metrics provides a Prometheus-backed implementation of the
// server's MetricsCollector interface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports FTP server metrics through a Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	transferBytes   *prometheus.CounterVec
	transferSeconds *prometheus.HistogramVec
	connections     *prometheus.CounterVec
	authentications *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "commands_total",
			Help:      "FTP commands executed, by verb and outcome.",
		}, []string{"verb", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpd",
			Name:      "command_duration_seconds",
			Help:      "FTP command execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by completed transfers, by verb.",
		}, []string{"verb"}),
		transferSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpd",
			Name:      "transfer_duration_seconds",
			Help:      "Completed transfer durations.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 1800},
		}, []string{"verb"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "connections_total",
			Help:      "Connection attempts, by admission outcome.",
		}, []string{"outcome", "reason"}),
		authentications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "authentications_total",
			Help:      "Login attempts, by outcome.",
		}, []string{"outcome"}),
	}

	c.registry.MustRegister(
		c.commands,
		c.commandDuration,
		c.transferBytes,
		c.transferSeconds,
		c.connections,
		c.authentications,
	)
	return c
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	c.commands.WithLabelValues(cmd, outcome).Inc()
	c.commandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	c.transferBytes.WithLabelValues(operation).Add(float64(bytes))
	c.transferSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordConnection(accepted bool, reason string) {
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	c.connections.WithLabelValues(outcome, reason).Inc()
}

func (c *Collector) RecordAuthentication(success bool, user string) {
	outcome := "ok"
	if !success {
		outcome = "failed"
	}
	c.authentications.WithLabelValues(outcome).Inc()
}
