package server

import "time"

// MetricsCollector is an optional sink for server metrics. Implementations
// forward to monitoring systems (the internal/metrics package provides a
// Prometheus-backed one).
//
// Methods are called from session goroutines and must not block; dispatch
// expensive work asynchronously. The server checks for nil before calling.
type MetricsCollector interface {
	// RecordCommand records one FTP command execution.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a completed transfer. operation is the verb
	// (RETR, STOR, APPE, STOU, LIST, NLST, MLSD).
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records a connection attempt and the admission
	// outcome.
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a login attempt.
	RecordAuthentication(success bool, user string)
}
