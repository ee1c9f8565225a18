package server

import (
	"errors"
	"fmt"
	"os"
)

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown.
var ErrServerClosed = errors.New("ftpd: server closed")

// ErrInterrupted is returned from blocking calls after the session has been
// interrupted by an external cancellation (admin kick, shutdown).
var ErrInterrupted = errors.New("ftpd: interrupted")

// errSyntax is returned by a command handler to request the standard
// "501 Syntax: ..." reply built from the command descriptor.
var errSyntax = errors.New("syntax error")

// errNoPostScript is returned by a command handler to suppress POST cscript
// execution for this command. The reply has already been sent.
var errNoPostScript = errors.New("skip post cscripts")

// ProtocolError indicates malformed input on the control connection
// (oversized command line, bad framing). The session terminates.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// MinimumSpeedError aborts a transfer whose speed stayed below the
// configured minimum for too long.
type MinimumSpeedError struct {
	Minimum float64 // KB/s configured
	Actual  float64 // KB/s measured
}

func (e *MinimumSpeedError) Error() string {
	return fmt.Sprintf("minimum speed not met: %.1fKB/s < %.1fKB/s", e.Actual, e.Minimum)
}

// TransferLimitError is returned when the global simultaneous transfer cap
// for a direction is reached. Surfaced to the client as a 550 reply.
type TransferLimitError struct {
	Direction string // "upload" or "download"
}

func (e *TransferLimitError) Error() string {
	return "simultaneous " + e.Direction + " limit reached"
}

// statusError carries an FTP reply for a user-actionable failure. The
// dispatch envelope sends the reply and the session continues.
type statusError struct {
	code int
	text string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%d %s", e.code, e.text)
}

// ftpError builds a statusError reply.
func ftpError(code int, format string, args ...interface{}) error {
	return &statusError{code: code, text: fmt.Sprintf(format, args...)}
}

// fsError maps a filesystem error onto its standard 550 reply.
func fsError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ftpError(550, "File not found.")
	case errors.Is(err, os.ErrPermission):
		return ftpError(550, "Permission denied.")
	case errors.Is(err, os.ErrExist):
		return ftpError(550, "File already exists.")
	}
	return ftpError(550, "Action failed: %v", err)
}
