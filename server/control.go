package server

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MaxCommandLength is the maximum length of a control connection command
// line. Longer lines are a protocol error and terminate the session.
const MaxCommandLength = 4096

// countingConn wraps a net.Conn with traffic counters. The counters feed the
// per-session traffic accounting reported to the stats store at teardown.
type countingConn struct {
	net.Conn
	read    atomic.Int64
	written atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

// controlConn is the session's command/reply channel. It owns the line
// reader and reply writer, the TLS state toggled by AUTH TLS and CCC, and
// the interruption bit consulted at every blocking boundary.
//
// The raw connection always stays at the bottom of the stack so that byte
// counters keep counting through a TLS upgrade and CCC can strip the wrap
// again.
type controlConn struct {
	mu     sync.Mutex
	raw    *countingConn
	conn   net.Conn // raw or *tls.Conn on top of raw
	reader *bufio.Reader
	writer *bufio.Writer
	isTLS  bool

	interrupted atomic.Bool
}

func newControlConn(conn net.Conn) *controlConn {
	raw := &countingConn{Conn: conn}
	c := &controlConn{
		raw:  raw,
		conn: raw,
	}
	c.reader = bufio.NewReader(newTelnetReader(raw))
	c.writer = bufio.NewWriter(raw)
	return c
}

// Interrupt makes all current and future blocking calls on the channel fail
// promptly. Idempotent.
func (c *controlConn) Interrupt() {
	if c.interrupted.CompareAndSwap(false, true) {
		c.raw.Conn.Close()
	}
}

func (c *controlConn) Close() error {
	return c.raw.Conn.Close()
}

func (c *controlConn) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTLS
}

func (c *controlConn) LocalAddr() net.Addr  { return c.raw.Conn.LocalAddr() }
func (c *controlConn) RemoteAddr() net.Addr { return c.raw.Conn.RemoteAddr() }

// BytesRead reports bytes received on the control connection.
func (c *controlConn) BytesRead() int64 { return c.raw.read.Load() }

// BytesWritten reports bytes sent on the control connection.
func (c *controlConn) BytesWritten() int64 { return c.raw.written.Load() }

// NextCommand reads one CRLF terminated command line, honoring deadline.
// A zero deadline blocks indefinitely. The returned line has the line
// terminator stripped.
//
// Error mapping: interruption yields ErrInterrupted, a peer close yields
// io.EOF, an elapsed deadline yields a net.Error with Timeout() == true,
// and an oversized line yields a ProtocolError.
func (c *controlConn) NextCommand(deadline time.Time) (string, error) {
	if c.interrupted.Load() {
		return "", ErrInterrupted
	}
	_ = c.raw.Conn.SetReadDeadline(deadline)

	line := make([]byte, 0, 64)
	for {
		c.mu.Lock()
		r := c.reader
		c.mu.Unlock()

		b, err := r.ReadByte()
		if err != nil {
			if c.interrupted.Load() {
				return "", ErrInterrupted
			}
			return "", err
		}
		if b == '\n' {
			return strings.TrimRight(string(line), "\r"), nil
		}
		if len(line) >= MaxCommandLength {
			return "", &ProtocolError{Reason: "command line too long"}
		}
		line = append(line, b)
	}
}

// WaitForIdnt reads the bouncer IDNT preamble with a bounded wait. Unlike
// NextCommand it returns the empty string on timeout rather than an error.
func (c *controlConn) WaitForIdnt(timeout time.Duration) (string, error) {
	line, err := c.NextCommand(time.Now().Add(timeout))
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return "", nil
		}
		return "", err
	}
	return line, nil
}

// Reply sends a status reply. A text containing newlines is formatted as a
// multi-line reply using the standard "nnn-" continuation convention with
// "nnn " on the final line.
func (c *controlConn) Reply(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		var err error
		if i < len(lines)-1 {
			_, err = fmt.Fprintf(c.writer, "%d-%s\r\n", code, line)
		} else {
			_, err = fmt.Fprintf(c.writer, "%d %s\r\n", code, line)
		}
		if err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// writeRaw sends preformatted protocol text (directory listings over the
// control channel, FEAT bodies built line by line).
func (c *controlConn) writeRaw(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.writer, s); err != nil {
		return err
	}
	return c.writer.Flush()
}

// UpgradeTLS wraps the connection after a successful AUTH TLS exchange.
// The handshake runs with a deadline so a stalled peer cannot wedge the
// session.
func (c *controlConn) UpgradeTLS(config *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTLS {
		return errors.New("control connection already TLS")
	}

	tlsConn := tls.Server(c.raw, config)
	_ = c.raw.Conn.SetDeadline(time.Now().Add(30 * time.Second))
	err := tlsConn.Handshake()
	_ = c.raw.Conn.SetDeadline(time.Time{})
	if err != nil {
		if c.interrupted.Load() {
			return ErrInterrupted
		}
		return err
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(newTelnetReader(tlsConn))
	c.writer = bufio.NewWriter(tlsConn)
	c.isTLS = true
	return nil
}

// DowngradeTLS strips the TLS wrap after CCC, returning the channel to
// clear text. Bytes buffered inside the TLS layer are discarded; the client
// is expected to wait for the CCC reply before sending in clear.
func (c *controlConn) DowngradeTLS() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isTLS {
		return errors.New("control connection not TLS")
	}

	c.conn = c.raw
	c.reader = bufio.NewReader(newTelnetReader(c.raw))
	c.writer = bufio.NewWriter(c.raw)
	c.isTLS = false
	return nil
}
