package server

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// transferChunkSize is the unit of work in the transfer pump. The speed
// controller and the interruption bit are consulted once per chunk.
const transferChunkSize = 32 * 1024

// dataConnectTimeout bounds active connects and passive accepts.
const dataConnectTimeout = 10 * time.Second

// transferState exposes the live progress of one transfer: a monotone byte
// counter and a duration derived from a monotonic clock.
type transferState struct {
	bytes atomic.Int64
	start time.Time
}

func newTransferState() *transferState {
	return &transferState{start: time.Now()}
}

func (t *transferState) add(n int64) { t.bytes.Add(n) }

func (t *transferState) Bytes() int64 { return t.bytes.Load() }

func (t *transferState) Duration() time.Duration { return time.Since(t.start) }

// sample captures the current progress as a speed sample.
func (t *transferState) sample() speedSample {
	return speedSample{duration: t.Duration(), bytes: t.Bytes()}
}

// dataConn is the session's transient data channel. It moves through
// idle → configured (PORT/EPRT target stored or PASV/EPSV listener open) →
// open → transferring → idle again after every transfer.
type dataConn struct {
	mu sync.Mutex

	// Active mode target from PORT/EPRT.
	activeIP   string
	activePort int

	// Passive mode listener from PASV/EPSV.
	listener net.Listener

	// protected is the PROT level: false = Clear, true = Private.
	protected bool

	// asciiType is the TYPE: false = BINARY (I), true = ASCII (A).
	asciiType bool

	// restartOffset is the REST offset applied to the next transfer. It
	// survives exactly one failed attempt.
	restartOffset  int64
	offsetRetained bool

	conn     net.Conn
	counting *countingConn
	state    *transferState

	// Cumulative traffic over all transfers on this session's data
	// channels, folded in as each connection closes.
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	interrupted atomic.Bool
}

func newDataConn() *dataConn {
	return &dataConn{}
}

// setActive stores the PORT/EPRT target, dropping any passive listener.
func (d *dataConn) setActive(ip string, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}
	d.activeIP = ip
	d.activePort = port
}

// setPassive stores a fresh listener, dropping any previous endpoint
// configuration.
func (d *dataConn) setPassive(ln net.Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		d.listener.Close()
	}
	d.listener = ln
	d.activeIP = ""
	d.activePort = 0
}

// open establishes the data connection: dial for active mode, accept for
// passive. With protection set to Private the connection is wrapped in a
// server-side TLS handshake resuming the control channel's session where
// the stack supports it (crypto/tls shares the session cache through the
// config).
func (d *dataConn) open(tlsConfig *tls.Config) (net.Conn, error) {
	if d.interrupted.Load() {
		return nil, ErrInterrupted
	}

	d.mu.Lock()
	ln := d.listener
	ip, port := d.activeIP, d.activePort
	protected := d.protected
	d.mu.Unlock()

	var conn net.Conn
	var err error
	switch {
	case ln != nil:
		if t, ok := ln.(*net.TCPListener); ok {
			_ = t.SetDeadline(time.Now().Add(dataConnectTimeout))
		}
		conn, err = ln.Accept()
		d.mu.Lock()
		if d.listener == ln {
			d.listener = nil
		}
		d.mu.Unlock()
		ln.Close()
	case ip != "":
		addr := net.JoinHostPort(ip, strconv.Itoa(port))
		conn, err = net.DialTimeout("tcp", addr, dataConnectTimeout)
		d.mu.Lock()
		d.activeIP = ""
		d.mu.Unlock()
	default:
		return nil, fmt.Errorf("no data connection endpoint configured")
	}
	if err != nil {
		if d.interrupted.Load() {
			return nil, ErrInterrupted
		}
		return nil, err
	}

	counting := &countingConn{Conn: conn}
	conn = counting

	if protected {
		if tlsConfig == nil {
			conn.Close()
			return nil, fmt.Errorf("data protection requested without TLS configuration")
		}
		tlsConn := tls.Server(conn, tlsConfig)
		_ = conn.SetDeadline(time.Now().Add(dataConnectTimeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			if d.interrupted.Load() {
				return nil, ErrInterrupted
			}
			return nil, err
		}
		_ = conn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	d.mu.Lock()
	d.conn = conn
	d.counting = counting
	d.state = newTransferState()
	d.mu.Unlock()
	return conn, nil
}

// foldCounters accumulates the closing connection's byte counts into the
// session totals. Caller holds the mutex.
func (d *dataConn) foldCounters() {
	if d.counting != nil {
		d.bytesRead.Add(d.counting.read.Load())
		d.bytesWritten.Add(d.counting.written.Load())
		d.counting = nil
	}
}

// BytesRead reports bytes received over all data connections, including
// the one currently open.
func (d *dataConn) BytesRead() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.bytesRead.Load()
	if d.counting != nil {
		n += d.counting.read.Load()
	}
	return n
}

// BytesWritten reports bytes sent over all data connections, including the
// one currently open.
func (d *dataConn) BytesWritten() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.bytesWritten.Load()
	if d.counting != nil {
		n += d.counting.written.Load()
	}
	return n
}

// closeConn returns the channel to idle after a transfer, keeping the
// restart offset only when keepOffset is set (failed attempt, REST
// semantics).
func (d *dataConn) closeConn(keepOffset bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.foldCounters()
	d.state = nil
	if keepOffset && !d.offsetRetained {
		d.offsetRetained = true
	} else {
		d.restartOffset = 0
		d.offsetRetained = false
	}
}

// reset drops every endpoint configuration and closes anything open.
func (d *dataConn) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.foldCounters()
	d.activeIP = ""
	d.activePort = 0
	d.restartOffset = 0
	d.state = nil
}

// Interrupt aborts any in-flight transfer and blocks future opens.
// Idempotent.
func (d *dataConn) Interrupt() {
	if !d.interrupted.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
	}
	if d.listener != nil {
		d.listener.Close()
	}
}

// abort closes the in-flight connection without marking the channel
// permanently interrupted. Used by ABOR.
func (d *dataConn) abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
	}
	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}
}

// setProtected switches the PROT level for subsequent opens.
func (d *dataConn) setProtected(p bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.protected = p
}

// setASCII switches the transfer TYPE for subsequent transfers.
func (d *dataConn) setASCII(ascii bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asciiType = ascii
}

func (d *dataConn) isASCII() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.asciiType
}

func (d *dataConn) setRestartOffset(off int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restartOffset = off
	d.offsetRetained = false
}

func (d *dataConn) takeRestartOffset() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restartOffset
}

// currentState returns the live transfer state, or nil when idle.
func (d *dataConn) currentState() *transferState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// pump copies src to dst in fixed-size chunks, updating the transfer state
// and applying the speed controller after every chunk. It stops early on
// interruption or a speed policy violation.
func (d *dataConn) pump(dst io.Writer, src io.Reader, sc *speedControl) (int64, error) {
	buf := make([]byte, transferChunkSize)
	var total int64

	for {
		if d.interrupted.Load() {
			return total, ErrInterrupted
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if state := d.currentState(); state != nil {
				state.add(int64(wn))
			}
			if werr != nil {
				return total, werr
			}
			if wn < n {
				return total, io.ErrShortWrite
			}
			if sc != nil {
				if err := sc.Apply(); err != nil {
					return total, err
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}
