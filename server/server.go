package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Server is the FTP server supervisor: it accepts connections, owns the
// session registry and the process-wide counters, and drains the task bus.
//
// Lifecycle:
//  1. Create with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Stop with Shutdown(), which interrupts every session and waits for
//     the last one to tear down
type Server struct {
	addr       string
	driver     Driver
	stats      StatsStore
	logger     *slog.Logger
	tlsConfig  *tls.Config
	configPath string

	metricsCollector MetricsCollector

	configVal atomic.Pointer[Config]

	// Counters shared by every session. Initialized before the first
	// accept, torn down after the last session joins.
	logins         *LoginCounter
	uploads        *TransferCounter
	downloads      *TransferCounter
	uploadSpeeds   *SpeedCounter
	downloadSpeeds *SpeedCounter

	nextPassivePort atomic.Int32

	// Connection admission gauges, checked before a session is spawned.
	activeConns atomic.Int32
	connsByIP   map[string]int32
	connsByIPMu sync.Mutex

	mu         sync.Mutex
	listener   net.Listener
	sessions   map[*session]struct{}
	inShutdown atomic.Bool

	tasks     chan Task
	taskDone  chan struct{}
	sessionWG sync.WaitGroup
}

// NewServer creates a server listening on addr once served. The driver is
// required; everything else has defaults (slog.Default, DefaultConfig, no
// TLS, no metrics).
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:      addr,
		logger:    slog.Default(),
		stats:     nopStats{},
		sessions:  make(map[*session]struct{}),
		connsByIP: make(map[string]int32),
		tasks:     make(chan Task, 64),
		taskDone:  make(chan struct{}),
	}
	s.configVal.Store(DefaultConfig())

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.driver == nil {
		return nil, fmt.Errorf("driver is required (use WithDriver option)")
	}

	cfg := s.config()
	s.logins = newLoginCounter(func() int { return s.config().MaxUsers })
	s.uploads = newTransferCounter("upload", func() int { return s.config().MaxUploads })
	s.downloads = newTransferCounter("download", func() int { return s.config().MaxDownloads })
	s.uploadSpeeds = newSpeedCounter(func(class string) int64 { return s.config().ClassLimit(class, true) })
	s.downloadSpeeds = newSpeedCounter(func(class string) int64 { return s.config().ClassLimit(class, false) })

	if s.tlsConfig == nil && cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return s, nil
}

// config returns the current configuration snapshot.
func (s *Server) config() *Config {
	return s.configVal.Load()
}

// postTask enqueues a task for the server loop. Returns false once the
// server has shut down and the loop is gone.
func (s *Server) postTask(t Task) bool {
	select {
	case <-s.taskDone:
		return false
	case s.tasks <- t:
		return true
	}
}

// runTasks drains the task bus serially until Shutdown closes it.
func (s *Server) runTasks() {
	for {
		select {
		case t := <-s.tasks:
			t.execute(s)
		case <-s.taskDone:
			// Drain what is left so posters never block forever.
			for {
				select {
				case t := <-s.tasks:
					t.execute(s)
				default:
					return
				}
			}
		}
	}
}

// sessionsOf returns the live sessions bound to uid.
func (s *Server) sessionsOf(uid UserID) []*session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*session
	for sess := range s.sessions {
		if u := sess.currentUser(); u != nil && u.ID == uid && sess.state() != stateFinished {
			out = append(out, sess)
		}
	}
	return out
}

// ListenAndServe starts the server on the configured address and blocks
// until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("FTP server listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Serve accepts connections on l until the listener closes. Each accepted
// connection runs its session in its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	go s.runTasks()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		s.handleConnection(conn)
	}
}

// handleConnection admits a connection against the global and per-IP caps
// and spawns its session goroutine. Rejections are answered with a bare
// 421 before any session state exists.
func (s *Server) handleConnection(conn net.Conn) {
	cfg := s.config()
	ip := splitHostPort(conn.RemoteAddr().String())

	if max := cfg.MaxConnections; max > 0 && int(s.activeConns.Load()) >= max {
		s.logger.Warn("security",
			"event", "connection_rejected",
			"remote_ip", ip,
			"reason", "global_limit_reached",
			"limit", max,
		)
		if s.metricsCollector != nil {
			s.metricsCollector.RecordConnection(false, "global_limit_reached")
		}
		fmt.Fprintf(conn, "421 Too many users, sorry.\r\n")
		conn.Close()
		return
	}

	if max := cfg.MaxConnectionsPerIP; max > 0 {
		s.connsByIPMu.Lock()
		current := s.connsByIP[ip]
		s.connsByIPMu.Unlock()
		if current >= int32(max) {
			s.logger.Warn("security",
				"event", "connection_rejected",
				"remote_ip", ip,
				"reason", "per_ip_limit_reached",
				"limit", max,
			)
			if s.metricsCollector != nil {
				s.metricsCollector.RecordConnection(false, "per_ip_limit_reached")
			}
			fmt.Fprintf(conn, "421 Too many connections from your IP address.\r\n")
			conn.Close()
			return
		}
	}

	s.activeConns.Add(1)
	s.trackIP(ip, 1)

	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}

	sess := newSession(s, conn)

	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		conn.Close()
		s.activeConns.Add(-1)
		s.trackIP(ip, -1)
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.sessionWG.Add(1)
	go func() {
		defer s.sessionWG.Done()
		defer s.trackIP(ip, -1)
		defer s.activeConns.Add(-1)
		sess.serve()
	}()
}

// trackIP adjusts the per-IP connection gauge.
func (s *Server) trackIP(ip string, delta int32) {
	s.connsByIPMu.Lock()
	defer s.connsByIPMu.Unlock()
	s.connsByIP[ip] += delta
	if s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
}

// Shutdown stops accepting, interrupts every session and waits for them to
// finish. Idempotent.
func (s *Server) Shutdown() error {
	if !s.inShutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	for _, sess := range sessions {
		sess.interrupt()
	}

	s.sessionWG.Wait()
	close(s.taskDone)
	return err
}
