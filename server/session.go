package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// clientState is the session's protocol state. The first four values are
// real states; anyState and notBeforeAuth are pseudo-values used only as
// command requirements.
type clientState int32

const (
	stateLoggedOut clientState = iota
	stateWaitingPassword
	stateLoggedIn
	stateFinished

	anyState
	notBeforeAuth
)

func (s clientState) String() string {
	switch s {
	case stateLoggedOut:
		return "LoggedOut"
	case stateWaitingPassword:
		return "WaitingPassword"
	case stateLoggedIn:
		return "LoggedIn"
	case stateFinished:
		return "Finished"
	}
	return "Invalid"
}

// session is the per-client unit of state. One goroutine runs serve; the
// command reader goroutine and background transfer goroutines synchronize
// through the session mutex, the atomic state field and the channels below.
type session struct {
	server  *Server
	id      string
	control *controlConn
	data    *dataConn

	// ctx is cancelled on interruption; child processes and auxiliary
	// lookups hang off it.
	ctx    context.Context
	cancel context.CancelFunc

	stateVal atomic.Int32

	mu               sync.Mutex
	user             *User
	fs               ClientContext
	remoteIP         string
	hostname         string
	ident            string
	kickLogin        bool
	loginCounted     bool
	passwordAttempts int
	currentCommand   string
	confirmCommand   string
	renameFrom       string
	epsvAll          bool
	lastPublicHost   string
	resolvedIP       net.IP
	lastCommand      time.Time
	loggedInAt       time.Time
	idleTimeout      time.Duration
	idleExpires      time.Time

	userUpdated atomic.Bool

	// closeNext terminates the session at the next command boundary,
	// used when the password attempt budget is exhausted.
	closeNext atomic.Bool

	// Background transfer coordination (teacher model: transfers run in
	// their own goroutine so ABOR and STAT can be served meanwhile).
	busy       bool
	transferWG sync.WaitGroup

	// cmdReqChan paces the reader goroutine: the next command is read only
	// after the previous handler finished, so AUTH TLS can swap the
	// reader safely.
	cmdReqChan chan struct{}
}

func newSession(server *Server, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		server:     server,
		id:         uuid.NewString()[:8],
		control:    newControlConn(conn),
		data:       newDataConn(),
		ctx:        ctx,
		cancel:     cancel,
		ident:      "*",
		cmdReqChan: make(chan struct{}),
	}
	s.remoteIP = splitHostPort(conn.RemoteAddr().String())
	s.idleTimeout = time.Duration(server.config().IdleTimeout) * time.Second
	return s
}

func (s *session) state() clientState {
	return clientState(s.stateVal.Load())
}

// finish enters the absorbing Finished state, running the logout
// accounting exactly once if the session was logged in.
func (s *session) finish() {
	prev := clientState(s.stateVal.Swap(int32(stateFinished)))
	if prev == stateLoggedIn {
		s.logout()
	}
}

// logout releases the login admission and emits the LOGOUT event. Paired
// with exactly one successful LoginCounter.Start.
func (s *session) logout() {
	s.mu.Lock()
	counted := s.loginCounted
	s.loginCounted = false
	u := s.user
	ident, hostname, ip := s.ident, s.hostname, s.remoteIP
	s.mu.Unlock()

	if !counted || u == nil {
		return
	}
	s.server.logins.Stop(u.ID)
	s.server.logger.Info("event",
		"event", "LOGOUT",
		"ident_address", ident+"@"+hostname,
		"ip", ip,
		"user", u.Name,
		"group", u.PrimaryGroup,
		"tagline", u.Tagline,
	)
}

// setWaitingPassword binds the user record pending password verification.
// The session takes ownership of the record.
func (s *session) setWaitingPassword(u *User, kickLogin bool) {
	s.mu.Lock()
	s.user = u
	s.kickLogin = kickLogin
	s.passwordAttempts = 0
	s.mu.Unlock()
	s.stateVal.Store(int32(stateWaitingPassword))
}

// currentUser returns the bound user record, nil before USER.
func (s *session) currentUser() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// clientFS returns the filesystem context, nil before login.
func (s *session) clientFS() ClientContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs
}

// checkState verifies a command's required state, sending the appropriate
// refusal when it is not met.
func (s *session) checkState(required clientState) bool {
	state := s.state()
	if state == required || required == anyState {
		return true
	}

	switch {
	case required == notBeforeAuth:
		if s.control.IsTLS() {
			return true
		}
		_ = s.control.Reply(503, "AUTH command must be issued first.")
	case state == stateLoggedIn:
		_ = s.control.Reply(530, "Already logged in.")
	case state == stateWaitingPassword:
		_ = s.control.Reply(503, "Expecting PASS command.")
	case state == stateLoggedOut && required == stateWaitingPassword:
		_ = s.control.Reply(503, "Expecting USER command first.")
	default:
		_ = s.control.Reply(530, "Not logged in.")
	}
	return false
}

// interrupt cancels the session from outside: admin kick or shutdown.
// One-shot and idempotent; the serve loop observes Finished and unwinds
// through the usual teardown.
func (s *session) interrupt() {
	s.finish()
	s.cancel()
	s.control.Interrupt()
	s.data.Interrupt()
}

// setCurrentCommand records the command being executed so introspection
// tasks always observe a well-formed snapshot.
func (s *session) setCurrentCommand(verb, argStr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if argStr != "" && verb != "PASS" {
		s.currentCommand = verb + " " + argStr
	} else {
		s.currentCommand = verb
	}
	s.lastCommand = time.Now()
}

func (s *session) clearCurrentCommand() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentCommand = ""
}

// idleReset restarts the idle clock after a command that is not in the
// idle-exempt list.
func (s *session) idleReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleExpires = time.Now().Add(s.idleTimeout)
}

// setIdleTimeout applies the effective idle timeout at login time.
func (s *session) setIdleTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleTimeout = d
	s.idleExpires = time.Now().Add(d)
}

// readDeadline computes the next control read deadline: the idle expiry
// for logged-in sessions with a nonzero idle timeout, otherwise none.
func (s *session) readDeadline() time.Time {
	if s.state() != stateLoggedIn {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimeout == 0 {
		return time.Time{}
	}
	return s.idleExpires
}

// transferBusy reports whether a background transfer is in flight.
func (s *session) transferBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *session) setBusy(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = b
}

// confirmCommandCheck implements the two-step confirmation for destructive
// SITE commands: the first invocation stores the token and returns false,
// an identical second invocation clears it and returns true.
func (s *session) confirmCommandCheck(argStr string) bool {
	token := compressWhitespace(argStr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.confirmCommand {
		s.confirmCommand = token
		return false
	}
	s.confirmCommand = ""
	return true
}

type command struct {
	line string
	err  error
}

// serve runs the session to completion. Always used via go serve(); the
// deferred guard keeps counters and accounting consistent on every exit
// path.
func (s *session) serve() {
	defer s.teardown()

	if err := s.run(); err != nil {
		s.handleServeError(err)
	}
}

// run is the session lifecycle: bouncer preamble, lookups, access checks,
// banner, then the command loop.
func (s *session) run() error {
	cfg := s.server.config()

	if !cfg.IsBouncer(s.remoteIP) {
		if cfg.BouncerOnly && !net.ParseIP(s.remoteIP).IsLoopback() {
			s.server.logger.Warn("security",
				"event", "NONBOUNCER",
				"msg", "Refused connection not from a bouncer address",
				"addr", s.hostnameAndIP(),
			)
			return nil
		}
	} else {
		line, err := s.control.WaitForIdnt(10 * time.Second)
		if err != nil {
			return err
		}
		if line == "" {
			if cfg.BouncerOnly {
				s.server.logger.Warn("security",
					"event", "IDNTTIMEOUT",
					"msg", "Timeout while waiting for IDNT command from bouncer",
					"addr", s.hostnameAndIP(),
				)
				return nil
			}
		} else if !s.idntParse(line) {
			s.server.logger.Warn("security",
				"event", "BADIDNT",
				"msg", "Malformed IDNT command from bouncer",
				"addr", s.hostnameAndIP(),
			)
			return nil
		}
	}

	s.hostnameLookup()

	if !s.preCheckAddress() {
		return nil
	}

	s.lookupIdent()

	s.server.logger.Debug("servicing client",
		"session_id", s.id,
		"ident", s.identString(),
		"addr", s.hostnameAndIP(),
	)

	if err := s.displayBanner(); err != nil {
		return err
	}

	return s.commandLoop()
}

// commandLoop reads and dispatches commands until the session finishes.
// The reader goroutine performs the blocking reads so that external
// interruption and ABOR can be honored while a handler runs.
func (s *session) commandLoop() error {
	done := make(chan struct{})
	defer close(done)

	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			line, err := s.control.NextCommand(s.readDeadline())
			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()

	for s.state() != stateFinished {
		cmd, ok := <-cmdChan
		if !ok {
			return io.EOF
		}
		if cmd.err != nil {
			return cmd.err
		}

		if s.closeNext.Load() {
			break
		}

		if s.userUpdated.Load() && !s.reloadUser() {
			break
		}

		if err := s.executeCommand(cmd.line); err != nil {
			return err
		}

		select {
		case s.cmdReqChan <- struct{}{}:
		case <-time.After(time.Second):
		}
	}
	return nil
}

// handleServeError maps loop-terminating errors to their client-visible
// behavior per the closed taxonomy.
func (s *session) handleServeError(err error) {
	var nerr net.Error
	switch {
	case errors.Is(err, ErrInterrupted):
		// External cancel; nothing goes to the client.
	case errors.As(err, &nerr) && nerr.Timeout():
		_ = s.control.Reply(421, "Idle timeout exceeded, closing connection.")
		s.server.logger.Debug("client connection timed out",
			"session_id", s.id, "addr", s.hostnameAndIP())
	case errors.Is(err, io.EOF):
		s.server.logger.Debug("client lost connection",
			"session_id", s.id, "addr", s.hostnameAndIP())
	default:
		var perr *ProtocolError
		if errors.As(err, &perr) {
			_ = s.control.Reply(421, "Protocol error, closing connection.")
			s.server.logger.Debug("client protocol error",
				"session_id", s.id, "addr", s.hostnameAndIP(), "error", err)
			return
		}
		s.server.logger.Error("unhandled error on client session",
			"session_id", s.id, "addr", s.hostnameAndIP(), "error", err)
	}
}

// teardown is the scoped guard run on every exit path: it finishes the
// state machine, releases channels, flushes traffic accounting and hands
// the session back to the server.
func (s *session) teardown() {
	s.finish()
	s.cancel()

	// Wait for background transfers before accounting the data bytes.
	s.data.abort()
	s.transferWG.Wait()

	s.logTraffic()

	s.mu.Lock()
	if s.fs != nil {
		s.fs.Close()
		s.fs = nil
	}
	s.mu.Unlock()

	s.data.reset()
	s.control.Close()

	s.server.postTask(&clientFinishedTask{session: s})

	s.server.logger.Debug("session closed",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"user", s.userName(),
		"bytes_in", s.control.BytesRead()+s.data.BytesRead(),
		"bytes_out", s.control.BytesWritten()+s.data.BytesWritten(),
	)
}

// logTraffic reports the session's byte totals to the stats store:
// control plus data, in KB.
func (s *session) logTraffic() {
	var uid UserID = -1
	if u := s.currentUser(); u != nil {
		uid = u.ID
	}
	sent := (s.control.BytesWritten() + s.data.BytesWritten()) / 1024
	recv := (s.control.BytesRead() + s.data.BytesRead()) / 1024
	s.server.stats.ProtocolUpdate(uid, sent, recv)
}

// reloadUser refreshes the user record after a UserUpdate task marked the
// session dirty. A missing or deleted record terminates the session.
func (s *session) reloadUser() bool {
	s.userUpdated.Store(false)

	u := s.currentUser()
	if u == nil {
		return true
	}

	fresh, err := s.server.driver.LoadUser(u.ID)
	if err != nil {
		s.server.logger.Error("failed to reload user record",
			"session_id", s.id, "user", u.Name, "error", err)
		s.finish()
		return false
	}
	if fresh.Deleted {
		s.finish()
		return false
	}

	s.mu.Lock()
	s.user = fresh
	s.mu.Unlock()

	s.server.logger.Debug("reloaded user record", "session_id", s.id, "user", fresh.Name)
	return true
}

// displayBanner sends the configured banner file, falling back to the
// login prompt.
func (s *session) displayBanner() error {
	cfg := s.server.config()
	if cfg.Banner != "" {
		if data, err := os.ReadFile(cfg.Banner); err == nil {
			text := strings.TrimRight(string(data), "\r\n")
			if text != "" {
				return s.control.Reply(220, text)
			}
		}
	}
	return s.control.Reply(220, cfg.LoginPrompt)
}

func (s *session) userName() string {
	if u := s.currentUser(); u != nil {
		return u.Name
	}
	return ""
}

func (s *session) identString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident
}

// hostnameAndIP formats "hostname(ip)" for log entries, collapsing the
// parenthesized part when they match.
func (s *session) hostnameAndIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostname == "" || s.hostname == s.remoteIP {
		return s.remoteIP
	}
	return fmt.Sprintf("%s(%s)", s.hostname, s.remoteIP)
}

// snapshot captures the fields reported by the GetOnlineUsers task.
func (s *session) snapshot() OnlineUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	ou := OnlineUser{
		SessionID:  s.id,
		RemoteIP:   s.remoteIP,
		Hostname:   s.hostname,
		Ident:      s.ident,
		Command:    s.currentCommand,
		LoggedInAt: s.loggedInAt,
	}
	if s.user != nil {
		ou.User = s.user.Name
		ou.UID = s.user.ID
	}
	if !s.lastCommand.IsZero() {
		ou.Idle = time.Since(s.lastCommand)
	}
	return ou
}
