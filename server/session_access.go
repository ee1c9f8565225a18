package server

import (
	"errors"
	"net"
	"os"
	"strings"
	"time"
)

// compressWhitespace collapses runs of whitespace to single spaces,
// normalizing confirmation tokens.
func compressWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (s *session) cmdUSER(argStr string, args []string) error {
	name := args[0]

	// A trailing '!' requests kicking the longest idle login when the
	// personal cap is reached.
	kickLogin := false
	if strings.HasSuffix(name, "!") {
		name = strings.TrimSuffix(name, "!")
		kickLogin = true
	}
	if name == "" {
		return errSyntax
	}

	u, err := s.server.driver.UserByName(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ftpError(530, "User %s access denied.", name)
		}
		return err
	}

	s.setWaitingPassword(u, kickLogin)
	return s.control.Reply(331, "Password required for "+u.Name+".")
}

func (s *session) cmdPASS(argStr string, args []string) error {
	u := s.currentUser()

	s.mu.Lock()
	s.passwordAttempts++
	attempts := s.passwordAttempts
	kickLogin := s.kickLogin
	s.mu.Unlock()

	maxAttempts := s.server.config().MaxPasswordAttempts

	// Once the attempt budget is spent, further attempts are refused
	// before any password check runs. The session drops back to LoggedOut
	// and terminates at the next command boundary.
	if attempts > maxAttempts {
		_ = s.control.Reply(530, "Password attempts exceeded, disconnecting.")
		s.stateVal.Store(int32(stateLoggedOut))
		s.closeNext.Store(true)
		return nil
	}

	verified, ctx, err := s.verifyPassword(u, argStr)
	if err != nil {
		return err
	}
	u = s.currentUser() // Authenticate may have refreshed the record
	if !verified {
		s.server.logger.Warn("security",
			"event", "BADPASSWORD",
			"user", u.Name,
			"addr", s.hostnameAndIP(),
		)
		return ftpError(530, "Login incorrect.")
	}

	if !s.postCheckAddress(u) {
		ctx.Close()
		s.server.logger.Warn("security",
			"event", "BADIDENTADDRESS",
			"user", u.Name,
			"ident_address", s.identString()+"@"+s.remoteIP,
		)
		s.stateVal.Store(int32(stateLoggedOut))
		return ftpError(530, "Login not allowed from %s@%s.", s.identString(), s.remoteIP)
	}

	if err := s.startLogin(u, kickLogin); err != nil {
		ctx.Close()
		s.stateVal.Store(int32(stateLoggedOut))
		return err
	}

	s.setLoggedIn(u, ctx)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, u.Name)
	}
	return s.control.Reply(230, "User "+u.Name+" logged in.")
}

// verifyPassword runs the driver authentication. A wrong password is a
// normal outcome, not an error.
func (s *session) verifyPassword(u *User, password string) (bool, ClientContext, error) {
	fresh, ctx, err := s.server.driver.Authenticate(u.Name, password)
	if err != nil {
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, u.Name)
		}
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return false, nil, nil
		}
		return false, nil, err
	}

	// Authenticate may return a fresher record than USER bound.
	s.mu.Lock()
	s.user = fresh
	s.mu.Unlock()
	return true, ctx, nil
}

// startLogin runs login admission, honoring the replace-if-full request by
// asking the server to kick the user's longest idle session and retrying
// admission once.
func (s *session) startLogin(u *User, kickLogin bool) error {
	result := s.server.logins.Start(u.ID, u.NumLogins, u.Exempt)
	if result == CounterPersonalFail && kickLogin {
		res := s.server.loginKickUser(u.ID)
		if res.Kicked {
			result = s.server.logins.Start(u.ID, u.NumLogins, u.Exempt)
		}
	}

	switch result {
	case CounterPersonalFail:
		return ftpError(530, "You've reached your maximum of %d login(s).", u.NumLogins)
	case CounterGlobalFail:
		return ftpError(530, "The server has reached its maximum number of logged in users.")
	}

	s.mu.Lock()
	s.loginCounted = true
	s.mu.Unlock()
	return nil
}

// setLoggedIn completes the transition: effective idle timeout, login
// timestamp, LOGIN event.
func (s *session) setLoggedIn(u *User, ctx ClientContext) {
	cfg := s.server.config()

	idle := time.Duration(cfg.IdleTimeout) * time.Second
	switch {
	case u.IdleTime == 0:
		idle = 0
	case u.IdleTime > 0:
		idle = time.Duration(u.IdleTime) * time.Second
	}
	s.setIdleTimeout(idle)

	s.mu.Lock()
	s.fs = ctx
	s.loggedInAt = time.Now()
	s.mu.Unlock()
	s.stateVal.Store(int32(stateLoggedIn))

	s.server.logger.Info("event",
		"event", "LOGIN",
		"ident_address", s.identString()+"@"+s.hostnameOrIP(),
		"ip", s.remoteIP,
		"user", u.Name,
		"group", u.PrimaryGroup,
		"tagline", u.Tagline,
	)
}

func (s *session) cmdACCT(argStr string, args []string) error {
	return s.control.Reply(202, "Command not implemented, superfluous at this site.")
}

func (s *session) cmdQUIT(argStr string, args []string) error {
	err := s.control.Reply(221, "Goodbye.")
	s.finish()
	return err
}

// cmdREIN returns the session to LoggedOut and repeats the login prompt:
// the login and user record are released, and data endpoints and the REST
// offset are dropped. TYPE, PROT and the control channel's TLS are kept.
func (s *session) cmdREIN(argStr string, args []string) error {
	s.logout()
	s.data.reset()

	s.mu.Lock()
	if s.fs != nil {
		s.fs.Close()
		s.fs = nil
	}
	s.user = nil
	s.renameFrom = ""
	s.kickLogin = false
	s.mu.Unlock()
	s.stateVal.Store(int32(stateLoggedOut))

	return s.control.Reply(220, s.server.config().LoginPrompt)
}

// cmdIDNT accepts the bouncer identity preamble when it arrives as a
// regular command rather than ahead of the banner. Only configured bouncer
// addresses may use it.
func (s *session) cmdIDNT(argStr string, args []string) error {
	if !s.server.config().IsBouncer(s.remoteIP) {
		s.server.logger.Warn("security",
			"event", "BADIDNT",
			"msg", "IDNT command from non-bouncer address",
			"addr", s.hostnameAndIP(),
		)
		return ftpError(530, "IDNT not allowed from your address.")
	}
	if !s.idntParse("IDNT " + argStr) {
		return errSyntax
	}
	return s.control.Reply(200, "IDNT command successful.")
}

// idntParse handles "IDNT ident@ip:hostname" from a bouncer, replacing the
// session's identity with the original client's.
func (s *session) idntParse(line string) bool {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return false
	}

	at := strings.IndexByte(fields[1], '@')
	if at < 0 {
		return false
	}
	colon := strings.LastIndexByte(fields[1], ':')
	if colon < 0 || colon <= at {
		return false
	}

	ident := fields[1][:at]
	ip := fields[1][at+1 : colon]
	hostname := fields[1][colon+1:]
	if ident == "" || ip == "" || hostname == "" {
		return false
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if v4 := parsed.To4(); v4 != nil {
		ip = v4.String()
	}

	s.mu.Lock()
	s.ident = ident
	s.remoteIP = ip
	if ip != hostname {
		s.hostname = hostname
	}
	s.mu.Unlock()
	return true
}

// hostnameLookup reverse-resolves the client address, best effort. The IP
// stands in when resolution fails.
func (s *session) hostnameLookup() {
	s.mu.Lock()
	if s.hostname != "" {
		s.mu.Unlock()
		return
	}
	ip := s.remoteIP
	s.mu.Unlock()

	hostname := ip
	if names, err := net.LookupAddr(ip); err == nil && len(names) > 0 {
		hostname = strings.TrimSuffix(names[0], ".")
	}

	s.mu.Lock()
	s.hostname = hostname
	s.mu.Unlock()
}

func (s *session) hostnameOrIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostname != "" {
		return s.hostname
	}
	return s.remoteIP
}

// preCheckAddress is the pre-authentication ACL gate. Denied connections
// are logged and closed without a reply.
func (s *session) preCheckAddress() bool {
	s.mu.Lock()
	ip, hostname := s.remoteIP, s.hostname
	s.mu.Unlock()

	if s.server.driver.IPAllowed(ip) {
		return true
	}
	if ip != hostname && s.server.driver.IPAllowed(hostname) {
		return true
	}

	s.server.logger.Warn("security",
		"event", "BADADDRESS",
		"msg", "Refused connection from unknown address",
		"addr", s.hostnameAndIP(),
	)
	return false
}

// postCheckAddress verifies ident@address against the user's allow masks
// after the password has been accepted.
func (s *session) postCheckAddress(u *User) bool {
	s.mu.Lock()
	ident, ip, hostname := s.ident, s.remoteIP, s.hostname
	s.mu.Unlock()

	if s.server.driver.IdentIPAllowed(u.ID, ident+"@"+ip) {
		return true
	}
	return ip != hostname && s.server.driver.IdentIPAllowed(u.ID, ident+"@"+hostname)
}

// lookupIdent queries the client's RFC 1413 ident service, best effort
// with a bounded wait. An earlier IDNT preamble wins.
func (s *session) lookupIdent() {
	s.mu.Lock()
	already := s.ident != "*"
	s.mu.Unlock()
	if already {
		return
	}

	ident, err := identLookup(s.ctx, s.control.LocalAddr(), s.control.RemoteAddr(), identTimeout)
	if err != nil {
		s.server.logger.Debug("ident lookup failed",
			"session_id", s.id, "addr", s.hostnameAndIP(), "error", err)
		return
	}

	s.mu.Lock()
	s.ident = ident
	s.mu.Unlock()
}
