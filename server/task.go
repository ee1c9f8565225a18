package server

import (
	"time"
)

// Task is a message executed serially on the server's task loop, where
// kicks and registry removals run. New sessions are added to the registry
// by handleConnection, and Shutdown interrupts sessions directly.
// Value-returning tasks carry a one-shot reply channel; the poster blocks
// on the reply, never on the queue.
type Task interface {
	execute(*Server)
}

// OnlineUser is the introspection snapshot of one live session.
type OnlineUser struct {
	SessionID  string
	UID        UserID
	User       string
	RemoteIP   string
	Hostname   string
	Ident      string
	Command    string
	Idle       time.Duration
	LoggedInAt time.Time
}

// kickUserTask interrupts sessions of one user: all of them, or with
// oneOnly just the longest idle one. Replies with the number kicked.
type kickUserTask struct {
	uid     UserID
	oneOnly bool
	reply   chan int
}

func (t *kickUserTask) execute(s *Server) {
	sessions := s.sessionsOf(t.uid)

	if t.oneOnly && len(sessions) > 1 {
		oldest := sessions[0]
		for _, sess := range sessions[1:] {
			if sess.snapshot().Idle > oldest.snapshot().Idle {
				oldest = sess
			}
		}
		sessions = []*session{oldest}
	}

	for _, sess := range sessions {
		sess.interrupt()
	}
	t.reply <- len(sessions)
}

// LoginKickResult reports what loginKickUserTask found and did.
type LoginKickResult struct {
	Kicked   bool
	IdleTime time.Duration
	Logins   int
}

// loginKickUserTask is the replace-if-full path of login admission: kick
// the user's longest idle session and report the pre-kick login count.
type loginKickUserTask struct {
	uid   UserID
	reply chan LoginKickResult
}

func (t *loginKickUserTask) execute(s *Server) {
	sessions := s.sessionsOf(t.uid)

	var res LoginKickResult
	res.Logins = len(sessions)

	var oldest *session
	for _, sess := range sessions {
		if oldest == nil || sess.snapshot().Idle > oldest.snapshot().Idle {
			oldest = sess
		}
	}
	if oldest != nil {
		res.Kicked = true
		res.IdleTime = oldest.snapshot().Idle
		oldest.interrupt()
	}
	t.reply <- res
}

// getOnlineUsersTask snapshots every live session.
type getOnlineUsersTask struct {
	reply chan []OnlineUser
}

func (t *getOnlineUsersTask) execute(s *Server) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	users := make([]OnlineUser, 0, len(sessions))
	for _, sess := range sessions {
		users = append(users, sess.snapshot())
	}
	t.reply <- users
}

// ReloadResult is the in-place portion of a config reload outcome.
type ReloadResult int

const (
	ReloadOkay ReloadResult = iota
	ReloadFail
)

// ReloadOutcome carries both reload sub-results: whether the in-place
// reload worked, and whether a full stop/start is needed for the rest.
type ReloadOutcome struct {
	Status ReloadResult

	// StopStartRequired is set when a changed field (listen address, TLS
	// material) only takes effect on restart.
	StopStartRequired bool
}

// reloadConfigTask re-parses the config file and publishes the new
// snapshot. Running transfers keep the limits and limit class names they
// resolved at open; limit class budgets are read from the current
// snapshot, so a reload changes them for running transfers too.
type reloadConfigTask struct {
	reply chan ReloadOutcome
}

func (t *reloadConfigTask) execute(s *Server) {
	if s.configPath == "" {
		t.reply <- ReloadOutcome{Status: ReloadFail}
		return
	}

	fresh, err := LoadConfig(s.configPath)
	if err != nil {
		s.logger.Error("config reload failed", "path", s.configPath, "error", err)
		t.reply <- ReloadOutcome{Status: ReloadFail}
		return
	}

	old := s.config()
	stopStart := fresh.ListenAddr != old.ListenAddr ||
		fresh.TLSCertFile != old.TLSCertFile ||
		fresh.TLSKeyFile != old.TLSKeyFile

	s.configVal.Store(fresh)
	s.logger.Info("config reloaded", "path", s.configPath)
	t.reply <- ReloadOutcome{Status: ReloadOkay, StopStartRequired: stopStart}
}

// userUpdateTask marks every session of a user dirty; each reloads its
// record at its next command boundary.
type userUpdateTask struct {
	uid UserID
}

func (t *userUpdateTask) execute(s *Server) {
	for _, sess := range s.sessionsOf(t.uid) {
		sess.userUpdated.Store(true)
	}
}

// clientFinishedTask removes a finished session from the registry.
type clientFinishedTask struct {
	session *session
}

func (t *clientFinishedTask) execute(s *Server) {
	s.mu.Lock()
	delete(s.sessions, t.session)
	s.mu.Unlock()
}

// exitTask stops accepting and interrupts every session.
type exitTask struct{}

func (t *exitTask) execute(s *Server) {
	go func() { _ = s.Shutdown() }()
}

// KickUser interrupts the sessions of uid, or only the longest idle one.
// It returns the number of sessions kicked.
func (s *Server) KickUser(uid UserID, oneOnly bool) int {
	t := &kickUserTask{uid: uid, oneOnly: oneOnly, reply: make(chan int, 1)}
	if !s.postTask(t) {
		return 0
	}
	return <-t.reply
}

// loginKickUser runs the replace-if-full eviction for login admission.
func (s *Server) loginKickUser(uid UserID) LoginKickResult {
	t := &loginKickUserTask{uid: uid, reply: make(chan LoginKickResult, 1)}
	if !s.postTask(t) {
		return LoginKickResult{}
	}
	return <-t.reply
}

// OnlineUsers snapshots all live sessions.
func (s *Server) OnlineUsers() []OnlineUser {
	t := &getOnlineUsersTask{reply: make(chan []OnlineUser, 1)}
	if !s.postTask(t) {
		return nil
	}
	return <-t.reply
}

// ReloadConfig re-parses the configured file and publishes the snapshot.
func (s *Server) ReloadConfig() ReloadOutcome {
	t := &reloadConfigTask{reply: make(chan ReloadOutcome, 1)}
	if !s.postTask(t) {
		return ReloadOutcome{Status: ReloadFail}
	}
	return <-t.reply
}

// UserUpdated marks every session of uid to reload its user record at the
// next command boundary.
func (s *Server) UserUpdated(uid UserID) {
	s.postTask(&userUpdateTask{uid: uid})
}
