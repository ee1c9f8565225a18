package server

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// newTestSession builds a session over a net.Pipe. A reader goroutine
// drains the client side into the returned channel so handlers never block
// on their replies. The server is constructed but not serving; its task
// loop runs so kick/online tasks work.
func newTestSession(t *testing.T, options ...Option) (*session, chan string) {
	t.Helper()

	driver := NewFSDriver(afero.NewMemMapFs())
	_, err := driver.AddUser("alice", "secret", WithUserLogins(2))
	fatalIfErr(t, err, "add user")

	options = append([]Option{WithDriver(driver)}, options...)
	srv, err := NewServer(":0", options...)
	fatalIfErr(t, err, "new server")
	go srv.runTasks()
	t.Cleanup(func() { _ = srv.Shutdown() })

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	lines := make(chan string, 16)
	go func() {
		r := bufio.NewReader(clientSide)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimRight(line, "\r\n")
		}
	}()

	return newSession(srv, serverSide), lines
}

// execCmd runs one command and collects the reply lines it produced.
func execCmd(t *testing.T, sess *session, lines chan string, command string) []string {
	t.Helper()
	fatalIfErr(t, sess.executeCommand(command), "executeCommand(%q)", command)

	var replies []string
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return replies
			}
			replies = append(replies, line)
		case <-time.After(50 * time.Millisecond):
			return replies
		}
	}
}

func TestCheckStateReplies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		state    clientState
		required clientState
		ok       bool
		reply    string
	}{
		{"match", stateLoggedOut, stateLoggedOut, true, ""},
		{"any", stateLoggedOut, anyState, true, ""},
		{"pass before user", stateLoggedOut, stateWaitingPassword, false, "503"},
		{"already logged in", stateLoggedIn, stateLoggedOut, false, "530"},
		{"expecting pass", stateWaitingPassword, stateLoggedIn, false, "503"},
		{"not logged in", stateLoggedOut, stateLoggedIn, false, "530"},
		{"tls required", stateLoggedOut, notBeforeAuth, false, "503"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess, lines := newTestSession(t)
			sess.stateVal.Store(int32(tc.state))

			if got := sess.checkState(tc.required); got != tc.ok {
				t.Errorf("checkState = %v, want %v", got, tc.ok)
			}
			if !tc.ok {
				select {
				case line := <-lines:
					if !strings.HasPrefix(line, tc.reply) {
						t.Errorf("refusal = %q, want prefix %q", line, tc.reply)
					}
				case <-time.After(time.Second):
					t.Fatal("no refusal reply")
				}
			}
		})
	}
}

func TestFinishedIsAbsorbing(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)

	sess.finish()
	if sess.state() != stateFinished {
		t.Fatal("finish() should enter Finished")
	}

	sess.finish()
	if sess.state() != stateFinished {
		t.Error("repeated finish must stay Finished")
	}
}

func TestLogoutPairsWithLogin(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)

	u, err := sess.server.driver.UserByName("alice")
	fatalIfErr(t, err, "user by name")

	sess.setWaitingPassword(u, false)
	fatalIfErr(t, sess.startLogin(u, false), "start login")
	sess.stateVal.Store(int32(stateLoggedIn))

	if got := sess.server.logins.Logins(u.ID); got != 1 {
		t.Fatalf("logins = %d, want 1", got)
	}

	// Finishing twice releases the login exactly once.
	sess.finish()
	sess.finish()
	if got := sess.server.logins.Logins(u.ID); got != 0 {
		t.Errorf("logins after finish = %d, want 0", got)
	}
	if sess.server.logins.Total() != 0 {
		t.Errorf("total = %d, want 0", sess.server.logins.Total())
	}
}

func TestIdntParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line string
		ok   bool
	}{
		{"IDNT joe@10.1.2.3:host.example.org", true},
		{"IDNT joe@::ffff:10.1.2.3:host", true},
		{"IDNT nohost@1.2.3.4", false},
		{"IDNT @1.2.3.4:host", false},
		{"IDNT joe@notanip:host", false},
		{"IDNT", false},
		{"IDNT a b c", false},
	}

	for _, tc := range cases {
		sess, _ := newTestSession(t)
		if got := sess.idntParse(tc.line); got != tc.ok {
			t.Errorf("idntParse(%q) = %v, want %v", tc.line, got, tc.ok)
		}
	}
}

func TestIdntParseUpdatesIdentity(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)

	if !sess.idntParse("IDNT joe@10.1.2.3:client.example.org") {
		t.Fatal("well-formed IDNT rejected")
	}

	snap := sess.snapshot()
	if snap.Ident != "joe" || snap.RemoteIP != "10.1.2.3" || snap.Hostname != "client.example.org" {
		t.Errorf("identity = %s@%s(%s), want joe@client.example.org(10.1.2.3)",
			snap.Ident, snap.Hostname, snap.RemoteIP)
	}
}

func TestConfirmCommand(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)

	if sess.confirmCommandCheck("SITE SHUTDOWN") {
		t.Fatal("first issue must not confirm")
	}
	if !sess.confirmCommandCheck("SITE  SHUTDOWN") {
		t.Fatal("identical second issue (whitespace-insensitive) must confirm")
	}
	if sess.confirmCommandCheck("SITE SHUTDOWN") {
		t.Fatal("token must be cleared after confirmation")
	}

	if sess.confirmCommandCheck("A") {
		t.Fatal("fresh token must not confirm")
	}
	if sess.confirmCommandCheck("B") {
		t.Fatal("different command must restart confirmation")
	}
	if !sess.confirmCommandCheck("B") {
		t.Fatal("repeating the new command must confirm")
	}
}

func TestUnknownCommandReply(t *testing.T) {
	t.Parallel()
	sess, lines := newTestSession(t)

	replies := execCmd(t, sess, lines, "BOGUS")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "500") {
		t.Errorf("replies = %v, want one 500", replies)
	}
}

func TestArgumentBounds(t *testing.T) {
	t.Parallel()
	sess, lines := newTestSession(t)

	// USER requires exactly one argument.
	replies := execCmd(t, sess, lines, "USER")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "501 Syntax:") {
		t.Errorf("missing arg replies = %v, want 501 Syntax", replies)
	}

	replies = execCmd(t, sess, lines, "USER a b")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "501 Syntax:") {
		t.Errorf("extra arg replies = %v, want 501 Syntax", replies)
	}
}

func TestStateGateBlocksHandler(t *testing.T) {
	t.Parallel()
	sess, lines := newTestSession(t)

	// DELE before login must be refused by the state gate; the driver is
	// never consulted, so nothing can be deleted.
	replies := execCmd(t, sess, lines, "DELE /f")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "530") {
		t.Errorf("replies = %v, want 530", replies)
	}
}

func TestPasswordAttemptBudget(t *testing.T) {
	t.Parallel()
	sess, lines := newTestSession(t)

	replies := execCmd(t, sess, lines, "USER alice")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "331") {
		t.Fatalf("USER replies = %v, want 331", replies)
	}

	// Default budget is 3 attempts; retries do not reset the count.
	for i := 0; i < 3; i++ {
		replies = execCmd(t, sess, lines, "PASS wrong")
		if len(replies) != 1 || !strings.HasPrefix(replies[0], "530 Login incorrect") {
			t.Fatalf("attempt %d replies = %v, want 530 Login incorrect", i+1, replies)
		}
		if sess.state() != stateWaitingPassword {
			t.Fatalf("attempt %d left state %v, want WaitingPassword", i+1, sess.state())
		}
	}

	// The fourth attempt is refused before any password check — even a
	// correct password is not verified. The session drops to LoggedOut
	// and closes at the next command boundary.
	replies = execCmd(t, sess, lines, "PASS secret")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "530 Password attempts exceeded") {
		t.Fatalf("final attempt replies = %v, want refusal", replies)
	}
	if sess.state() != stateLoggedOut {
		t.Errorf("state = %v, want LoggedOut", sess.state())
	}
	if !sess.closeNext.Load() {
		t.Error("session must terminate at the next command boundary")
	}

	// Within budget, a correct retry still succeeds.
	sess2, lines2 := newTestSession(t)
	execCmd(t, sess2, lines2, "USER alice")
	execCmd(t, sess2, lines2, "PASS wrong")
	replies = execCmd(t, sess2, lines2, "PASS secret")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "230") {
		t.Fatalf("retry within budget = %v, want 230", replies)
	}
}

func TestIdleReset(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.IdleCommands = []string{"NOOP*"}
	sess, lines := newTestSession(t, WithConfig(cfg))

	u, err := sess.server.driver.UserByName("alice")
	fatalIfErr(t, err, "user by name")
	sess.setWaitingPassword(u, false)
	sess.stateVal.Store(int32(stateLoggedIn))
	sess.setIdleTimeout(time.Minute)

	before := sess.readDeadline()

	// An exempt command leaves the idle clock alone.
	execCmd(t, sess, lines, "NOOP")
	if got := sess.readDeadline(); !got.Equal(before) {
		t.Errorf("NOOP moved the idle deadline: %v -> %v", before, got)
	}

	time.Sleep(10 * time.Millisecond)
	execCmd(t, sess, lines, "SYST")
	if got := sess.readDeadline(); !got.After(before) {
		t.Errorf("SYST did not advance the idle deadline: %v -> %v", before, got)
	}
}
