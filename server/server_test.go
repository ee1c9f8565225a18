package server

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/spf13/afero"
)

// newIntegrationServer starts a serving FTP server on a loopback port.
func newIntegrationServer(t *testing.T, cfg *Config, driver *FSDriver, extra ...Option) (*Server, string) {
	t.Helper()

	if cfg == nil {
		cfg = DefaultConfig()
	}
	options := append([]Option{WithDriver(driver), WithConfig(cfg)}, extra...)
	srv, err := NewServer(":0", options...)
	fatalIfErr(t, err, "new server")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")

	go func() {
		if err := srv.Serve(ln); err != nil && err != ErrServerClosed {
			t.Logf("serve: %v", err)
		}
	}()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return srv, ln.Addr().String()
}

func newIntegrationDriver(t *testing.T) (*FSDriver, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	driver := NewFSDriver(fs)
	_, err := driver.AddUser("alice", "secret")
	fatalIfErr(t, err, "add user")
	return driver, fs
}

// rawClient drives the wire protocol directly for the cases the library
// client abstracts away.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	fatalIfErr(t, err, "dial %s", addr)
	t.Cleanup(func() { conn.Close() })

	c := &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	if reply := c.readReply(); !strings.HasPrefix(reply, "220") {
		t.Fatalf("greeting = %q", reply)
	}
	return c
}

// readReply reads one full reply, following multi-line continuations.
func (c *rawClient) readReply() string {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	first, err := c.r.ReadString('\n')
	fatalIfErr(c.t, err, "read reply")
	first = strings.TrimRight(first, "\r\n")

	if len(first) < 4 || first[3] != '-' {
		return first
	}
	code := first[:3]
	lines := []string{first}
	for {
		line, err := c.r.ReadString('\n')
		fatalIfErr(c.t, err, "read continuation")
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if strings.HasPrefix(line, code+" ") {
			return strings.Join(lines, "\n")
		}
	}
}

// cmd sends a command and asserts the reply code.
func (c *rawClient) cmd(wantCode, format string, args ...interface{}) string {
	c.t.Helper()

	fmt.Fprintf(c.conn, format+"\r\n", args...)
	reply := c.readReply()
	if !strings.HasPrefix(reply, wantCode) {
		c.t.Fatalf("%s: reply = %q, want %s", fmt.Sprintf(format, args...), reply, wantCode)
	}
	return reply
}

func (c *rawClient) login(user, pass string) {
	c.t.Helper()
	c.cmd("331", "USER %s", user)
	c.cmd("230", "PASS %s", pass)
}

// epsv negotiates a passive endpoint and returns a data connection dialed
// to it.
func (c *rawClient) epsv() net.Conn {
	c.t.Helper()

	reply := c.cmd("229", "EPSV")
	start := strings.Index(reply, "|||")
	end := strings.LastIndex(reply, "|")
	if start < 0 || end <= start+3 {
		c.t.Fatalf("unparseable EPSV reply %q", reply)
	}
	port := reply[start+3 : end]

	host, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())
	data, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 5*time.Second)
	fatalIfErr(c.t, err, "dial data port %s", port)
	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for " + what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoginQuitCounters(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	srv, addr := newIntegrationServer(t, nil, driver)

	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "dial")
	fatalIfErr(t, c.Login("alice", "secret"), "login")

	waitFor(t, "login counted", func() bool { return srv.logins.Total() == 1 })

	fatalIfErr(t, c.Quit(), "quit")
	waitFor(t, "login released", func() bool { return srv.logins.Total() == 0 })
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, nil, driver)

	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "dial")
	defer c.Quit()

	if err := c.Login("alice", "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
}

func TestStorRetrRoundtrip(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, nil, driver)

	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "dial")
	defer c.Quit()
	fatalIfErr(t, c.Login("alice", "secret"), "login")

	// Binary payload with every byte value, crossing chunk boundaries.
	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i)
	}

	fatalIfErr(t, c.Stor("blob.bin", bytes.NewReader(payload)), "STOR")

	size, err := c.FileSize("blob.bin")
	fatalIfErr(t, err, "SIZE")
	if size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", size, len(payload))
	}

	resp, err := c.Retr("blob.bin")
	fatalIfErr(t, err, "RETR")
	got, err := io.ReadAll(resp)
	resp.Close()
	fatalIfErr(t, err, "read RETR body")

	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestFileCommands(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, nil, driver)

	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "dial")
	defer c.Quit()
	fatalIfErr(t, c.Login("alice", "secret"), "login")

	fatalIfErr(t, c.MakeDir("inbox"), "MKD")
	fatalIfErr(t, c.ChangeDir("inbox"), "CWD")

	wd, err := c.CurrentDir()
	fatalIfErr(t, err, "PWD")
	if wd != "/inbox" {
		t.Errorf("PWD = %q, want /inbox", wd)
	}

	fatalIfErr(t, c.Stor("a.txt", strings.NewReader("hello")), "STOR")
	fatalIfErr(t, c.Rename("a.txt", "b.txt"), "RNFR/RNTO")

	names, err := c.NameList("")
	fatalIfErr(t, err, "NLST")
	if len(names) != 1 || !strings.HasSuffix(names[0], "b.txt") {
		t.Errorf("NLST = %v, want [b.txt]", names)
	}

	fatalIfErr(t, c.Delete("b.txt"), "DELE")
	fatalIfErr(t, c.ChangeDirToParent(), "CDUP")
	fatalIfErr(t, c.RemoveDir("inbox"), "RMD")
}

func TestListWire(t *testing.T) {
	t.Parallel()

	driver, fs := newIntegrationDriver(t)
	fatalIfErr(t, afero.WriteFile(fs, "/hello.txt", []byte("hi"), 0644), "seed file")
	_, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")

	data := c.epsv()
	c.cmd("150", "LIST")

	body, err := io.ReadAll(data)
	data.Close()
	fatalIfErr(t, err, "read listing")
	if reply := c.readReply(); !strings.HasPrefix(reply, "226") {
		t.Fatalf("transfer completion = %q, want 226", reply)
	}

	listing := string(body)
	if !strings.Contains(listing, "hello.txt") {
		t.Errorf("listing missing file: %q", listing)
	}
	if !strings.Contains(listing, "-rw-") {
		t.Errorf("listing missing permission field: %q", listing)
	}
}

func TestMaxPasswordAttemptsWire(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.cmd("331", "USER alice")
	for i := 0; i < 3; i++ {
		c.cmd("530", "PASS wrong")
	}

	// Budget exhausted: refused before the check, even with the right
	// password, and the connection dies at the next command.
	reply := c.cmd("530", "PASS secret")
	if !strings.Contains(reply, "attempts exceeded") {
		t.Errorf("refusal = %q", reply)
	}

	fmt.Fprintf(c.conn, "NOOP\r\n")
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadAll(c.r); err != nil {
		t.Logf("connection closed with: %v", err)
	}
}

func TestIdleTimeoutWire(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	driver := NewFSDriver(fs)
	_, err := driver.AddUser("sleepy", "pw", WithUserIdleTime(1))
	fatalIfErr(t, err, "add user")
	_, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.login("sleepy", "pw")

	// No commands: the server must disconnect with a 421 between T and
	// T+epsilon.
	start := time.Now()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	fatalIfErr(t, err, "read idle kick")
	elapsed := time.Since(start)

	if !strings.HasPrefix(line, "421") || !strings.Contains(line, "Idle timeout") {
		t.Errorf("idle reply = %q, want 421 Idle timeout", line)
	}
	if elapsed < 900*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("idle kick after %v, want ~1s", elapsed)
	}

	if _, err := c.r.ReadString('\n'); err == nil {
		t.Error("connection should be closed after the idle kick")
	}
}

func TestUploadCapWire(t *testing.T) {
	t.Parallel()

	driver, fs := newIntegrationDriver(t)
	cfg := DefaultConfig()
	cfg.MaxUploads = 1
	srv, addr := newIntegrationServer(t, cfg, driver)

	// Occupy the single upload slot.
	fatalIfErr(t, srv.uploads.Start(), "occupy upload slot")
	defer srv.uploads.Stop()

	c := dialRaw(t, addr)
	c.login("alice", "secret")
	data := c.epsv()
	defer data.Close()

	// Admission fails before the data connection is used.
	c.cmd("550", "STOR big.bin")

	if exists, _ := afero.Exists(fs, "/big.bin"); exists {
		t.Error("refused upload must not create the file")
	}
}

func TestASCIIUploadWire(t *testing.T) {
	t.Parallel()

	driver, fs := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")
	c.cmd("200", "TYPE A")

	data := c.epsv()
	c.cmd("150", "STOR note.txt")
	_, err := data.Write([]byte("a\r\nb"))
	fatalIfErr(t, err, "write body")
	data.Close()
	if reply := c.readReply(); !strings.HasPrefix(reply, "226") {
		t.Fatalf("transfer completion = %q, want 226", reply)
	}

	waitFor(t, "upload visible", func() bool {
		ok, _ := afero.Exists(fs, "/note.txt")
		return ok
	})
	content, err := afero.ReadFile(fs, "/note.txt")
	fatalIfErr(t, err, "read stored file")
	if string(content) != "a\nb" {
		t.Errorf("stored = %q, want %q", content, "a\nb")
	}
}

func TestASCIIDownloadWire(t *testing.T) {
	t.Parallel()

	driver, fs := newIntegrationDriver(t)
	fatalIfErr(t, afero.WriteFile(fs, "/note.txt", []byte("a\nb"), 0644), "seed file")
	_, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")
	c.cmd("200", "TYPE A")

	data := c.epsv()
	c.cmd("150", "RETR note.txt")
	body, err := io.ReadAll(data)
	data.Close()
	fatalIfErr(t, err, "read body")
	if reply := c.readReply(); !strings.HasPrefix(reply, "226") {
		t.Fatalf("transfer completion = %q, want 226", reply)
	}

	if string(body) != "a\r\nb" {
		t.Errorf("wire body = %q, want %q", body, "a\r\nb")
	}
}

func TestRESTResume(t *testing.T) {
	t.Parallel()

	driver, fs := newIntegrationDriver(t)
	fatalIfErr(t, afero.WriteFile(fs, "/data.bin", []byte("0123456789"), 0644), "seed file")
	_, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")
	c.cmd("200", "TYPE I")
	c.cmd("350", "REST 4")

	data := c.epsv()
	c.cmd("150", "RETR data.bin")
	body, err := io.ReadAll(data)
	data.Close()
	fatalIfErr(t, err, "read body")
	if reply := c.readReply(); !strings.HasPrefix(reply, "226") {
		t.Fatalf("transfer completion = %q, want 226", reply)
	}

	if string(body) != "456789" {
		t.Errorf("resumed body = %q, want %q", body, "456789")
	}
}

func TestKickMidSession(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	srv, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")

	u, err := driver.UserByName("alice")
	fatalIfErr(t, err, "user by name")

	waitFor(t, "session registered", func() bool { return len(srv.sessionsOf(u.ID)) == 1 })

	if kicked := srv.KickUser(u.ID, false); kicked != 1 {
		t.Fatalf("kicked = %d, want 1", kicked)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadAll(c.r); err != nil {
		t.Logf("connection ended with: %v", err)
	}
	waitFor(t, "login released", func() bool { return srv.logins.Total() == 0 })
}

func TestREINWire(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	srv, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")
	waitFor(t, "login counted", func() bool { return srv.logins.Total() == 1 })

	c.cmd("220", "REIN")
	waitFor(t, "login released", func() bool { return srv.logins.Total() == 0 })

	// Back to the initial state: a fresh login works.
	c.login("alice", "secret")
	waitFor(t, "second login counted", func() bool { return srv.logins.Total() == 1 })
	c.cmd("221", "QUIT")
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	fatalIfErr(t, err, "generate key")

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	fatalIfErr(t, err, "create certificate")

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
}

func TestAuthTLSLogin(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	srv, addr := newIntegrationServer(t, nil, driver, WithTLS(selfSignedTLS(t)))

	c, err := ftp.Dial(addr,
		ftp.DialWithTimeout(5*time.Second),
		ftp.DialWithExplicitTLS(&tls.Config{InsecureSkipVerify: true}),
	)
	fatalIfErr(t, err, "dial with explicit TLS")
	fatalIfErr(t, c.Login("alice", "secret"), "login over TLS")

	waitFor(t, "login counted", func() bool { return srv.logins.Total() == 1 })
	fatalIfErr(t, c.Quit(), "quit")
	waitFor(t, "login released", func() bool { return srv.logins.Total() == 0 })
}

func TestRepeatedQuitIsNoop(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.cmd("221", "QUIT")

	// The session is Finished; anything further is ignored and the
	// connection closes.
	fmt.Fprintf(c.conn, "QUIT\r\n")
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadAll(c.r); err != nil {
		t.Logf("connection ended with: %v", err)
	}
}

func TestShutdownInterruptsSessions(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	srv, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")

	done := make(chan struct{})
	go func() {
		_ = srv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadAll(c.r); err != nil {
		t.Logf("connection ended with: %v", err)
	}
}

func TestNonBouncerRefused(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	cfg := DefaultConfig()
	cfg.BouncerOnly = true
	cfg.Bouncers = []string{"203.0.113.9"}

	srv, err := NewServer(":0", WithDriver(driver), WithConfig(cfg))
	fatalIfErr(t, err, "new server")
	go srv.runTasks()
	t.Cleanup(func() { _ = srv.Shutdown() })

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	sess := newSession(srv, serverSide)
	sess.mu.Lock()
	sess.remoteIP = "198.51.100.7" // not a bouncer, not loopback
	sess.mu.Unlock()

	got := make(chan error, 1)
	go func() { got <- sess.run() }()

	// Refused without any reply: run returns and nothing was written.
	select {
	case err := <-got:
		fatalIfErr(t, err, "run")
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}

	_ = clientSide.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1)
	if n, _ := clientSide.Read(buf); n != 0 {
		t.Error("refused connection must not receive a banner")
	}
}

// dialRefused connects and returns the refusal line the server sends
// before closing.
func dialRefused(t *testing.T, addr string) string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	fatalIfErr(t, err, "dial %s", addr)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	fatalIfErr(t, err, "read refusal")
	return strings.TrimRight(line, "\r\n")
}

func TestMaxConnections(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	srv, addr := newIntegrationServer(t, cfg, driver)

	c1 := dialRaw(t, addr)

	// The second connection is refused before any session is created.
	refusal := dialRefused(t, addr)
	if !strings.HasPrefix(refusal, "421") || !strings.Contains(refusal, "Too many users") {
		t.Fatalf("refusal = %q, want 421 Too many users", refusal)
	}

	// Freeing the slot lets a new connection in.
	c1.cmd("221", "QUIT")
	waitFor(t, "slot released", func() bool { return srv.activeConns.Load() == 0 })

	c3 := dialRaw(t, addr)
	c3.cmd("221", "QUIT")
}

func TestMaxConnectionsPerIP(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	cfg := DefaultConfig()
	cfg.MaxConnectionsPerIP = 1
	srv, addr := newIntegrationServer(t, cfg, driver)

	c1 := dialRaw(t, addr)

	// Same source address: refused.
	refusal := dialRefused(t, addr)
	if !strings.HasPrefix(refusal, "421") || !strings.Contains(refusal, "your IP address") {
		t.Fatalf("refusal = %q, want 421 per-IP refusal", refusal)
	}

	c1.cmd("221", "QUIT")
	waitFor(t, "slot released", func() bool { return srv.activeConns.Load() == 0 })

	c3 := dialRaw(t, addr)
	c3.cmd("221", "QUIT")
}
