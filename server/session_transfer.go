package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

func (s *session) cmdTYPE(argStr string, args []string) error {
	switch strings.ToUpper(argStr) {
	case "A", "A N":
		s.data.setASCII(true)
		return s.control.Reply(200, "Type set to A.")
	case "I", "L 8":
		s.data.setASCII(false)
		return s.control.Reply(200, "Type set to I.")
	default:
		return ftpError(504, "Type not supported.")
	}
}

func (s *session) cmdSTRU(argStr string, args []string) error {
	if strings.ToUpper(args[0]) != "F" {
		return ftpError(504, "Only file structure is supported.")
	}
	return s.control.Reply(200, "Structure set to F.")
}

func (s *session) cmdMODE(argStr string, args []string) error {
	if strings.ToUpper(args[0]) != "S" {
		return ftpError(504, "Only stream mode is supported.")
	}
	return s.control.Reply(200, "Mode set to S.")
}

func (s *session) cmdPORT(argStr string, args []string) error {
	if s.epsvAllSet() {
		return ftpError(501, "PORT not allowed after EPSV ALL.")
	}

	parts := strings.Split(args[0], ",")
	if len(parts) != 6 {
		return errSyntax
	}

	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return ftpError(501, "Invalid port number.")
	}

	ip := net.ParseIP(strings.Join(parts[0:4], "."))
	if ip == nil {
		return ftpError(501, "Invalid IP address.")
	}
	if !s.validateActiveIP(ip) {
		return ftpError(500, "Illegal PORT command.")
	}

	s.data.setActive(ip.String(), p1*256+p2)
	return s.control.Reply(200, "PORT command successful.")
}

func (s *session) cmdEPRT(argStr string, args []string) error {
	if s.epsvAllSet() {
		return ftpError(501, "EPRT not allowed after EPSV ALL.")
	}

	arg := args[0]
	if len(arg) < 4 {
		return errSyntax
	}
	delim := string(arg[0])
	parts := strings.Split(arg, delim)
	if len(parts) != 5 {
		return errSyntax
	}

	proto, ipStr, portStr := parts[1], parts[2], parts[3]

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ftpError(501, "Invalid network address.")
	}
	switch proto {
	case "1":
		if ip.To4() == nil {
			return ftpError(522, "Network protocol not supported, use (2)")
		}
	case "2":
	default:
		return ftpError(522, "Network protocol not supported, use (1,2)")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return ftpError(501, "Invalid port number.")
	}
	if !s.validateActiveIP(ip) {
		return ftpError(500, "Illegal EPRT command.")
	}

	s.data.setActive(ip.String(), port)
	return s.control.Reply(200, "EPRT command successful.")
}

// validateActiveIP requires the data target to match the control
// connection's source, preventing FTP bounce attacks.
func (s *session) validateActiveIP(ip net.IP) bool {
	remote := net.ParseIP(splitHostPort(s.control.RemoteAddr().String()))
	return remote != nil && ip.Equal(remote)
}

func (s *session) epsvAllSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epsvAll
}

// listenPassive allocates a data listener, walking the configured port
// range round-robin when one is set.
func (s *session) listenPassive() (net.Listener, error) {
	cfg := s.server.config()
	if cfg.PasvMinPort > 0 && cfg.PasvMaxPort >= cfg.PasvMinPort {
		rangeLen := int32(cfg.PasvMaxPort - cfg.PasvMinPort + 1)
		start := s.server.nextPassivePort.Add(1)

		for i := int32(0); i < rangeLen; i++ {
			port := cfg.PasvMinPort + int((start+i)%rangeLen)
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err == nil {
				return ln, nil
			}
		}
		return nil, fmt.Errorf("no available ports in range [%d, %d]",
			cfg.PasvMinPort, cfg.PasvMaxPort)
	}
	return net.Listen("tcp", ":0")
}

func (s *session) cmdPASV(argStr string, args []string) error {
	ln, err := s.listenPassive()
	if err != nil {
		return ftpError(425, "Can't open passive connection.")
	}
	s.data.setPassive(ln)

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	ip := s.passiveIP()
	if ip == nil {
		ip = net.IPv4zero
	}
	parts := strings.Split(ip.String(), ".")
	if len(parts) != 4 {
		parts = []string{"0", "0", "0", "0"}
	}

	return s.control.Reply(227, fmt.Sprintf("Entering Passive Mode (%s,%s,%s,%s,%d,%d)",
		parts[0], parts[1], parts[2], parts[3], port/256, port%256))
}

// passiveIP picks the IPv4 address advertised in PASV replies: the
// configured public host when set, otherwise the control connection's
// local address. Hostname resolutions are cached per session.
func (s *session) passiveIP() net.IP {
	host := splitHostPort(s.control.LocalAddr().String())
	if public := s.server.config().PublicHost; public != "" {
		host = public
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip.To4()
	}

	s.mu.Lock()
	if host == s.lastPublicHost && s.resolvedIP != nil {
		ip := s.resolvedIP
		s.mu.Unlock()
		return ip
	}
	s.mu.Unlock()

	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			s.mu.Lock()
			s.lastPublicHost = host
			s.resolvedIP = v4
			s.mu.Unlock()
			return v4
		}
	}
	return nil
}

func (s *session) cmdEPSV(argStr string, args []string) error {
	if strings.EqualFold(argStr, "ALL") {
		s.mu.Lock()
		s.epsvAll = true
		s.mu.Unlock()
		return s.control.Reply(200, "EPSV ALL command successful.")
	}

	ln, err := s.listenPassive()
	if err != nil {
		return ftpError(425, "Can't open passive connection.")
	}
	s.data.setPassive(ln)

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	return s.control.Reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%s|)", portStr))
}

func (s *session) cmdREST(argStr string, args []string) error {
	offset, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || offset < 0 {
		return ftpError(501, "Invalid restart offset.")
	}
	s.data.setRestartOffset(offset)
	return s.control.Reply(350, fmt.Sprintf("Restarting at %d. Send STOR or RETR to initiate transfer.", offset))
}

func (s *session) cmdABOR(argStr string, args []string) error {
	if !s.transferBusy() {
		return s.control.Reply(226, "ABOR command successful; no transfer in progress.")
	}

	s.server.logger.Info("transfer abort requested", "session_id", s.id, "user", s.userName())
	s.data.abort()

	// The transfer goroutine replies 426 for the aborted command; this 226
	// acknowledges the ABOR itself.
	return s.control.Reply(226, "ABOR command successful; transfer aborted.")
}

// transferLimits resolves the full speed policy for a transfer: the
// driver's user/path rules plus the config snapshot's global limit
// classes. The user record's own ceiling backstops an unset maximum.
func (s *session) transferLimits(virtualPath string, upload bool) TransferLimits {
	u := s.currentUser()
	limits := s.server.driver.SpeedLimits(u, virtualPath, upload)

	if limits.MaximumKBps == 0 && u != nil {
		if upload {
			limits.MaximumKBps = u.MaxUpSpeed
		} else {
			limits.MaximumKBps = u.MaxDownSpeed
		}
	}

	limits.Classes = append(limits.Classes,
		s.server.config().LimitClasses(virtualPath, upload)...)
	return limits
}

func (s *session) cmdRETR(argStr string, args []string) error {
	fs := s.clientFS()
	virtualPath := fs.Resolve(argStr)

	file, err := fs.OpenRead(argStr)
	if err != nil {
		return fsError(err)
	}

	offset := s.data.takeRestartOffset()
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return fsError(err)
		}
	}

	if err := s.server.downloads.Start(); err != nil {
		file.Close()
		return ftpError(550, "Maximum number of simultaneous downloads reached.")
	}

	conn, err := s.data.open(s.server.tlsConfig)
	if err != nil {
		file.Close()
		s.server.downloads.Stop()
		if errors.Is(err, ErrInterrupted) {
			return err
		}
		return ftpError(425, "Can't open data connection.")
	}

	if offset > 0 {
		_ = s.control.Reply(150, fmt.Sprintf("Opening data connection for RETR (restarting at %d).", offset))
	} else {
		_ = s.control.Reply(150, "Opening data connection for RETR.")
	}

	limits := s.transferLimits(virtualPath, false)
	sc := newSpeedControl(limits, s.data.currentState(), s.server.downloadSpeeds)

	var src io.Reader = file
	if s.data.isASCII() {
		src = newLFToCRLFReader(file)
	}
	dst := shapedWriter(conn, limits.MaximumKBps)

	s.startTransfer("RETR", virtualPath, func() (int64, error) {
		defer file.Close()
		return s.data.pump(dst, src, sc)
	}, sc, s.server.downloads)
	return nil
}

func (s *session) cmdSTOR(argStr string, args []string) error {
	return s.storeFile("STOR", argStr, false)
}

func (s *session) cmdAPPE(argStr string, args []string) error {
	return s.storeFile("APPE", argStr, true)
}

func (s *session) cmdSTOU(argStr string, args []string) error {
	name := fmt.Sprintf("stou.%s.%d", s.id, time.Now().UnixNano())
	return s.storeUnder("STOU", name, false, "FILE: "+name)
}

// storeFile is the shared upload path for STOR and APPE.
func (s *session) storeFile(verb, path string, appendTo bool) error {
	return s.storeUnder(verb, path, appendTo, "Opening data connection for "+verb+".")
}

func (s *session) storeUnder(verb, path string, appendTo bool, openingReply string) error {
	fs := s.clientFS()
	virtualPath := fs.Resolve(path)

	// Admission runs before the file is created or the data connection
	// opened, so a refused upload leaves no trace.
	if err := s.server.uploads.Start(); err != nil {
		return ftpError(550, "Maximum number of simultaneous uploads reached.")
	}

	var file io.WriteCloser
	var err error
	offset := s.data.takeRestartOffset()
	switch {
	case offset > 0 && !appendTo:
		file, err = fs.SeekWrite(path, offset)
	default:
		file, err = fs.OpenWrite(path, appendTo)
	}
	if err != nil {
		s.server.uploads.Stop()
		return fsError(err)
	}

	conn, err := s.data.open(s.server.tlsConfig)
	if err != nil {
		file.Close()
		s.server.uploads.Stop()
		if errors.Is(err, ErrInterrupted) {
			return err
		}
		return ftpError(425, "Can't open data connection.")
	}

	_ = s.control.Reply(150, openingReply)

	limits := s.transferLimits(virtualPath, true)
	sc := newSpeedControl(limits, s.data.currentState(), s.server.uploadSpeeds)

	var src io.Reader = shapedReader(conn, limits.MaximumKBps)
	if s.data.isASCII() {
		src = newCRLFToLFReader(src)
	}

	s.startTransfer(verb, virtualPath, func() (int64, error) {
		defer file.Close()
		return s.data.pump(file, src, sc)
	}, sc, s.server.uploads)
	return nil
}

// startTransfer runs the byte pump in a background goroutine so ABOR and
// STAT remain serviceable, per the session concurrency model. The counter
// and speed control are released on every exit path.
func (s *session) startTransfer(verb, virtualPath string, pump func() (int64, error), sc *speedControl, counter *TransferCounter) {
	s.setBusy(true)
	s.transferWG.Add(1)

	go func() {
		defer s.transferWG.Done()
		defer s.setBusy(false)
		defer counter.Stop()
		defer sc.Release()

		start := time.Now()
		n, err := pump()
		duration := time.Since(start)

		if err != nil {
			s.data.closeConn(true)
			s.replyTransferError(verb, err)
			return
		}
		s.data.closeConn(false)

		s.logTransfer(verb, virtualPath, n, duration)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordTransfer(verb, n, duration)
		}

		isUpload := verb == "STOR" || verb == "APPE" || verb == "STOU"
		if isUpload && s.server.config().PathEventLogged(virtualPath) {
			s.server.logger.Info("event",
				"event", "UPLOAD",
				"user", s.userName(),
				"path", virtualPath,
				"bytes", n,
			)
		}

		_ = s.control.Reply(226, "Transfer complete.")
	}()
}

// replyTransferError sends the 426 for a failed or aborted transfer,
// with the policy detail when a speed minimum killed it.
func (s *session) replyTransferError(verb string, err error) {
	if errors.Is(err, ErrInterrupted) && s.state() == stateFinished {
		return
	}

	var mse *MinimumSpeedError
	if errors.As(err, &mse) {
		_ = s.control.Reply(426, fmt.Sprintf(
			"Transfer aborted: %.1fKB/s is below the %.1fKB/s minimum.",
			mse.Actual, mse.Minimum))
	} else {
		_ = s.control.Reply(426, "Connection closed; transfer aborted.")
	}

	s.server.logger.Warn("transfer failed",
		"session_id", s.id,
		"user", s.userName(),
		"verb", verb,
		"error", err,
	)
}

// logTransfer emits the structured transfer log entry.
func (s *session) logTransfer(verb, virtualPath string, bytes int64, duration time.Duration) {
	throughput := 0.0
	if secs := duration.Seconds(); secs > 0 {
		throughput = float64(bytes) / secs / 1024
	}

	s.server.logger.Info("transfer",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"user", s.userName(),
		"verb", verb,
		"path", virtualPath,
		"bytes", bytes,
		"duration_ms", duration.Milliseconds(),
		"kbps", fmt.Sprintf("%.1f", throughput),
	)
}
