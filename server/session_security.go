package server

import (
	"strings"
)

// cmdAUTH upgrades the control channel to TLS per RFC 4217. The 234 reply
// goes out in clear; the handshake starts immediately after.
func (s *session) cmdAUTH(argStr string, args []string) error {
	if s.server.tlsConfig == nil {
		return ftpError(502, "TLS not configured.")
	}
	if !strings.EqualFold(args[0], "TLS") {
		return ftpError(504, "Only AUTH TLS is supported.")
	}
	if s.control.IsTLS() {
		return ftpError(503, "Already using TLS.")
	}

	if err := s.control.Reply(234, "AUTH TLS successful."); err != nil {
		return err
	}
	if err := s.control.UpgradeTLS(s.server.tlsConfig); err != nil {
		s.server.logger.Warn("security",
			"event", "TLSHANDSHAKE",
			"addr", s.hostnameAndIP(),
			"error", err,
		)
		return err
	}
	return nil
}

func (s *session) cmdPBSZ(argStr string, args []string) error {
	// Only buffer size 0 is meaningful over TLS.
	return s.control.Reply(200, "PBSZ=0")
}

func (s *session) cmdPROT(argStr string, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "P":
		s.data.setProtected(true)
		return s.control.Reply(200, "Protection set to Private.")
	case "C":
		s.data.setProtected(false)
		return s.control.Reply(200, "Protection set to Clear.")
	default:
		return ftpError(504, "Only PROT C and PROT P are supported.")
	}
}

// cmdCCC strips control channel TLS after authentication, when the
// configuration permits it. Used behind bouncers that need to read PORT
// and PASV replies.
func (s *session) cmdCCC(argStr string, args []string) error {
	if !s.server.config().AllowCCC {
		return ftpError(533, "CCC not enabled.")
	}

	if err := s.control.Reply(200, "CCC command successful."); err != nil {
		return err
	}
	if err := s.control.DowngradeTLS(); err != nil {
		return err
	}
	return nil
}
