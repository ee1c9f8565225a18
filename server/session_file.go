package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

func (s *session) cmdPWD(argStr string, args []string) error {
	return s.control.Reply(257, fmt.Sprintf("%q is the current directory.", s.clientFS().GetWd()))
}

func (s *session) cmdCWD(argStr string, args []string) error {
	if err := s.clientFS().ChangeDir(argStr); err != nil {
		return fsError(err)
	}
	return s.control.Reply(250, "Directory successfully changed.")
}

func (s *session) cmdCDUP(argStr string, args []string) error {
	if err := s.clientFS().ChangeDir(".."); err != nil {
		return fsError(err)
	}
	return s.control.Reply(250, "Directory successfully changed.")
}

func (s *session) cmdMKD(argStr string, args []string) error {
	fs := s.clientFS()
	if err := fs.MakeDir(argStr); err != nil {
		return fsError(err)
	}
	s.server.logger.Info("directory created",
		"session_id", s.id, "user", s.userName(), "path", fs.Resolve(argStr))
	return s.control.Reply(257, fmt.Sprintf("%q created.", argStr))
}

func (s *session) cmdRMD(argStr string, args []string) error {
	fs := s.clientFS()
	virtualPath := fs.Resolve(argStr)
	if err := fs.RemoveDir(argStr); err != nil {
		return fsError(err)
	}
	if s.server.config().PathIndexed(virtualPath) {
		s.server.stats.IndexDelete(virtualPath)
	}
	s.server.logger.Info("directory removed",
		"session_id", s.id, "user", s.userName(), "path", virtualPath)
	return s.control.Reply(250, "Directory removed.")
}

func (s *session) cmdDELE(argStr string, args []string) error {
	fs := s.clientFS()
	virtualPath := fs.Resolve(argStr)
	if err := fs.DeleteFile(argStr); err != nil {
		return fsError(err)
	}
	if s.server.config().PathIndexed(virtualPath) {
		s.server.stats.IndexDelete(virtualPath)
	}
	s.server.logger.Info("file deleted",
		"session_id", s.id, "user", s.userName(), "path", virtualPath)
	return s.control.Reply(250, "File deleted.")
}

func (s *session) cmdRNFR(argStr string, args []string) error {
	if _, err := s.clientFS().Stat(argStr); err != nil {
		return fsError(err)
	}
	s.mu.Lock()
	s.renameFrom = argStr
	s.mu.Unlock()
	return s.control.Reply(350, "Requested file action pending further information.")
}

func (s *session) cmdRNTO(argStr string, args []string) error {
	s.mu.Lock()
	from := s.renameFrom
	s.renameFrom = ""
	s.mu.Unlock()

	if from == "" {
		return ftpError(503, "Bad sequence of commands. Send RNFR first.")
	}
	if err := s.clientFS().Rename(from, argStr); err != nil {
		return fsError(err)
	}
	return s.control.Reply(250, "Requested file action successful, file renamed.")
}

func (s *session) cmdSIZE(argStr string, args []string) error {
	info, err := s.clientFS().Stat(argStr)
	if err != nil {
		return fsError(err)
	}
	if info.IsDir() {
		return ftpError(550, "%s: not a regular file.", argStr)
	}
	return s.control.Reply(213, fmt.Sprintf("%d", info.Size()))
}

func (s *session) cmdMDTM(argStr string, args []string) error {
	info, err := s.clientFS().Stat(argStr)
	if err != nil {
		return fsError(err)
	}
	// RFC 3659: time values are always UTC.
	return s.control.Reply(213, info.ModTime().UTC().Format("20060102150405"))
}

// cmdLIST runs a directory listing over the data channel. Options and an
// optional path share the argument string, ls style.
func (s *session) cmdLIST(argStr string, args []string) error {
	return s.runListing("LIST", argStr, true)
}

func (s *session) cmdNLST(argStr string, args []string) error {
	return s.runListing("NLST", argStr, false)
}

// runListing sends a listing as a transfer on the data channel. Listings
// count against the download gauges like any other transfer.
func (s *session) runListing(verb, argStr string, longDefault bool) error {
	opts, path := parseListArgs(argStr, longDefault)

	fs := s.clientFS()
	lister := newDirLister(fs, opts)
	// Enumerate before opening the data connection so errors can still be
	// reported on the control channel.
	body, err := lister.listToString(path)
	if err != nil {
		return fsError(err)
	}

	if err := s.server.downloads.Start(); err != nil {
		return ftpError(550, "Maximum number of simultaneous downloads reached.")
	}

	conn, err := s.data.open(s.server.tlsConfig)
	if err != nil {
		s.server.downloads.Stop()
		if errors.Is(err, ErrInterrupted) {
			return err
		}
		return ftpError(425, "Can't open data connection.")
	}

	_ = s.control.Reply(150, "Opening data connection for "+verb+".")

	s.startTransfer(verb, fs.Resolve(path), func() (int64, error) {
		return s.data.pump(conn, strings.NewReader(body), nil)
	}, nil, s.server.downloads)
	return nil
}

func (s *session) cmdMLST(argStr string, args []string) error {
	path := argStr
	if path == "" {
		path = "."
	}
	info, err := s.clientFS().Stat(path)
	if err != nil {
		return fsError(err)
	}

	var b strings.Builder
	b.WriteString("250-Listing follows\r\n")
	b.WriteString(" " + mlsxFact(info, s.clientFS().Resolve(path)) + "\r\n")
	b.WriteString("250 End\r\n")
	return s.control.writeRaw(b.String())
}

func (s *session) cmdMLSD(argStr string, args []string) error {
	path := argStr
	if path == "" {
		path = "."
	}

	entries, err := s.clientFS().ListDir(path)
	if err != nil {
		return fsError(err)
	}

	var b strings.Builder
	for _, info := range entries {
		b.WriteString(mlsxFact(info, info.Name()) + "\r\n")
	}

	if err := s.server.downloads.Start(); err != nil {
		return ftpError(550, "Maximum number of simultaneous downloads reached.")
	}

	conn, err := s.data.open(s.server.tlsConfig)
	if err != nil {
		s.server.downloads.Stop()
		if errors.Is(err, ErrInterrupted) {
			return err
		}
		return ftpError(425, "Can't open data connection.")
	}

	_ = s.control.Reply(150, "Opening data connection for MLSD.")

	body := b.String()
	s.startTransfer("MLSD", s.clientFS().Resolve(path), func() (int64, error) {
		return s.data.pump(conn, strings.NewReader(body), nil)
	}, nil, s.server.downloads)
	return nil
}

// mlsxFact formats one RFC 3659 machine-listing line.
func mlsxFact(info os.FileInfo, name string) string {
	t := "file"
	if info.IsDir() {
		t = "dir"
	}
	return fmt.Sprintf("type=%s;size=%d;modify=%s; %s",
		t, info.Size(), info.ModTime().UTC().Format("20060102150405"), name)
}
