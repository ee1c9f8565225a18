package server

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

func (s *session) cmdNOOP(argStr string, args []string) error {
	return s.control.Reply(200, "NOOP command successful.")
}

func (s *session) cmdSYST(argStr string, args []string) error {
	return s.control.Reply(215, "UNIX Type: L8")
}

// cmdSTAT without arguments reports session status over the control
// channel, including the progress of an in-flight transfer. With a path it
// behaves as LIST but inline, which keeps working mid-transfer.
func (s *session) cmdSTAT(argStr string, args []string) error {
	if argStr != "" {
		opts, p := parseListArgs(argStr, true)
		body, err := newDirLister(s.clientFS(), opts).listToString(p)
		if err != nil {
			return fsError(err)
		}

		var b strings.Builder
		b.WriteString("211-Status of " + p + ":\r\n")
		b.WriteString(body)
		b.WriteString("211 End of status\r\n")
		return s.control.writeRaw(b.String())
	}

	var b strings.Builder
	b.WriteString("211-Status:\r\n")
	fmt.Fprintf(&b, " Connected from %s\r\n", s.hostnameAndIP())
	if u := s.currentUser(); u != nil {
		fmt.Fprintf(&b, " Logged in as %s\r\n", u.Name)
	} else {
		b.WriteString(" Not logged in\r\n")
	}
	ttype := "BINARY"
	if s.data.isASCII() {
		ttype = "ASCII"
	}
	fmt.Fprintf(&b, " TYPE: %s, STRUcture: File, Mode: Stream\r\n", ttype)
	if state := s.data.currentState(); state != nil {
		fmt.Fprintf(&b, " Transfer in progress: %d bytes in %s\r\n",
			state.Bytes(), state.Duration().Truncate(time.Millisecond))
	} else {
		b.WriteString(" No transfer in progress\r\n")
	}
	b.WriteString("211 End of status\r\n")
	return s.control.writeRaw(b.String())
}

func (s *session) cmdHELP(argStr string, args []string) error {
	if argStr != "" {
		verb := strings.ToUpper(args[0])
		def, ok := commandDefs[verb]
		if !ok {
			return ftpError(502, "Unknown command %s.", verb)
		}
		return s.control.Reply(214, "Syntax: "+def.syntax)
	}

	verbs := make([]string, 0, len(commandDefs))
	for verb := range commandDefs {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)

	var b strings.Builder
	b.WriteString("214-The following commands are recognized:\r\n")
	for i := 0; i < len(verbs); i += 8 {
		end := i + 8
		if end > len(verbs) {
			end = len(verbs)
		}
		b.WriteString(" " + strings.Join(verbs[i:end], " ") + "\r\n")
	}
	b.WriteString("214 End of help\r\n")
	return s.control.writeRaw(b.String())
}

func (s *session) cmdFEAT(argStr string, args []string) error {
	features := []string{
		"SIZE",
		"MDTM",
		"REST STREAM",
		"EPRT",
		"EPSV",
		"MLST type*;size*;modify*;",
		"MLSD",
		"UTF8",
		"TVFS",
	}
	if s.server.tlsConfig != nil {
		features = append(features, "AUTH TLS", "PBSZ", "PROT")
		if s.server.config().AllowCCC {
			features = append(features, "CCC")
		}
	}

	var b strings.Builder
	b.WriteString("211-Features:\r\n")
	for _, f := range features {
		b.WriteString(" " + f + "\r\n")
	}
	b.WriteString("211 End\r\n")
	return s.control.writeRaw(b.String())
}

func (s *session) cmdOPTS(argStr string, args []string) error {
	if strings.EqualFold(args[0], "UTF8") {
		return s.control.Reply(200, "Always in UTF8 mode.")
	}
	if strings.EqualFold(args[0], "MLST") {
		return s.control.Reply(200, "MLST OPTS type;size;modify;")
	}
	return ftpError(501, "Option not understood.")
}
