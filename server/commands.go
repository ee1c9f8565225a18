package server

import (
	"errors"
	"strings"
	"time"
)

// commandHandler executes one FTP command. argStr is the raw argument text
// with surrounding whitespace trimmed; args is the whitespace-split form.
// A returned errSyntax produces the descriptor's syntax reply, a
// statusError produces its own reply, and any other error terminates the
// session.
type commandHandler func(s *session, argStr string, args []string) error

// commandDef describes one verb: argument-count bounds, the protocol state
// it requires, the syntax string used in 501 replies, and the default
// failure code surfaced when a PRE cscript vetoes the command.
type commandDef struct {
	name          string
	minArgs       int
	maxArgs       int // -1 = unlimited
	requiredState clientState
	syntax        string
	failCode      int
	handler       commandHandler
}

// commandDefs is the process-wide command registry. Read-only after
// initialization.
//
// Populated by init() below, rather than via a map literal, because a
// literal initializer that references (*session).cmdHELP would create a
// static initialization cycle: cmdHELP's body reads commandDefs.
var commandDefs = map[string]*commandDef{}

func init() {
	for verb, def := range map[string]*commandDef{
		// Access control
		"USER": {"USER", 1, 1, stateLoggedOut, "USER <name>", 530, (*session).cmdUSER},
		"PASS": {"PASS", 0, 1, stateWaitingPassword, "PASS <password>", 530, (*session).cmdPASS},
		"ACCT": {"ACCT", 1, -1, stateLoggedIn, "ACCT <info>", 502, (*session).cmdACCT},
		"REIN": {"REIN", 0, 0, stateLoggedIn, "REIN", 421, (*session).cmdREIN},
		"QUIT": {"QUIT", 0, 0, anyState, "QUIT", 421, (*session).cmdQUIT},
		"IDNT": {"IDNT", 1, 1, stateLoggedOut, "IDNT <ident>@<ip>:<hostname>", 530, (*session).cmdIDNT},

		// Transfer parameters
		"TYPE": {"TYPE", 1, 2, stateLoggedIn, "TYPE A|I", 504, (*session).cmdTYPE},
		"STRU": {"STRU", 1, 1, stateLoggedIn, "STRU F", 504, (*session).cmdSTRU},
		"MODE": {"MODE", 1, 1, stateLoggedIn, "MODE S", 504, (*session).cmdMODE},
		"PORT": {"PORT", 1, 1, stateLoggedIn, "PORT <h1,h2,h3,h4,p1,p2>", 501, (*session).cmdPORT},
		"PASV": {"PASV", 0, 0, stateLoggedIn, "PASV", 425, (*session).cmdPASV},
		"EPRT": {"EPRT", 1, 1, stateLoggedIn, "EPRT <d><proto><d><ip><d><port><d>", 501, (*session).cmdEPRT},
		"EPSV": {"EPSV", 0, 1, stateLoggedIn, "EPSV [<proto>|ALL]", 425, (*session).cmdEPSV},
		"REST": {"REST", 1, 1, stateLoggedIn, "REST <offset>", 501, (*session).cmdREST},

		// Transfers
		"RETR": {"RETR", 1, -1, stateLoggedIn, "RETR <path>", 550, (*session).cmdRETR},
		"STOR": {"STOR", 1, -1, stateLoggedIn, "STOR <path>", 550, (*session).cmdSTOR},
		"APPE": {"APPE", 1, -1, stateLoggedIn, "APPE <path>", 550, (*session).cmdAPPE},
		"STOU": {"STOU", 0, 0, stateLoggedIn, "STOU", 550, (*session).cmdSTOU},
		"LIST": {"LIST", 0, -1, stateLoggedIn, "LIST [-<options>] [<path>]", 450, (*session).cmdLIST},
		"NLST": {"NLST", 0, -1, stateLoggedIn, "NLST [-<options>] [<path>]", 450, (*session).cmdNLST},
		"ABOR": {"ABOR", 0, 0, anyState, "ABOR", 226, (*session).cmdABOR},

		// Filesystem
		"CWD":  {"CWD", 1, -1, stateLoggedIn, "CWD <path>", 550, (*session).cmdCWD},
		"CDUP": {"CDUP", 0, 0, stateLoggedIn, "CDUP", 550, (*session).cmdCDUP},
		"PWD":  {"PWD", 0, 0, stateLoggedIn, "PWD", 550, (*session).cmdPWD},
		"MKD":  {"MKD", 1, -1, stateLoggedIn, "MKD <path>", 550, (*session).cmdMKD},
		"RMD":  {"RMD", 1, -1, stateLoggedIn, "RMD <path>", 550, (*session).cmdRMD},
		"DELE": {"DELE", 1, -1, stateLoggedIn, "DELE <path>", 550, (*session).cmdDELE},
		"RNFR": {"RNFR", 1, -1, stateLoggedIn, "RNFR <path>", 550, (*session).cmdRNFR},
		"RNTO": {"RNTO", 1, -1, stateLoggedIn, "RNTO <path>", 550, (*session).cmdRNTO},
		"SIZE": {"SIZE", 1, -1, stateLoggedIn, "SIZE <path>", 550, (*session).cmdSIZE},
		"MDTM": {"MDTM", 1, -1, stateLoggedIn, "MDTM <path>", 550, (*session).cmdMDTM},
		"MLST": {"MLST", 0, -1, stateLoggedIn, "MLST [<path>]", 550, (*session).cmdMLST},
		"MLSD": {"MLSD", 0, -1, stateLoggedIn, "MLSD [<path>]", 550, (*session).cmdMLSD},

		// Information
		"SYST": {"SYST", 0, 0, anyState, "SYST", 502, (*session).cmdSYST},
		"STAT": {"STAT", 0, -1, stateLoggedIn, "STAT [<path>]", 450, (*session).cmdSTAT},
		"HELP": {"HELP", 0, -1, anyState, "HELP [<command>]", 502, (*session).cmdHELP},
		"NOOP": {"NOOP", 0, 0, anyState, "NOOP", 500, (*session).cmdNOOP},
		"FEAT": {"FEAT", 0, 0, anyState, "FEAT", 502, (*session).cmdFEAT},
		"OPTS": {"OPTS", 1, -1, anyState, "OPTS <option> [<value>]", 501, (*session).cmdOPTS},
		"SITE": {"SITE", 1, -1, stateLoggedIn, "SITE <command> [<args>]", 500, (*session).cmdSITE},

		// Security (RFC 2228 / 4217)
		"AUTH": {"AUTH", 1, 1, stateLoggedOut, "AUTH TLS", 504, (*session).cmdAUTH},
		"PBSZ": {"PBSZ", 1, 1, notBeforeAuth, "PBSZ 0", 503, (*session).cmdPBSZ},
		"PROT": {"PROT", 1, 1, notBeforeAuth, "PROT C|P", 503, (*session).cmdPROT},
		"CCC":  {"CCC", 0, 0, notBeforeAuth, "CCC", 533, (*session).cmdCCC},
	} {
		commandDefs[verb] = def
	}
}

// Legacy RFC 775 aliases share their modern descriptors.
func init() {
	for alias, name := range map[string]string{
		"XCWD": "CWD",
		"XCUP": "CDUP",
		"XPWD": "PWD",
		"XMKD": "MKD",
		"XRMD": "RMD",
	} {
		commandDefs[alias] = commandDefs[name]
	}
}

// executeCommand runs one command line through the dispatch envelope:
// lookup, argument bounds, state requirement, PRE cscripts, handler, POST
// cscripts, idle reset. A non-nil return terminates the session.
func (s *session) executeCommand(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	verb := strings.ToUpper(fields[0])
	argStr := strings.TrimSpace(line[len(fields[0]):])
	args := fields[1:]

	s.setCurrentCommand(verb, argStr)
	defer s.clearCurrentCommand()

	// A background transfer owns the data channel; only ABOR and STAT may
	// run alongside it.
	if s.transferBusy() && verb != "ABOR" && verb != "STAT" {
		return s.control.Reply(503, "Transfer in progress, please ABOR or wait.")
	}

	def, ok := commandDefs[verb]
	if !ok {
		return s.control.Reply(500, "Command not understood")
	}

	if len(args) < def.minArgs || (def.maxArgs >= 0 && len(args) > def.maxArgs) {
		return s.control.Reply(501, "Syntax: "+def.syntax)
	}

	if !s.checkState(def.requiredState) {
		return nil
	}

	if s.state() == stateLoggedIn {
		vetoed, err := s.runCscripts(verb, line, cscriptPre, def.failCode)
		if err != nil {
			return err
		}
		if vetoed {
			return nil
		}
	}

	start := time.Now()
	err := def.handler(s, argStr, args)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(verb, err == nil, time.Since(start))
	}

	skipPost := false
	switch {
	case err == nil:
	case errors.Is(err, errSyntax):
		skipPost = true
		if rerr := s.control.Reply(501, "Syntax: "+def.syntax); rerr != nil {
			return rerr
		}
	case errors.Is(err, errNoPostScript):
		skipPost = true
	default:
		var se *statusError
		if !errors.As(err, &se) {
			return err
		}
		skipPost = true
		if rerr := s.control.Reply(se.code, se.text); rerr != nil {
			return rerr
		}
	}

	if !skipPost && s.state() == stateLoggedIn {
		if _, err := s.runCscripts(verb, line, cscriptPost, def.failCode); err != nil {
			return err
		}
	}

	if !s.server.config().IdleExempt(line) {
		s.idleReset()
	}
	return nil
}
