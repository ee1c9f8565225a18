package server

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// cscriptType selects the hook point around command execution.
type cscriptType int

const (
	cscriptPre cscriptType = iota
	cscriptPost
)

// cscriptTimeout bounds a hook's run time; a stuck operator script must not
// wedge the session.
const cscriptTimeout = 30 * time.Second

// runCscripts runs the configured hooks for verb at the given hook point.
// PRE hooks veto the command by exiting non-zero; the veto reply uses the
// hook's fail code, falling back to the command's default failure code.
// POST hook exit codes are informational only.
//
// The returned bool reports a PRE veto. The error is non-nil only for
// control channel failures, which terminate the session.
func (s *session) runCscripts(verb, commandLine string, hook cscriptType, defaultFailCode int) (bool, error) {
	cfg := s.server.config()

	for _, cs := range cfg.Cscripts {
		if cs.Post != (hook == cscriptPost) || !strings.EqualFold(cs.Verb, verb) {
			continue
		}

		err := s.runChild(cs.Path, []string{commandLine}, nil)
		if hook == cscriptPost {
			// Informational; failures only logged.
			if err != nil {
				s.server.logger.Debug("post cscript failed",
					"session_id", s.id, "verb", verb, "path", cs.Path, "error", err)
			}
			continue
		}
		if err != nil {
			s.server.logger.Info("cscript vetoed command",
				"session_id", s.id,
				"user", s.userName(),
				"verb", verb,
				"path", cs.Path,
				"error", err,
			)
			code := cs.FailCode
			if code == 0 {
				code = defaultFailCode
			}
			if rerr := s.control.Reply(code, verb+" denied by site policy."); rerr != nil {
				return true, rerr
			}
			return true, nil
		}
	}
	return false, nil
}

// childEnv is the environment handed to operator programs.
func (s *session) childEnv() []string {
	env := os.Environ()
	if u := s.currentUser(); u != nil {
		env = append(env,
			"FTP_USER="+u.Name,
			fmt.Sprintf("FTP_UID=%d", u.ID),
			"FTP_GROUP="+u.PrimaryGroup,
		)
	}
	s.mu.Lock()
	env = append(env,
		"FTP_IP="+s.remoteIP,
		"FTP_HOST="+s.hostname,
		"FTP_IDENT="+s.ident,
	)
	s.mu.Unlock()
	return env
}

// runChild spawns an operator program and waits for it, discarding output
// unless a line sink is provided. The child hangs off the session context
// so an interrupt kills it.
func (s *session) runChild(path string, argv []string, lineSink func(string)) error {
	ctx, cancel := context.WithTimeout(s.ctx, cscriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, argv...)
	cmd.Env = s.childEnv()

	if lineSink == nil {
		return cmd.Run()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		lineSink(scanner.Text())
	}
	return cmd.Wait()
}
