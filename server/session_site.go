package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// cmdSITE dispatches the SITE sub-commands: the built-ins plus the
// operator-defined commands from the configuration.
func (s *session) cmdSITE(argStr string, args []string) error {
	sub := strings.ToUpper(args[0])
	subArgs := args[1:]
	subArgStr := strings.TrimSpace(argStr[len(args[0]):])

	switch sub {
	case "HELP":
		return s.siteHELP()
	case "CHMOD":
		return s.siteCHMOD(subArgs, subArgStr)
	case "WHO":
		return s.siteWHO()
	case "KICK":
		return s.siteKICK(subArgs)
	case "RELOAD":
		return s.siteRELOAD()
	case "SHUTDOWN":
		return s.siteSHUTDOWN(argStr)
	}

	for _, def := range s.server.config().SiteCommands {
		if strings.EqualFold(def.Name, sub) {
			return s.siteCustom(def, subArgs)
		}
	}
	return ftpError(500, "SITE %s command not understood.", sub)
}

func (s *session) siteHELP() error {
	var b strings.Builder
	b.WriteString("214-The following SITE commands are recognized:\r\n")
	b.WriteString(" CHMOD HELP KICK RELOAD SHUTDOWN WHO\r\n")
	for _, def := range s.server.config().SiteCommands {
		desc := def.Description
		if desc == "" {
			desc = "custom command"
		}
		fmt.Fprintf(&b, " %s - %s\r\n", strings.ToUpper(def.Name), desc)
	}
	b.WriteString("214 End of help\r\n")
	return s.control.writeRaw(b.String())
}

func (s *session) siteCHMOD(args []string, argStr string) error {
	if len(args) < 2 {
		return ftpError(501, "Syntax: SITE CHMOD <mode> <path>")
	}

	mode, err := strconv.ParseUint(args[0], 8, 32)
	if err != nil || mode > 0777 {
		return ftpError(501, "Invalid mode.")
	}

	path := strings.TrimSpace(argStr[len(args[0]):])
	if err := s.clientFS().Chmod(path, os.FileMode(mode)); err != nil {
		return fsError(err)
	}
	return s.control.Reply(200, "SITE CHMOD command successful.")
}

func (s *session) siteWHO() error {
	users := s.server.OnlineUsers()

	var b strings.Builder
	b.WriteString("200-Users online:\r\n")
	for _, ou := range users {
		command := ou.Command
		if command == "" {
			command = "IDLE"
		}
		fmt.Fprintf(&b, " %-12s %-20s %s\r\n", ou.User, ou.Ident+"@"+ou.Hostname, command)
	}
	fmt.Fprintf(&b, "200 %d user(s) online\r\n", len(users))
	return s.control.writeRaw(b.String())
}

func (s *session) requireSiteop() error {
	if u := s.currentUser(); u == nil || !u.Siteop {
		return ftpError(530, "Permission denied.")
	}
	return nil
}

func (s *session) siteKICK(args []string) error {
	if err := s.requireSiteop(); err != nil {
		return err
	}
	if len(args) != 1 {
		return ftpError(501, "Syntax: SITE KICK <user>")
	}

	u, err := s.server.driver.UserByName(args[0])
	if err != nil {
		return ftpError(550, "User %s not found.", args[0])
	}

	kicked := s.server.KickUser(u.ID, false)
	s.server.logger.Info("siteop",
		"event", "KICK",
		"siteop", s.userName(),
		"target", u.Name,
		"kicked", kicked,
	)
	return s.control.Reply(200, fmt.Sprintf("Kicked %d session(s) of %s.", kicked, u.Name))
}

func (s *session) siteRELOAD() error {
	if err := s.requireSiteop(); err != nil {
		return err
	}

	res := s.server.ReloadConfig()
	if res.Status == ReloadFail {
		return ftpError(550, "Config reload failed, check the server log.")
	}
	if res.StopStartRequired {
		return s.control.Reply(200, "Config reloaded; some changes need a full restart.")
	}
	return s.control.Reply(200, "Config reloaded.")
}

// siteSHUTDOWN stops the server. Destructive, so it uses the two-step
// confirmation: the same command line must be issued twice in a row.
func (s *session) siteSHUTDOWN(argStr string) error {
	if err := s.requireSiteop(); err != nil {
		return err
	}

	if !s.confirmCommandCheck(argStr) {
		return s.control.Reply(200, "Repeat the command to confirm shutdown.")
	}

	s.server.logger.Info("siteop",
		"event", "SHUTDOWN",
		"siteop", s.userName(),
	)
	if err := s.control.Reply(200, "Shutting down."); err != nil {
		return err
	}
	s.server.postTask(&exitTask{})
	return nil
}

// siteCustom runs an operator-defined command: EXEC streams the child's
// stdout, TEXT streams a template file.
func (s *session) siteCustom(def SiteCommandDef, args []string) error {
	if def.SiteopOnly {
		if err := s.requireSiteop(); err != nil {
			return err
		}
	}

	switch strings.ToUpper(def.Type) {
	case "EXEC":
		var b strings.Builder
		fmt.Fprintf(&b, "200-%s:\r\n", strings.ToUpper(def.Name))
		err := s.runChild(def.Target, args, func(line string) {
			b.WriteString(" " + line + "\r\n")
		})
		if err != nil {
			return ftpError(550, "SITE %s failed.", strings.ToUpper(def.Name))
		}
		b.WriteString("200 End\r\n")
		if err := s.control.writeRaw(b.String()); err != nil {
			return err
		}
		// Operator commands manage their own output; POST hooks for the
		// SITE verb are skipped.
		return errNoPostScript

	case "TEXT":
		data, err := os.ReadFile(def.Target)
		if err != nil {
			return ftpError(550, "SITE %s failed.", strings.ToUpper(def.Name))
		}
		if err := s.control.Reply(200, strings.TrimRight(string(data), "\r\n")); err != nil {
			return err
		}
		return errNoPostScript
	}
	return ftpError(500, "SITE %s misconfigured.", strings.ToUpper(def.Name))
}
