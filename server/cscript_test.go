package server

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "hook.sh")
	fatalIfErr(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755), "write script")
	return path
}

func TestPreCscriptVeto(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "exit 3")
	cfg := DefaultConfig()
	cfg.Cscripts = []CscriptHook{{Verb: "MKD", Path: script, FailCode: 550}}

	driver, fs := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, cfg, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")

	reply := c.cmd("550", "MKD vetoed")
	if !strings.Contains(reply, "denied") {
		t.Errorf("veto reply = %q", reply)
	}

	if exists, _ := afero.DirExists(fs, "/vetoed"); exists {
		t.Error("vetoed MKD must not create the directory")
	}

	// Unhooked verbs are unaffected.
	fatalIfErr(t, fs.Mkdir("/remove", 0755), "mkdir /remove")
	c.cmd("250", "RMD remove")
	if exists, _ := afero.DirExists(fs, "/remove"); exists {
		t.Error("unhooked RMD after veto should work normally")
	}
}

func TestPreCscriptPasses(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "exit 0")
	cfg := DefaultConfig()
	cfg.Cscripts = []CscriptHook{{Verb: "MKD", Path: script}}

	driver, fs := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, cfg, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")
	c.cmd("257", "MKD fine")

	if exists, _ := afero.DirExists(fs, "/fine"); !exists {
		t.Error("passing PRE hook must not block the command")
	}
}

func TestPostCscriptExitIgnored(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "exit 9")
	cfg := DefaultConfig()
	cfg.Cscripts = []CscriptHook{{Verb: "MKD", Path: script, Post: true}}

	driver, fs := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, cfg, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")

	// POST hooks are informational: the command succeeds regardless of
	// the exit code.
	c.cmd("257", "MKD made")
	if exists, _ := afero.DirExists(fs, "/made"); !exists {
		t.Error("POST hook exit code must not affect the command")
	}
}

func TestSiteCustomExec(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo line one
echo line two`)
	cfg := DefaultConfig()
	cfg.SiteCommands = []SiteCommandDef{
		{Name: "VERSION", Type: "EXEC", Target: script, Description: "show version"},
	}

	driver, _ := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, cfg, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")

	reply := c.cmd("200", "SITE VERSION")
	if !strings.Contains(reply, "line one") || !strings.Contains(reply, "line two") {
		t.Errorf("SITE EXEC output = %q", reply)
	}
}

func TestSiteCustomText(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "motd.txt")
	fatalIfErr(t, os.WriteFile(path, []byte("welcome\nto the site\n"), 0644), "write motd")

	cfg := DefaultConfig()
	cfg.SiteCommands = []SiteCommandDef{
		{Name: "MOTD", Type: "TEXT", Target: path},
	}

	driver, _ := newIntegrationDriver(t)
	_, addr := newIntegrationServer(t, cfg, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")

	reply := c.cmd("200", "SITE MOTD")
	if !strings.Contains(reply, "welcome") || !strings.Contains(reply, "to the site") {
		t.Errorf("SITE TEXT output = %q", reply)
	}
}

func TestSiteKickRequiresSiteop(t *testing.T) {
	t.Parallel()

	driver, _ := newIntegrationDriver(t)
	_, err := driver.AddUser("op", "pw", WithUserSiteop())
	fatalIfErr(t, err, "add siteop")
	_, addr := newIntegrationServer(t, nil, driver)

	c := dialRaw(t, addr)
	c.login("alice", "secret")
	c.cmd("530", "SITE KICK alice")
	c.cmd("221", "QUIT")

	op := dialRaw(t, addr)
	op.login("op", "pw")
	op.cmd("200", "SITE KICK alice")
}
