package server

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func newListFixture(t *testing.T) ClientContext {
	t.Helper()

	fs := afero.NewMemMapFs()
	fatalIfErr(t, fs.MkdirAll("/pub", 0755), "mkdir /pub")
	fatalIfErr(t, afero.WriteFile(fs, "/pub/file", []byte("17 bytes of data."), 0644), "write /pub/file")
	mod := time.Date(time.Now().Year(), time.June, 15, 9, 4, 0, 0, time.Local)
	fatalIfErr(t, fs.Chtimes("/pub/file", mod, mod), "chtimes /pub/file")

	driver := NewFSDriver(fs, WithListingOwner("alice", "staff"))
	_, err := driver.AddUser("alice", "secret")
	fatalIfErr(t, err, "add user")

	_, ctx, err := driver.Authenticate("alice", "secret")
	fatalIfErr(t, err, "authenticate")
	return ctx
}

func TestListLongFormat(t *testing.T) {
	t.Parallel()
	ctx := newListFixture(t)

	opts, path := parseListArgs("-l /pub", true)
	body, err := newDirLister(ctx, opts).listToString(path)
	fatalIfErr(t, err, "list /pub")

	lines := strings.Split(strings.TrimRight(body, "\r\n"), "\r\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want total header plus one entry: %q", len(lines), body)
	}
	if lines[0] != "total 0" {
		t.Errorf("total line = %q, want %q", lines[0], "total 0")
	}

	want := "-rw-r--r--   1 alice      staff              17 Jun 15 09:04 file"
	if lines[1] != want {
		t.Errorf("entry line:\n got %q\nwant %q", lines[1], want)
	}
}

func TestListShortFormat(t *testing.T) {
	t.Parallel()
	ctx := newListFixture(t)

	opts, path := parseListArgs("/pub", false)
	body, err := newDirLister(ctx, opts).listToString(path)
	fatalIfErr(t, err, "list /pub")

	if body != "file\r\n" {
		t.Errorf("got %q, want %q", body, "file\r\n")
	}
}

func TestListHiddenEntries(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	fatalIfErr(t, afero.WriteFile(fs, "/.hidden", []byte("x"), 0644), "write hidden")
	fatalIfErr(t, afero.WriteFile(fs, "/shown", []byte("x"), 0644), "write shown")

	driver := NewFSDriver(fs)
	_, err := driver.AddUser("u", "p")
	fatalIfErr(t, err, "add user")
	_, ctx, err := driver.Authenticate("u", "p")
	fatalIfErr(t, err, "authenticate")

	// Default: dotfiles suppressed.
	opts, path := parseListArgs("/", false)
	body, err := newDirLister(ctx, opts).listToString(path)
	fatalIfErr(t, err, "list")
	if strings.Contains(body, ".hidden") {
		t.Errorf("dotfile listed without -a: %q", body)
	}

	// -a and -A both include them; -A mirrors -a here.
	for _, flag := range []string{"-a /", "-A /"} {
		opts, path := parseListArgs(flag, false)
		body, err := newDirLister(ctx, opts).listToString(path)
		fatalIfErr(t, err, "list "+flag)
		if !strings.Contains(body, ".hidden") {
			t.Errorf("dotfile missing with %s: %q", flag, body)
		}
	}
}

func TestParseListArgs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		wantPath string
		check    func(listOptions) bool
	}{
		{"", "", func(o listOptions) bool { return !o.all }},
		{"-la", "", func(o listOptions) bool { return o.all && o.longFormat }},
		{"-l -R /pub", "/pub", func(o listOptions) bool { return o.longFormat && o.recursive }},
		{"/with space", "/with space", func(o listOptions) bool { return true }},
		{"-t /pub", "/pub", func(o listOptions) bool { return o.modTimeSort && !o.sizeSort }},
		{"-tS /pub", "/pub", func(o listOptions) bool { return o.sizeSort && !o.modTimeSort }},
	}

	for _, tc := range cases {
		opts, path := parseListArgs(tc.in, false)
		if path != tc.wantPath {
			t.Errorf("parseListArgs(%q) path = %q, want %q", tc.in, path, tc.wantPath)
		}
		if !tc.check(opts) {
			t.Errorf("parseListArgs(%q) options = %+v", tc.in, opts)
		}
	}
}

func TestListMask(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	for _, name := range []string{"/a.txt", "/b.txt", "/c.dat"} {
		fatalIfErr(t, afero.WriteFile(fs, name, []byte("x"), 0644), "write "+name)
	}

	driver := NewFSDriver(fs)
	_, err := driver.AddUser("u", "p")
	fatalIfErr(t, err, "add user")
	_, ctx, err := driver.Authenticate("u", "p")
	fatalIfErr(t, err, "authenticate")

	opts, path := parseListArgs("/*.txt", false)
	body, err := newDirLister(ctx, opts).listToString(path)
	fatalIfErr(t, err, "list mask")

	if !strings.Contains(body, "a.txt") || !strings.Contains(body, "b.txt") {
		t.Errorf("mask should match .txt files: %q", body)
	}
	if strings.Contains(body, "c.dat") {
		t.Errorf("mask should exclude c.dat: %q", body)
	}
}

func TestPermString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		mode os.FileMode
		want string
	}{
		{0644, "-rw-r--r--"},
		{0755, "-rwxr-xr-x"},
		{os.ModeDir | 0755, "drwxr-xr-x"},
		{os.ModeSymlink | 0777, "lrwxrwxrwx"},
		{0000, "----------"},
	}

	for _, tc := range cases {
		if got := permString(tc.mode); got != tc.want {
			t.Errorf("permString(%v) = %q, want %q", tc.mode, got, tc.want)
		}
	}
}
