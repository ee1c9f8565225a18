package server

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

// listOptions are the ls-style flags accepted by LIST.
//
//	a  do not ignore entries starting with .
//	A  almost-all; sets the same flag as -a (matching the historical
//	   behavior rather than the documented ls semantics)
//	l  long listing format
//	p  append slash to directories
//	r  reverse order while sorting
//	R  list subdirectories recursively
//	S  sort by file size
//	t  sort by modification time, newest first
//	o  skip group in long format
//	z  display size and name only
type listOptions struct {
	all         bool
	longFormat  bool
	slashDirs   bool
	reverse     bool
	recursive   bool
	sizeSort    bool
	modTimeSort bool
	noGroup     bool
	sizeName    bool
}

func (o *listOptions) parse(flags string) {
	for _, ch := range flags {
		switch ch {
		case 'a', 'A':
			o.all = true
		case 'l':
			o.longFormat = true
		case 'p':
			o.slashDirs = true
		case 'r':
			o.reverse = true
		case 'R':
			o.recursive = true
		case 'S':
			o.sizeSort = true
			o.modTimeSort = false
		case 't':
			o.modTimeSort = true
			o.sizeSort = false
		case 'o':
			o.noGroup = true
		case 'z':
			o.sizeName = true
		}
	}
}

// parseListArgs splits a LIST/NLST argument string into options and path.
// Leading dash groups are options; the remainder is the path, which may
// contain spaces.
func parseListArgs(argStr string, longDefault bool) (listOptions, string) {
	opts := listOptions{longFormat: longDefault}

	rest := argStr
	for {
		rest = strings.TrimLeft(rest, " ")
		if !strings.HasPrefix(rest, "-") {
			break
		}
		group := rest
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			group, rest = rest[:i], rest[i+1:]
		} else {
			rest = ""
		}
		opts.parse(group[1:])
	}

	return opts, strings.TrimSpace(rest)
}

// dirLister renders directory listings in the classic ls -l wire format.
type dirLister struct {
	fs   ClientContext
	opts listOptions
}

func newDirLister(fs ClientContext, opts listOptions) *dirLister {
	return &dirLister{fs: fs, opts: opts}
}

// listToString renders the listing for path. A path whose final component
// contains wildcard characters is treated as a mask over its parent.
func (l *dirLister) listToString(p string) (string, error) {
	if p == "" {
		p = "."
	}

	mask := ""
	if base := path.Base(p); strings.ContainsAny(base, "*?[") {
		mask = base
		p = path.Dir(p)
	}

	var b strings.Builder
	if err := l.listPath(&b, p, mask, 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

// maxListDepth bounds -R recursion.
const maxListDepth = 32

func (l *dirLister) listPath(b *strings.Builder, dir, mask string, depth int) error {
	if depth > maxListDepth {
		return nil
	}

	entries, err := l.fs.ListDir(dir)
	if err != nil {
		// A file path lists as itself.
		if depth == 0 && mask == "" {
			if info, serr := l.fs.Stat(dir); serr == nil && !info.IsDir() {
				l.writeEntry(b, dir, info)
				return nil
			}
		}
		return err
	}

	l.sortEntries(entries)

	if depth > 0 {
		fmt.Fprintf(b, "\r\n%s:\r\n", dir)
	}
	if l.opts.longFormat && !l.opts.sizeName {
		var total int64
		for _, e := range entries {
			if !l.skip(e, mask) {
				total += e.Size()
			}
		}
		fmt.Fprintf(b, "total %d\r\n", total/1024)
	}

	for _, e := range entries {
		if l.skip(e, mask) {
			continue
		}
		l.writeEntry(b, path.Join(dir, e.Name()), e)
	}

	if l.opts.recursive {
		for _, e := range entries {
			if !e.IsDir() || e.Mode()&os.ModeSymlink != 0 || l.skip(e, mask) {
				continue
			}
			if err := l.listPath(b, path.Join(dir, e.Name()), "", depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *dirLister) skip(e os.FileInfo, mask string) bool {
	name := e.Name()
	if strings.HasPrefix(name, ".") && !l.opts.all {
		return true
	}
	if mask != "" {
		if ok, err := path.Match(mask, name); err != nil || !ok {
			return true
		}
	}
	return false
}

func (l *dirLister) sortEntries(entries []os.FileInfo) {
	less := func(i, j int) bool { return entries[i].Name() < entries[j].Name() }
	switch {
	case l.opts.sizeSort:
		less = func(i, j int) bool { return entries[i].Size() > entries[j].Size() }
	case l.opts.modTimeSort:
		less = func(i, j int) bool { return entries[i].ModTime().After(entries[j].ModTime()) }
	}
	if l.opts.reverse {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.SliceStable(entries, less)
}

func (l *dirLister) writeEntry(b *strings.Builder, fullPath string, e os.FileInfo) {
	name := e.Name()

	if !l.opts.longFormat {
		b.WriteString(name + "\r\n")
		return
	}

	if l.opts.sizeName {
		fmt.Fprintf(b, "%-10d %s\r\n", e.Size(), name)
		return
	}

	owner, group := l.fs.Owner(fullPath)
	fmt.Fprintf(b, "%s %3d %-10s ", permString(e.Mode()), nlink(e), truncate(owner, 10))
	if !l.opts.noGroup {
		fmt.Fprintf(b, "%-10s ", truncate(group, 10))
	}
	fmt.Fprintf(b, "%10d %s %s", e.Size(), listTimestamp(e), name)

	if e.Mode()&os.ModeSymlink != 0 {
		if dest, err := l.fs.Readlink(fullPath); err == nil {
			b.WriteString(" -> " + dest)
		}
	}
	if l.opts.slashDirs && e.IsDir() {
		b.WriteByte('/')
	}
	b.WriteString("\r\n")
}

// listTimestamp renders the modification time in the classic listing
// format, truncated to the minute.
func listTimestamp(e os.FileInfo) string {
	return e.ModTime().Truncate(time.Minute).Format("Jan 02 15:04")
}

// nlink reports a fixed link count: 2 for directories, 1 for everything
// else. FTP clients only require a plausible value.
func nlink(e os.FileInfo) int {
	if e.IsDir() {
		return 2
	}
	return 1
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// permString renders the Unix ls -l permission field from file mode bits.
func permString(mode os.FileMode) string {
	perms := []byte("----------")

	switch {
	case mode&os.ModeSymlink != 0:
		perms[0] = 'l'
	case mode.IsDir():
		perms[0] = 'd'
	}

	rwx := "rwxrwxrwx"
	for i := 0; i < 9; i++ {
		if mode&(1<<uint(8-i)) != 0 {
			perms[1+i] = rwx[i]
		}
	}
	return string(perms)
}
