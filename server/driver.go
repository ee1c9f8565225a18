package server

import (
	"io"
	"os"
)

// UserID identifies a user in the backing store.
type UserID int32

// User is the account record a session binds at USER and carries until
// teardown. The session takes ownership of the record it is handed; reloads
// triggered by a UserUpdate task replace it wholesale.
type User struct {
	ID           UserID
	Name         string
	PrimaryGroup string
	Tagline      string

	// NumLogins caps this user's simultaneous logins. 0 means unlimited.
	NumLogins int

	// IdleTime in seconds. -1 uses the config default, 0 disables the idle
	// timeout entirely.
	IdleTime int

	// MaxUpSpeed and MaxDownSpeed are per-transfer ceilings in KB/s.
	// 0 means unshaped.
	MaxUpSpeed   int64
	MaxDownSpeed int64

	// Exempt users bypass login caps.
	Exempt bool

	// Siteop users may run administrative SITE commands.
	Siteop bool

	// Deleted marks an account that must not remain logged in; sessions
	// observe it when reloading the record.
	Deleted bool
}

// TransferLimits is the speed policy for one transfer, resolved from the
// user record and the virtual path by the driver.
type TransferLimits struct {
	// MinimumKBps aborts the transfer if undercut for a sustained period.
	// 0 disables the check.
	MinimumKBps int

	// MaximumKBps shapes the transfer to a ceiling. 0 means unshaped.
	MaximumKBps int64

	// Classes are the named global limit classes this transfer
	// participates in.
	Classes []string
}

// none reports whether the policy requires any work on the transfer hot
// path.
func (l TransferLimits) none() bool {
	return l.MinimumKBps == 0 && l.MaximumKBps == 0 && len(l.Classes) == 0
}

// Driver is the user/ACL store and filesystem factory the server delegates
// to. Implementations must be safe for concurrent use; every session
// queries the driver independently.
type Driver interface {
	// UserByName resolves a user record for the USER command.
	// Returns os.ErrNotExist for unknown names.
	UserByName(name string) (*User, error)

	// Authenticate verifies the password and returns the user's filesystem
	// context. Returns os.ErrPermission for a wrong password.
	Authenticate(name, password string) (*User, ClientContext, error)

	// LoadUser refreshes a user record, used when a UserUpdate task marks
	// sessions dirty.
	LoadUser(uid UserID) (*User, error)

	// IPAllowed is the pre-authentication address check. addr is an IP or
	// a resolved hostname.
	IPAllowed(addr string) bool

	// IdentIPAllowed is the post-authentication check of ident@addr
	// against the user's allow masks.
	IdentIPAllowed(uid UserID, identAddr string) bool

	// SpeedLimits resolves the speed policy for a transfer of the given
	// direction at the given virtual path.
	SpeedLimits(user *User, virtualPath string, upload bool) TransferLimits
}

// ClientContext is a session's view of the virtual filesystem, jailed to
// the user's root. All paths are virtual (forward slash, rooted at "/").
//
// Error conventions follow the os package: os.ErrNotExist, os.ErrPermission
// and os.ErrExist translate to the appropriate FTP replies.
type ClientContext interface {
	// Resolve turns a client-supplied path into an absolute virtual path
	// against the current working directory.
	Resolve(path string) string

	// ChangeDir moves the working directory.
	ChangeDir(path string) error

	// GetWd returns the current working directory.
	GetWd() string

	// Stat returns metadata for a file or directory.
	Stat(path string) (os.FileInfo, error)

	// ListDir enumerates a directory.
	ListDir(path string) ([]os.FileInfo, error)

	// OpenRead opens a file for a download.
	OpenRead(path string) (io.ReadSeekCloser, error)

	// OpenWrite opens a file for an upload. With appendTo set the file is
	// opened for appending, otherwise it is created or truncated.
	OpenWrite(path string, appendTo bool) (io.WriteCloser, error)

	// SeekWrite opens a file for an upload resuming at offset.
	SeekWrite(path string, offset int64) (io.WriteCloser, error)

	MakeDir(path string) error
	RemoveDir(path string) error
	DeleteFile(path string) error
	Rename(fromPath, toPath string) error

	// Readlink resolves a symlink target for directory listings.
	Readlink(path string) (string, error)

	// Owner reports the owner and group names shown in listings.
	Owner(path string) (user, group string)

	// Chmod changes permission bits, used by SITE CHMOD.
	Chmod(path string, mode os.FileMode) error

	// Close releases the context at session teardown.
	Close() error
}

// StatsStore receives fire-and-forget accounting events. Implementations
// must not block; the server calls these from session teardown and
// filesystem command paths.
type StatsStore interface {
	// IndexDelete removes a path from the site index after DELE/RMD.
	IndexDelete(path string)

	// ProtocolUpdate records a session's total traffic in KB.
	ProtocolUpdate(uid UserID, sentKB, recvKB int64)
}

// nopStats is used when no stats store is configured.
type nopStats struct{}

func (nopStats) IndexDelete(string)                 {}
func (nopStats) ProtocolUpdate(UserID, int64, int64) {}
