package server

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"
)

// FSDriver is the built-in driver: an afero filesystem backend with an
// in-memory user table and bcrypt password hashes. Production deployments
// hand it an afero.OsFs rooted at the site; tests run it over a MemMapFs.
type FSDriver struct {
	fs afero.Fs

	mu     sync.RWMutex
	byName map[string]*fsUser
	byID   map[UserID]*fsUser
	nextID UserID

	// allowedIPs are pre-auth address masks. Empty allows everyone.
	allowedIPs []string

	// owner and group are the names reported in directory listings.
	owner string
	group string

	// pathLimits are per-path speed rules merged into every transfer's
	// policy.
	pathLimits []PathSpeedLimit
}

// PathSpeedLimit applies a speed policy to transfers under a virtual path
// mask.
type PathSpeedLimit struct {
	PathMask    string
	Upload      bool
	MinimumKBps int
	MaximumKBps int64
}

type fsUser struct {
	User
	passwordHash []byte
	root         string   // virtual chroot inside the backend fs
	masks        []string // ident@address masks; empty allows everything
}

// FSDriverOption configures an FSDriver.
type FSDriverOption func(*FSDriver)

// WithAllowedIPs restricts pre-auth admission to addresses matching one of
// the masks ('*' and '?' wildcards).
func WithAllowedIPs(masks ...string) FSDriverOption {
	return func(d *FSDriver) {
		d.allowedIPs = masks
	}
}

// WithListingOwner sets the owner and group names shown in listings.
func WithListingOwner(owner, group string) FSDriverOption {
	return func(d *FSDriver) {
		d.owner = owner
		d.group = group
	}
}

// WithPathSpeedLimits installs per-path speed rules.
func WithPathSpeedLimits(limits ...PathSpeedLimit) FSDriverOption {
	return func(d *FSDriver) {
		d.pathLimits = limits
	}
}

// NewFSDriver creates a driver over the given filesystem.
func NewFSDriver(fs afero.Fs, options ...FSDriverOption) *FSDriver {
	d := &FSDriver{
		fs:     fs,
		byName: make(map[string]*fsUser),
		byID:   make(map[UserID]*fsUser),
		owner:  "ftp",
		group:  "ftp",
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// UserOption configures an account added with AddUser.
type UserOption func(*fsUser)

// WithUserRoot jails the user under a virtual directory.
func WithUserRoot(root string) UserOption {
	return func(u *fsUser) { u.root = path.Clean("/" + root) }
}

// WithUserLogins caps the user's simultaneous logins.
func WithUserLogins(n int) UserOption {
	return func(u *fsUser) { u.NumLogins = n }
}

// WithUserIdleTime overrides the config idle timeout, in seconds.
// 0 disables the timeout, -1 keeps the config default.
func WithUserIdleTime(seconds int) UserOption {
	return func(u *fsUser) { u.IdleTime = seconds }
}

// WithUserSpeed sets per-transfer ceilings in KB/s. 0 means unshaped.
func WithUserSpeed(upKBps, downKBps int64) UserOption {
	return func(u *fsUser) {
		u.MaxUpSpeed = upKBps
		u.MaxDownSpeed = downKBps
	}
}

// WithUserExempt lets the user bypass login caps.
func WithUserExempt() UserOption {
	return func(u *fsUser) { u.Exempt = true }
}

// WithUserSiteop grants administrative SITE commands.
func WithUserSiteop() UserOption {
	return func(u *fsUser) { u.Siteop = true }
}

// WithUserMasks restricts logins to matching ident@address masks.
func WithUserMasks(masks ...string) UserOption {
	return func(u *fsUser) { u.masks = masks }
}

// WithUserGroup sets the primary group.
func WithUserGroup(group string) UserOption {
	return func(u *fsUser) { u.PrimaryGroup = group }
}

// WithUserTagline sets the tagline shown in events.
func WithUserTagline(tagline string) UserOption {
	return func(u *fsUser) { u.Tagline = tagline }
}

// AddUser creates an account. The password is stored as a bcrypt hash.
func (d *FSDriver) AddUser(name, password string, options ...UserOption) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byName[name]; exists {
		return nil, fmt.Errorf("user %s already exists", name)
	}

	d.nextID++
	u := &fsUser{
		User: User{
			ID:           d.nextID,
			Name:         name,
			PrimaryGroup: d.group,
			IdleTime:     -1,
		},
		passwordHash: hash,
		root:         "/",
	}
	for _, opt := range options {
		opt(u)
	}

	d.byName[name] = u
	d.byID[u.ID] = u

	record := u.User
	return &record, nil
}

// DeleteUser marks an account deleted. Live sessions observe the flag the
// next time a UserUpdate task makes them reload.
func (d *FSDriver) DeleteUser(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.byName[name]
	if !ok {
		return os.ErrNotExist
	}
	u.Deleted = true
	return nil
}

func (d *FSDriver) UserByName(name string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.byName[name]
	if !ok || u.Deleted {
		return nil, os.ErrNotExist
	}
	record := u.User
	return &record, nil
}

func (d *FSDriver) LoadUser(uid UserID) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.byID[uid]
	if !ok {
		return nil, os.ErrNotExist
	}
	record := u.User
	return &record, nil
}

func (d *FSDriver) Authenticate(name, password string) (*User, ClientContext, error) {
	d.mu.RLock()
	u, ok := d.byName[name]
	d.mu.RUnlock()

	if !ok || u.Deleted {
		return nil, nil, os.ErrNotExist
	}
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return nil, nil, os.ErrPermission
	}

	record := u.User
	ctx := &fsContext{
		fs:     d.fs,
		driver: d,
		root:   u.root,
		cwd:    "/",
	}
	return &record, ctx, nil
}

func (d *FSDriver) IPAllowed(addr string) bool {
	if len(d.allowedIPs) == 0 {
		return true
	}
	for _, mask := range d.allowedIPs {
		if wildcardMatch(mask, addr) {
			return true
		}
	}
	return false
}

func (d *FSDriver) IdentIPAllowed(uid UserID, identAddr string) bool {
	d.mu.RLock()
	u, ok := d.byID[uid]
	d.mu.RUnlock()

	if !ok {
		return false
	}
	if len(u.masks) == 0 {
		return true
	}
	for _, mask := range u.masks {
		if wildcardMatch(mask, identAddr) {
			return true
		}
	}
	return false
}

func (d *FSDriver) SpeedLimits(user *User, virtualPath string, upload bool) TransferLimits {
	var limits TransferLimits
	for _, rule := range d.pathLimits {
		if rule.Upload != upload || !pathMatch(rule.PathMask, virtualPath) {
			continue
		}
		if rule.MinimumKBps > limits.MinimumKBps {
			limits.MinimumKBps = rule.MinimumKBps
		}
		if rule.MaximumKBps > 0 &&
			(limits.MaximumKBps == 0 || rule.MaximumKBps < limits.MaximumKBps) {
			limits.MaximumKBps = rule.MaximumKBps
		}
	}
	return limits
}

// fsContext is the session-scoped filesystem view: a virtual cwd jailed
// under the user's root inside the driver's backend filesystem.
type fsContext struct {
	fs     afero.Fs
	driver *FSDriver
	root   string
	cwd    string
}

// Resolve turns a client path into an absolute virtual path.
func (c *fsContext) Resolve(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(c.cwd, p)
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// real maps a virtual path to the backend filesystem. The join against the
// cleaned virtual path keeps traversal inside the user's root.
func (c *fsContext) real(p string) string {
	return path.Join(c.root, c.Resolve(p))
}

func (c *fsContext) GetWd() string {
	return c.cwd
}

func (c *fsContext) ChangeDir(p string) error {
	info, err := c.fs.Stat(c.real(p))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %w", p, os.ErrInvalid)
	}
	c.cwd = c.Resolve(p)
	return nil
}

func (c *fsContext) Stat(p string) (os.FileInfo, error) {
	if lstater, ok := c.fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(c.real(p))
		return info, err
	}
	return c.fs.Stat(c.real(p))
}

func (c *fsContext) ListDir(p string) ([]os.FileInfo, error) {
	return afero.ReadDir(c.fs, c.real(p))
}

func (c *fsContext) OpenRead(p string) (io.ReadSeekCloser, error) {
	return c.fs.Open(c.real(p))
}

func (c *fsContext) OpenWrite(p string, appendTo bool) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendTo {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	return c.fs.OpenFile(c.real(p), flags, 0644)
}

func (c *fsContext) SeekWrite(p string, offset int64) (io.WriteCloser, error) {
	f, err := c.fs.OpenFile(c.real(p), os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (c *fsContext) MakeDir(p string) error {
	if _, err := c.fs.Stat(c.real(p)); err == nil {
		return os.ErrExist
	}
	return c.fs.Mkdir(c.real(p), 0755)
}

func (c *fsContext) RemoveDir(p string) error {
	info, err := c.fs.Stat(c.real(p))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %w", p, os.ErrInvalid)
	}
	return c.fs.Remove(c.real(p))
}

func (c *fsContext) DeleteFile(p string) error {
	info, err := c.Stat(p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory: %w", p, os.ErrInvalid)
	}
	return c.fs.Remove(c.real(p))
}

func (c *fsContext) Rename(fromPath, toPath string) error {
	return c.fs.Rename(c.real(fromPath), c.real(toPath))
}

func (c *fsContext) Readlink(p string) (string, error) {
	if reader, ok := c.fs.(afero.LinkReader); ok {
		return reader.ReadlinkIfPossible(c.real(p))
	}
	return "", fmt.Errorf("symlinks not supported: %w", os.ErrInvalid)
}

func (c *fsContext) Owner(p string) (string, string) {
	return c.driver.owner, c.driver.group
}

func (c *fsContext) Chmod(p string, mode os.FileMode) error {
	return c.fs.Chmod(c.real(p), mode)
}

func (c *fsContext) Close() error {
	return nil
}
