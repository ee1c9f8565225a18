package server

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
)

// SpeedLimitClass is a named global bandwidth budget. Every transfer whose
// virtual path matches PathMask participates in the class; the speed
// counter divides the budget fairly between active participants.
type SpeedLimitClass struct {
	Name         string `json:"name"`
	PathMask     string `json:"path_mask"`
	UploadKBps   int64  `json:"upload_kbps"`
	DownloadKBps int64  `json:"download_kbps"`
}

// CscriptHook configures an external program run before or after a verb.
// PRE hooks veto the command when the program exits non-zero; the session
// then replies with FailCode (0 uses the command's default failure code).
type CscriptHook struct {
	Verb     string `json:"verb"`
	Path     string `json:"path"`
	Post     bool   `json:"post"`
	FailCode int    `json:"fail_code"`
}

// SiteCommandDef configures an operator-defined SITE command. Type EXEC
// spawns Target and streams its stdout to the client; type TEXT streams the
// contents of the Target file.
type SiteCommandDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "EXEC" or "TEXT"
	Target      string `json:"target"`
	Description string `json:"description"`
	SiteopOnly  bool   `json:"siteop_only"`
}

// Config is an immutable snapshot of the server configuration. Sessions
// take one snapshot per command; ReloadConfig publishes a new snapshot
// without disturbing snapshots already captured by running transfers.
type Config struct {
	ListenAddr  string `json:"listen_addr"`
	LoginPrompt string `json:"login_prompt"`

	// Banner is a file whose contents replace the login prompt when set.
	Banner string `json:"banner"`

	// BouncerOnly refuses direct connections that do not come from a
	// configured bouncer address (loopback excepted).
	BouncerOnly bool     `json:"bouncer_only"`
	Bouncers    []string `json:"bouncers"`

	// IdleTimeout in seconds for logged-in sessions whose user record does
	// not override it.
	IdleTimeout int `json:"idle_timeout"`

	MaxUsers            int `json:"max_users"`
	MaxPasswordAttempts int `json:"max_password_attempts"`
	MaxUploads          int `json:"max_uploads"`
	MaxDownloads        int `json:"max_downloads"`

	// MaxConnections caps simultaneous control connections, before any
	// login happens. 0 = unlimited.
	MaxConnections int `json:"max_connections"`

	// MaxConnectionsPerIP caps simultaneous connections per client
	// address. 0 = unlimited.
	MaxConnectionsPerIP int `json:"max_connections_per_ip"`

	PasvMinPort int    `json:"pasv_min_port"`
	PasvMaxPort int    `json:"pasv_max_port"`
	PublicHost  string `json:"public_host"`

	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`

	// AllowCCC permits stripping control channel TLS after authentication.
	AllowCCC bool `json:"allow_ccc"`

	SpeedLimits []SpeedLimitClass `json:"speed_limits"`

	// IdleCommands are wildcard masks of command lines that do not reset
	// the idle clock.
	IdleCommands []string `json:"idle_commands"`

	Cscripts     []CscriptHook    `json:"cscripts"`
	SiteCommands []SiteCommandDef `json:"site_commands"`

	// EventPaths are masks of virtual paths whose completed uploads emit
	// an event log entry.
	EventPaths []string `json:"event_paths"`

	// IndexedPaths are masks of virtual paths maintained in the site
	// index; deletions under them are forwarded to the stats store.
	IndexedPaths []string `json:"indexed_paths"`
}

// DefaultConfig returns the baseline configuration a config file overrides.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          ":2121",
		LoginPrompt:         "FTP server ready.",
		IdleTimeout:         900,
		MaxPasswordAttempts: 3,
	}
}

// LoadConfig parses a JSON config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.MaxPasswordAttempts < 1 {
		return fmt.Errorf("max_password_attempts must be at least 1")
	}
	if c.PasvMinPort != 0 || c.PasvMaxPort != 0 {
		if c.PasvMinPort <= 0 || c.PasvMaxPort < c.PasvMinPort {
			return fmt.Errorf("invalid pasv port range [%d, %d]", c.PasvMinPort, c.PasvMaxPort)
		}
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	for _, sc := range c.SiteCommands {
		switch strings.ToUpper(sc.Type) {
		case "EXEC", "TEXT":
		default:
			return fmt.Errorf("site command %s: unknown type %q", sc.Name, sc.Type)
		}
	}
	return nil
}

// IsBouncer reports whether addr is one of the configured bouncer
// addresses.
func (c *Config) IsBouncer(addr string) bool {
	for _, b := range c.Bouncers {
		if b == addr {
			return true
		}
	}
	return false
}

// IdleExempt reports whether a command line matches one of the masks that
// leave the idle clock untouched.
func (c *Config) IdleExempt(commandLine string) bool {
	for _, mask := range c.IdleCommands {
		if wildcardMatch(mask, commandLine) {
			return true
		}
	}
	return false
}

// ClassLimit returns a limit class budget in bytes per second for the
// given direction, or 0 when the class is unknown or unlimited.
func (c *Config) ClassLimit(name string, upload bool) int64 {
	for _, class := range c.SpeedLimits {
		if class.Name != name {
			continue
		}
		if upload {
			return class.UploadKBps * 1024
		}
		return class.DownloadKBps * 1024
	}
	return 0
}

// LimitClasses returns the names of the limit classes a transfer at
// virtualPath participates in.
func (c *Config) LimitClasses(virtualPath string, upload bool) []string {
	var classes []string
	for _, class := range c.SpeedLimits {
		if upload && class.UploadKBps <= 0 {
			continue
		}
		if !upload && class.DownloadKBps <= 0 {
			continue
		}
		if pathMatch(class.PathMask, virtualPath) {
			classes = append(classes, class.Name)
		}
	}
	return classes
}

// PathIndexed reports whether virtualPath falls under an indexed path
// mask.
func (c *Config) PathIndexed(virtualPath string) bool {
	for _, mask := range c.IndexedPaths {
		if pathMatch(mask, virtualPath) {
			return true
		}
	}
	return false
}

// PathEventLogged reports whether uploads at virtualPath emit event log
// entries.
func (c *Config) PathEventLogged(virtualPath string) bool {
	for _, mask := range c.EventPaths {
		if pathMatch(mask, virtualPath) {
			return true
		}
	}
	return false
}

// wildcardMatch is a case-insensitive match of a '*'/'?' mask against a
// whole string. Used for command line and ident@address masks, where
// separators carry no meaning.
func wildcardMatch(mask, s string) bool {
	ok, err := path.Match(strings.ToLower(mask), strings.ToLower(s))
	return err == nil && ok
}

// pathMatch matches a mask against a virtual path, treating a mask that
// names a directory as covering everything beneath it.
func pathMatch(mask, virtualPath string) bool {
	if mask == "" {
		return false
	}
	if strings.HasSuffix(mask, "/") {
		return strings.HasPrefix(virtualPath, mask) || virtualPath+"/" == mask
	}
	if ok, err := path.Match(mask, virtualPath); err == nil && ok {
		return true
	}
	return strings.HasPrefix(virtualPath, mask+"/")
}

// splitHostPort returns just the host part of an address, tolerating bare
// hosts.
func splitHostPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
