// Package server implements a multi-user FTP server with TLS support on
// the control and data channels, per-user and global admission control,
// transfer speed policies, and operator extension points.
//
// # Architecture
//
// The Server supervisor accepts connections and runs one session goroutine
// per client. Sessions share nothing directly; they interact through the
// counter singletons held by the Server and by posting tasks to its
// serialized task loop, which owns the session registry.
//
// Each session couples two channels: the long-lived control connection
// carrying commands and replies, and a transient data connection per
// transfer, negotiated with PORT/EPRT (active) or PASV/EPSV (passive) and
// optionally TLS-protected independently of the control channel (PROT).
//
// Transfers run in a background goroutine so ABOR and STAT stay
// serviceable; at most one transfer is in flight per session. The byte
// pump consults the speed controller after every chunk, enforcing minimum
// speeds, per-user ceilings and shared global limit classes.
//
// # Backends
//
// Authentication, ACL checks and all file operations go through the Driver
// interface. FSDriver is the built-in implementation over an afero
// filesystem with bcrypt password hashes; custom drivers can wrap any user
// database or object store.
//
// # Basic usage
//
//	fsys := afero.NewBasePathFs(afero.NewOsFs(), "/srv/ftp")
//	driver := server.NewFSDriver(fsys)
//	driver.AddUser("alice", "secret")
//
//	s, err := server.NewServer(":2121", server.WithDriver(driver))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
package server
