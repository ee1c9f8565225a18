package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/grandcat/zeroconf"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/carriercomm/ebftpd/internal/metrics"
	"github.com/carriercomm/ebftpd/server"
)

var (
	flagConfig      string
	flagAddr        string
	flagRoot        string
	flagMetricsAddr string
	flagMDNS        bool
	flagDebug       bool
)

var rootCmd = &cobra.Command{
	Use:   "ebftpd",
	Short: "Multi-user FTP server",
	Long: `ebftpd is a multi-user FTP server with TLS support, per-user and
global admission control, bandwidth policies and operator extension
points.`,
	RunE: runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "config file (JSON)")
	rootCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "listen address (overrides config)")
	rootCmd.Flags().StringVarP(&flagRoot, "root", "r", "", "site root directory")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.Flags().BoolVar(&flagMDNS, "mdns", false, "announce the server via mDNS (_ftp._tcp)")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
}

func runServer(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	root := flagRoot
	if root == "" {
		root = "."
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("site root %q is not a directory", root)
	}

	fsys := afero.NewBasePathFs(afero.NewOsFs(), root)
	driver := server.NewFSDriver(fsys)

	options := []server.Option{
		server.WithDriver(driver),
		server.WithLogger(logger),
	}
	if flagConfig != "" {
		options = append(options, server.WithConfigFile(flagConfig))
	}

	collector := metrics.NewCollector()
	options = append(options, server.WithMetrics(collector))

	addr := flagAddr
	if addr == "" {
		cfg := server.DefaultConfig()
		if flagConfig != "" {
			loaded, err := server.LoadConfig(flagConfig)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		addr = cfg.ListenAddr
	}

	srv, err := server.NewServer(addr, options...)
	if err != nil {
		return err
	}

	if flagMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		go func() {
			if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
		logger.Info("metrics endpoint", "addr", flagMetricsAddr)
	}

	if flagConfig != "" {
		go watchConfig(logger, srv, flagConfig)
	}

	if flagMDNS {
		stop, err := announceMDNS(addr)
		if err != nil {
			logger.Warn("mDNS announcement failed", "error", err)
		} else {
			defer stop()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		_ = srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != server.ErrServerClosed {
		return err
	}
	return nil
}

// watchConfig posts a ReloadConfig task whenever the config file changes.
func watchConfig(logger *slog.Logger, srv *server.Server, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("config watch failed", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		logger.Error("config watch failed", "path", path, "error", err)
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			res := srv.ReloadConfig()
			if res.Status == server.ReloadFail {
				logger.Error("config reload failed", "path", path)
			} else if res.StopStartRequired {
				logger.Warn("config reloaded; some changes need a restart", "path", path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("config watch error", "error", err)
		}
	}
}

// announceMDNS registers the FTP service on the local network.
func announceMDNS(addr string) (func(), error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "ebftpd"
	}

	srv, err := zeroconf.Register(hostname, "_ftp._tcp", "local.", port, nil, nil)
	if err != nil {
		return nil, err
	}
	return srv.Shutdown, nil
}
