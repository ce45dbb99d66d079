// Command lognotd is the log-monitoring daemon binary. It wires the
// configuration loader, logging facility, controller, worker pool, action
// history store, and introspection endpoint together, and reacts to
// SIGHUP/SIGUSR1/SIGUSR2/SIGTERM while the controller's main loop runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lognot/lognotd/internal/actionqueue"
	"github.com/lognot/lognotd/internal/cli"
	"github.com/lognot/lognotd/internal/config"
	"github.com/lognot/lognotd/internal/controller"
	"github.com/lognot/lognotd/internal/history"
	"github.com/lognot/lognotd/internal/logging"
	"github.com/lognot/lognotd/internal/status"
	"github.com/lognot/lognotd/internal/worker"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "/etc/lognotd.conf"

type flags struct {
	configPath string
	logfile    string
	stdout     bool
	daemon     bool
	verbose    bool
	uid        int
	gid        int
	chdir      string
	pidPath    string
	testPath   string
	retestExpr string
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:     "lognotd",
		Short:   "A frequency-driven log monitoring daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVar(&f.configPath, "config", "", "path to the lognotd configuration file (default "+defaultConfigPath+")")
	root.Flags().StringVar(&f.logfile, "logfile", "", "path to lognotd's own log file (overrides [general] logfile)")
	root.Flags().BoolVar(&f.stdout, "stdout", false, "log to stdout regardless of configured logfacility")
	root.Flags().BoolVar(&f.daemon, "daemon", false, "detach into the background after startup")
	root.Flags().BoolVar(&f.verbose, "verbose", false, "enable debug-level logging")
	root.Flags().IntVar(&f.uid, "uid", 0, "drop privileges to this uid after opening configured sources (0 = do not switch)")
	root.Flags().IntVar(&f.gid, "gid", 0, "drop privileges to this gid after opening configured sources (0 = do not switch)")
	root.Flags().StringVar(&f.chdir, "chdir", "", "change the working directory to this path before starting")
	root.Flags().StringVar(&f.pidPath, "pid", "", "write the daemon's pid to this file (default /var/run/lognotd.pid when --daemon is set)")
	root.Flags().StringVar(&f.testPath, "test", "", "parse and validate the configuration at this path, then exit (0 = ok, 1 = invalid)")
	root.Flags().StringVar(&f.retestExpr, "retest", "", "read stdin, apply this regex line-by-line, print capture groups, then exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lognotd:", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	if f.retestExpr != "" {
		pattern, err := regexp.Compile(f.retestExpr)
		if err != nil {
			return fmt.Errorf("--retest: %w", err)
		}
		return cli.Retest(os.Stdout, os.Stdin, pattern)
	}

	if f.testPath != "" {
		if _, err := config.Load(f.testPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("configuration OK")
		return nil
	}

	return runDaemon(f)
}

func runDaemon(f flags) error {
	configPath := f.configPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("lognotd: %w", err)
	}

	if f.chdir != "" {
		if err := os.Chdir(f.chdir); err != nil {
			return fmt.Errorf("lognotd: chdir %q: %w", f.chdir, err)
		}
	}

	if f.daemon {
		pidPath := f.pidPath
		if pidPath == "" {
			pidPath = "/var/run/lognotd.pid"
		}
		done, err := daemonize(pidPath)
		if err != nil {
			return fmt.Errorf("lognotd: daemonize: %w", err)
		}
		if done {
			// The parent process: the detached child has already been
			// started and its pid recorded. Nothing left to do here.
			return nil
		}
		defer os.Remove(pidPath)
	} else if f.pidPath != "" {
		if err := os.WriteFile(f.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("lognotd: write pid file %q: %w", f.pidPath, err)
		}
		defer os.Remove(f.pidPath)
	}

	logfacility := logging.Facility(cfg.General.LogFacility)
	logfile := cfg.General.LogFile
	if f.stdout {
		logfacility = logging.FacilityStdout
	}
	if f.logfile != "" {
		logfile = f.logfile
	}
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger, sink, err := logging.New(logfacility, logfile, level)
	if err != nil {
		return fmt.Errorf("lognotd: %w", err)
	}
	slog.SetDefault(logger)
	defer logging.Flush(context.Background(), logger)

	queue := actionqueue.New()

	ctrl := controller.New(logger, queue)
	if err := ctrl.Load(configPath); err != nil {
		return fmt.Errorf("lognotd: %w", err)
	}
	defer ctrl.Close()

	uid, gid := f.uid, f.gid
	if uid == 0 {
		uid = cfg.General.UID
	}
	if gid == 0 {
		gid = cfg.General.GID
	}
	if err := dropPrivileges(uid, gid); err != nil {
		return fmt.Errorf("lognotd: %w", err)
	}

	var hist *history.Store
	if cfg.General.TmpDir != "" {
		hist, err = history.Open(filepath.Join(cfg.General.TmpDir, "lognotd-history.db"), logger)
		if err != nil {
			logger.Warn("action history disabled", slog.Any("error", err))
			hist = nil
		} else {
			defer hist.Close()
		}
	}

	var historyArg worker.History
	if hist != nil {
		historyArg = hist
	}
	pool := worker.New(logger, queue, ctrl, historyArg, cfg.General.AThreadCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	var statusServer *http.Server
	if cfg.General.StatusAddr != "" {
		srv := status.NewServer(ctrl, queue, statusHistory(hist))
		handler := status.NewRouter(srv, cfg.General.StatusAuthToken)
		statusServer = &http.Server{Addr: cfg.General.StatusAddr, Handler: handler}
		go func() {
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status endpoint failed", slog.Any("error", err))
			}
		}()
		logger.Info("status endpoint listening", slog.String("addr", cfg.General.StatusAddr))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- ctrl.Run(ctx) }()

	logger.Info("lognotd started", slog.String("config", configPath))

	for {
		select {
		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				if sink != nil {
					if err := sink.Reopen(); err != nil {
						logger.Error("failed to reopen log file", slog.Any("error", err))
					} else {
						logger.Info("log file reopened")
					}
				}
			case syscall.SIGUSR1:
				if err := ctrl.Reload(configPath); err != nil {
					logger.Error("configuration reload failed, keeping previous configuration", slog.Any("error", err))
				}
			case syscall.SIGUSR2:
				// Reserved; no-op.
			case syscall.SIGTERM, syscall.SIGINT:
				logger.Info("shutting down")
				cancel()
				if statusServer != nil {
					_ = statusServer.Close()
				}
				<-runErrCh
				return nil
			}
		case err := <-runErrCh:
			if err != nil {
				logger.Error("controller loop exited", slog.Any("error", err))
			}
			return err
		}
	}
}

// statusHistory adapts a possibly-nil *history.Store to the status.History
// interface: passing a nil *history.Store through directly would produce a
// non-nil interface value wrapping a nil pointer, which status.Server's
// "history == nil disables /history" check would not catch.
func statusHistory(h *history.Store) status.History {
	if h == nil {
		return nil
	}
	return h
}
