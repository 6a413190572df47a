package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/aristath/ambari-agent/internal/config"
	"github.com/aristath/ambari-agent/internal/tui"
)

// options are the command-line flags.
type options struct {
	configPath string // Replaces the project config path
	inboxDir   string
	monitor    bool
	dryRun     bool
	logLevel   string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("ambari-agent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "config file overriding the global one (default "+config.ProjectPath+")")
	fs.StringVar(&opts.inboxDir, "inbox", "", "directory watched for command batches (overrides agent.inbox_dir)")
	fs.BoolVar(&opts.monitor, "monitor", false, "show the live monitor")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "report every command as succeeded without running scripts")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (overrides logging.level)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// loadConfig merges defaults, the global file, and the project (or --config) file,
// then applies flag overrides.
func loadConfig(opts options) (*config.AgentConfig, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	projectPath := filepath.FromSlash(config.ProjectPath)
	if opts.configPath != "" {
		if _, err := os.Stat(opts.configPath); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		projectPath = opts.configPath
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if opts.inboxDir != "" {
		cfg.Agent.InboxDir = opts.inboxDir
	}
	if opts.dryRun {
		cfg.Agent.Executor = "dry-run"
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.Out = out
	if cfg.Level != "" {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// The monitor owns the terminal, so logs go to a file beside the store
	logOut := io.Writer(os.Stderr)
	if opts.monitor {
		f, err := openMonitorLog(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger, err := newLogger(cfg.Logging, logOut)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("agent failed to start")
		os.Exit(1)
	}

	if !opts.monitor {
		if err := d.Run(ctx); err != nil {
			logger.WithError(err).Error("agent stopped with error")
			os.Exit(1)
		}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := tea.NewProgram(tui.New(d.bus), tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Run(runCtx)
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		logger.WithError(err).Error("monitor failed")
	}

	// Quitting the monitor stops the agent
	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("agent stopped with error")
			os.Exit(1)
		}
	case <-time.After(30 * time.Second):
		logger.Error("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}

func openMonitorLog(cfg *config.AgentConfig) (*os.File, error) {
	dir := filepath.Dir(cfg.Store.Path)
	if cfg.Store.Path == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "agent.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
