package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dbehnke/dyntdm/internal/config"
)

const VERSION = "1.0.0"

func main() {
	var (
		configFile = pflag.StringP("config", "c", getDefaultConfig(), "Configuration file path")
		logLevel   = pflag.String("log-level", "", "Override the configured log level")
		checkOnly  = pflag.Bool("check", false, "Validate the configuration and exit")
		version    = pflag.BoolP("version", "v", false, "Show version information")
	)
	pflag.Parse()

	if *version {
		fmt.Printf("dyntdmd v%s\n", VERSION)
		return
	}

	// A bare argument names the config file
	if pflag.NArg() > 0 {
		*configFile = pflag.Arg(0)
	}

	cfg := config.NewConfig(*configFile)
	if err := cfg.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "dyntdmd: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "dyntdmd: invalid configuration %s:\n%v\n", *configFile, err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Printf("%s: ok\n", *configFile)
		return
	}

	logger, closeLog := newLogger(cfg.Log, os.Stderr)
	defer closeLog()
	slog.SetDefault(logger)
	logger.Info("dyntdmd starting", "version", VERSION, "config", *configFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := NewDaemon(cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		closeLog()
		os.Exit(1)
	}
	if err := daemon.Run(ctx); err != nil {
		logger.Error("daemon error", "error", err)
		closeLog()
		os.Exit(1)
	}
	logger.Info("dyntdmd stopped")
}

// newLogger builds the text logger. With a log file configured, output also
// goes to a size-rotated file.
func newLogger(c config.LogConfig, console io.Writer) (*slog.Logger, func()) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}

	w := console
	closeFn := func() {}
	if c.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		}
		w = io.MultiWriter(console, rotated)
		closeFn = func() { _ = rotated.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn
}

// getDefaultConfig returns the first config file found, preferring the
// current directory
func getDefaultConfig() string {
	for _, path := range []string{"dyntdmd.yaml", "/etc/dyntdmd.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return "dyntdmd.yaml"
}
