package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/anvil/internal/logger"
	"github.com/samcharles93/anvil/pkg/kernel"
)

var (
	dbPath    string
	target    string
	logLevel  string
	logFormat string
	debug     bool
)

func commonCacheFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "db",
			Aliases:     []string{"database"},
			Usage:       "operator database base path",
			Destination: &dbPath,
		},
		&cli.StringFlag{
			Name:        "target",
			Usage:       "hardware target (default: detected)",
			Destination: &target,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(os.Stderr, level)
	}
}

func newCache(log logger.Logger) *kernel.Cache {
	return kernel.NewCache(kernel.Options{
		DatabasePath: dbPath,
		Logger:       log,
	})
}

func resolveTarget() string {
	if target != "" {
		return target
	}
	return kernel.DetectTarget()
}
