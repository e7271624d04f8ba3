package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/samcharles93/kiln/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "kiln",
		Usage: "Local transformer inference engine",
		Flags: globalFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return ctx, err
			}
			if cfg.LogLevel != nil && !cmd.IsSet("log-level") {
				logLevel = *cfg.LogLevel
			}
			if !cmd.IsSet("log-format") {
				switch {
				case cfg.LogFormat != nil:
					logFormat = *cfg.LogFormat
				case !term.IsTerminal(int(os.Stderr.Fd())):
					logFormat = "text"
				}
			}
			level := logger.ParseLevel(logLevel)
			if debug {
				level = slog.LevelDebug
			}
			log, err := newLogger(os.Stderr, logFormat, level)
			if err != nil {
				return ctx, err
			}
			ctx = logger.WithContext(ctx, log)
			return context.WithValue(ctx, configKey{}, cfg), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			serveCmd(),
			quantizeCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}
}

type configKey struct{}

// configFromContext returns the config loaded by the root command.
func configFromContext(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}

func newLogger(w io.Writer, format string, level slog.Level) (logger.Logger, error) {
	switch format {
	case "pretty":
		return logger.Pretty(w, level), nil
	case "json":
		return logger.JSON(w, level), nil
	case "text":
		return logger.Text(w, level), nil
	case "console":
		return logger.Zerolog(w, level, true), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want pretty, json, text or console)", format)
	}
}
