package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"slices"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/api"
	"github.com/samcharles93/kiln/internal/inference"
	"github.com/samcharles93/kiln/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		flags     serveFlags
		maxTokens int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the completions API over HTTP",
		Flags: slices.Concat(commonModelFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &flags.addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &flags.readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-sessions",
				Usage:       "concurrently decoding sessions (0 = GOMAXPROCS)",
				Destination: &maxSessions,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Usage:       "default max_tokens for requests that omit it",
				Value:       256,
				Destination: &maxTokens,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFromContext(ctx)
			applyModelConfig(cmd, cfg)
			if cfg.ServerAddress != nil && !cmd.IsSet("addr") {
				flags.addr = *cfg.ServerAddress
			}
			if cfg.MaxSessions != nil && !cmd.IsSet("max-sessions") {
				maxSessions = *cfg.MaxSessions
			}
			if cfg.MaxTokens != nil && !cmd.IsSet("max-tokens") {
				maxTokens = *cfg.MaxTokens
			}

			res, err := loadModel(ctx, log)
			if err != nil {
				return err
			}
			defer func() { _ = res.Close() }()

			ctrl := inference.NewController(res.Executor, res.Tokenizer, inference.Options{
				MaxSessions: int(maxSessions),
				StopTokens:  res.StopTokens,
				Logger:      log,
			})
			server := api.NewServer(api.Config{
				Controller: ctrl,
				Tokenizer:  res.Tokenizer,
				Defaults:   res.GenerationDefaults,
				Model:      filepath.Base(modelPath),
				MaxTokens:  int(maxTokens),
				Logger:     log,
			})

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", flags.addr, "max_context", res.Executor.MaxContext())
			sc := echo.StartConfig{
				Address: flags.addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = flags.readTimeout
					return nil
				},
			}
			err = sc.Start(ctx, e)
			// Cancel in-flight sessions before the weights are unmapped.
			_ = ctrl.Close()
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			log.Info("server stopped")
			return err
		},
	}
}
