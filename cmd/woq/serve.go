package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/woq/internal/logger"
	"github.com/samcharles93/woq/internal/server"
	"github.com/samcharles93/woq/internal/store"
	"github.com/samcharles93/woq/internal/woq"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		weightsDir  string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve packed layers over HTTP",
		Flags: append(engineFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "weights-dir",
				Aliases:     []string{"dir"},
				Usage:       "directory of .wqf files",
				Destination: &weightsDir,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFromContext(ctx)
			if cfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = cfg.ServerAddress
			}

			dir, err := resolveWeightsDir(weightsDir, cfg.WeightsDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			engineCfg, err := engineConfig(cmd, cfg.Engine)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: engine config: %v", err), 1)
			}
			engine, err := woq.NewEngine(engineCfg, woq.WithLogger(log.WithGroup("woq")))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: engine: %v", err), 1)
			}
			defer engine.Close()

			reg, err := store.OpenDir(dir, log.WithGroup("store"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load weights: %v", err), 1)
			}
			defer func() { _ = reg.Close() }()
			if reg.Len() == 0 {
				log.Warn("no .wqf files found", "dir", dir)
			}

			e := echo.New()
			e.Logger = logger.Slog(log)
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.New(reg, engine, log.WithGroup("http")).Register(e)

			log.Info("starting server", "address", addr, "layers", reg.Len(), "workers", engine.Pool().Size())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
