package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/woq/internal/woq"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
	workers    int64
	loopOrder  string
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: $XDG_CONFIG_HOME/woq/config.yaml)",
			Destination: &configFile,
		},
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

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "worker goroutines (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.StringFlag{
			Name:        "loop-order",
			Usage:       "tile order within a worker (nm, mn)",
			Value:       string(woq.LoopNM),
			Destination: &loopOrder,
		},
	}
}

// engineConfig layers the engine flags over cfg when they were set.
func engineConfig(cmd *cli.Command, cfg woq.Config) (woq.Config, error) {
	if cmd.IsSet("workers") {
		cfg.Workers = int(workers)
	}
	if cmd.IsSet("loop-order") {
		cfg.LoopOrder = woq.LoopOrder(loopOrder)
	}
	return cfg, cfg.Validate()
}
