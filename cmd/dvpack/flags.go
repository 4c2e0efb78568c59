package main

import "github.com/urfave/cli/v3"

var (
	logLevel   string
	logFormat  string
	debug      bool
	configFile string
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config file (default ~/.config/dvpack/config.yaml)",
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

func specFlag(dst *string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:        "spec",
		Aliases:     []string{"s"},
		Usage:       "network spec (YAML)",
		Required:    true,
		Destination: dst,
	}
}
