package main

/*
* eventrpcd: serve declared methods, call them, listen to published events
 */

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"event-rpc/config"
	"event-rpc/logging"

	"github.com/urfave/cli"
	"go.uber.org/zap"
)

func main() {
	app := cli.NewApp()
	app.Name = "eventrpcd"
	app.Usage = "event-driven RPC over a persistent socket"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "YAML configuration file",
			EnvVar: "EVENTRPC_CONFIG",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override the configured log level",
		},
		cli.BoolFlag{
			Name:  "dev",
			Usage: "human readable console logs",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "serve",
			Usage: "Serve the demo methods (add, echo, fail, whoami) and publish ticks",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "listen, l",
					Usage: "listen address, overrides the configuration",
				},
				cli.DurationFlag{
					Name:  "tick",
					Value: 5 * time.Second,
					Usage: "interval of the published \"tick\" event, 0 disables it",
				},
				cli.BoolFlag{
					Name:  "debug",
					Usage: "include stack traces in thrown exceptions",
				},
			},
			Action: serveCommand,
		},
		cli.Command{
			Name:      "call",
			Usage:     "Call a method and print its returned value",
			ArgsUsage: "METHOD [ARG...]  (each ARG is JSON, anything else is sent as a string)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "addr, a",
					Usage: "server address; without it the service is discovered through etcd when configured",
				},
				cli.StringFlag{
					Name:  "balancer",
					Value: "round_robin",
					Usage: "round_robin or weighted_random, used with etcd discovery",
				},
				cli.DurationFlag{
					Name:  "timeout",
					Value: 10 * time.Second,
				},
			},
			Action: callCommand,
		},
		cli.Command{
			Name:      "listen",
			Usage:     "Print every published EVENT until interrupted",
			ArgsUsage: "EVENT...",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "addr, a",
					Usage: "server address, overrides the configuration",
				},
			},
			Action: listenCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration named by the global flags and builds the logger.
func setup(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if path := c.GlobalString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	level := cfg.LogLevel
	if l := c.GlobalString("log-level"); l != "" {
		level = l
	}
	logger, err := logging.New(level, c.GlobalBool("dev"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// signalChan delivers the first SIGINT or SIGTERM.
func signalChan() <-chan os.Signal {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	return sig
}
