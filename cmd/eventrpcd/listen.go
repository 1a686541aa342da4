package main

import (
	"fmt"
	"strings"

	"event-rpc/client"
	"event-rpc/message"

	"github.com/urfave/cli"
	"go.uber.org/zap"
)

func listenCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.NewExitError("usage: eventrpcd listen EVENT...", 2)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	addr := c.String("addr")
	if addr == "" {
		addr = cfg.Address
	}
	opts, err := clientOptions(cfg, logger)
	if err != nil {
		return err
	}
	cl, err := client.Dial(cfg.Network, addr, opts...)
	if err != nil {
		return err
	}
	defer cl.Close()

	for _, event := range c.Args() {
		event := event
		cl.Subscribe(event, func(args message.Args) {
			fmt.Printf("%s %s\n", event, formatArgs(args))
		})
	}

	select {
	case <-cl.Done():
		logger.Info("server closed the connection", zap.String("addr", addr))
	case sig := <-signalChan():
		logger.Debug("interrupted", zap.Stringer("signal", sig))
	}
	return nil
}

func formatArgs(args message.Args) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = string(a)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
