package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"event-rpc/client"
	"event-rpc/config"
	"event-rpc/loadbalance"
	"event-rpc/message"
	"event-rpc/registry"
	"event-rpc/transport"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

func callCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.NewExitError("usage: eventrpcd call METHOD [ARG...]", 2)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	method := c.Args().First()
	args := parseArgs(c.Args().Tail())

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	var out json.RawMessage
	addr := c.String("addr")
	if addr == "" && len(cfg.Etcd.Endpoints) > 0 {
		err = callDiscovered(ctx, cfg, logger, c.String("balancer"), method, &out, args)
	} else {
		if addr == "" {
			addr = cfg.Address
		}
		err = callDirect(ctx, cfg, logger, addr, method, &out, args)
	}
	if err != nil {
		var te *message.TranslatedError
		if errors.As(err, &te) {
			if te.Stack != "" {
				return cli.NewExitError(te.Stack, 1)
			}
			return cli.NewExitError(te.Error(), 1)
		}
		return err
	}

	if len(out) == 0 {
		fmt.Println("undefined")
	} else {
		fmt.Println(string(out))
	}
	return nil
}

func callDirect(ctx context.Context, cfg *config.Config, logger *zap.Logger, addr, method string, out *json.RawMessage, args []any) error {
	opts, err := clientOptions(cfg, logger)
	if err != nil {
		return err
	}
	cl, err := client.DialContext(ctx, cfg.Network, addr, opts...)
	if err != nil {
		return err
	}
	defer cl.Close()
	return cl.Call(ctx, method, out, args...)
}

func callDiscovered(ctx context.Context, cfg *config.Config, logger *zap.Logger, balancer, method string, out *json.RawMessage, args []any) error {
	opts, err := clientOptions(cfg, logger)
	if err != nil {
		return err
	}
	bal, err := loadbalance.New(balancer)
	if err != nil {
		return err
	}
	reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	b := client.NewBalanced(reg, bal, cfg.Service, opts...)
	defer b.Close()
	return b.Call(ctx, method, out, args...)
}

func clientOptions(cfg *config.Config, logger *zap.Logger) ([]client.Option, error) {
	variant, err := cfg.WireVariant()
	if err != nil {
		return nil, err
	}
	ct, err := cfg.CodecType()
	if err != nil {
		return nil, err
	}
	return []client.Option{
		client.WithVariant(variant),
		client.WithLogger(logger),
		client.WithTransportOptions(
			transport.WithCodec(ct),
			transport.WithHeartbeat(cfg.Heartbeat),
			transport.WithIdleTimeout(cfg.IdleTimeout),
		),
	}, nil
}

// parseArgs keeps valid JSON as is and sends anything else as a string,
// so `call add 1 2` and `call echo hello` both work.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, a := range raw {
		if json.Valid([]byte(a)) {
			args = append(args, json.RawMessage(a))
			continue
		}
		args = append(args, strings.TrimSpace(a))
	}
	return args
}
