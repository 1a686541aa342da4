package main

import (
	"context"
	"time"

	"event-rpc/config"
	"event-rpc/message"
	"event-rpc/middleware"
	"event-rpc/registry"
	"event-rpc/server"
	"event-rpc/transport"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

func serveCommand(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if addr := c.String("listen"); addr != "" {
		cfg.Address = addr
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}

	svr, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	if err = declareDemo(svr); err != nil {
		return err
	}

	var reg registry.Registry
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, logger)
		if err != nil {
			return err
		}
		defer etcdReg.Close()
		reg = etcdReg
	}

	served := make(chan error, 1)
	go func() { served <- svr.Serve(cfg.Network, cfg.Address, cfg.Advertise, reg) }()

	ctx, stopTicks := context.WithCancel(context.Background())
	defer stopTicks()
	if every := c.Duration("tick"); every > 0 {
		go publishTicks(ctx, svr, every)
	}

	stop := signalChan()
	select {
	case err = <-served:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.Stringer("signal", sig), zap.Int("peers", svr.PeerCount()))
	}
	stopTicks()

	if err := svr.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("unclean shutdown", zap.Error(err))
	}
	return <-served
}

func newServer(cfg *config.Config, logger *zap.Logger) (*server.Server, error) {
	variant, err := cfg.WireVariant()
	if err != nil {
		return nil, err
	}
	ct, err := cfg.CodecType()
	if err != nil {
		return nil, err
	}

	topts := []transport.Option{
		transport.WithCodec(ct),
		transport.WithHeartbeat(cfg.Heartbeat),
		transport.WithIdleTimeout(cfg.IdleTimeout),
		transport.WithWriteTimeout(cfg.WriteTimeout),
	}
	opts := []server.Option{
		server.WithVariant(variant),
		server.WithLogger(logger),
		server.WithDebug(cfg.Debug),
		server.WithRegistration(cfg.Service, cfg.Weight, cfg.Version, cfg.Etcd.TTL),
		server.WithTransportOptions(topts...),
	}
	if cfg.RateLimit.Rate > 0 {
		opts = append(opts, server.WithRateLimit(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.LoggingMiddleware(logger))
	return svr, nil
}

// declareDemo declares the methods the serve command exposes.
func declareDemo(svr *server.Server) error {
	if err := svr.DeclareFunc("add", func(a, b float64) float64 { return a + b }); err != nil {
		return err
	}
	if err := svr.Declare("echo", func(_ context.Context, args message.Args) (any, error) {
		return args, nil
	}); err != nil {
		return err
	}
	if err := svr.DeclareFunc("fail", func(msg string) error {
		return errors.New(msg)
	}); err != nil {
		return err
	}
	return svr.DeclareFunc("whoami", func(ctx context.Context) string {
		return server.PeerID(ctx)
	})
}

// publishTicks publishes "tick" with a counter and the time to every connected peer.
func publishTicks(ctx context.Context, svr *server.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			n++
			svr.Publish("tick", n, t.UTC().Format(time.RFC3339))
		}
	}
}
