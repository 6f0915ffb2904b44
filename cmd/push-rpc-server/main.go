// Command push-rpc-server serves the demo Arith service over the frame protocol
// and HTTP on one port, optionally registering it in etcd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"push-rpc/config"
	"push-rpc/logger"
	"push-rpc/message"
	"push-rpc/middleware"
	"push-rpc/registry"
	"push-rpc/server"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Mul(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

// Tick is pushed to every connected client.
type Tick struct {
	At time.Time
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	listen := flag.String("listen", "", "listen address, overrides the config file")
	pushEvery := flag.Duration("push-interval", 0, "push a Client.Tick to every client at this interval (push protocol only)")
	flag.Parse()

	if err := run(*configPath, *listen, *pushEvery); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, listen string, pushEvery time.Duration) error {
	cfg := config.Defaults()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Development); err != nil {
		return err
	}
	log := logger.Named("main")
	defer logger.Get().Sync()

	opts := []server.Option{
		server.WithCodec(cfg.CodecType()),
		server.WithWorkers(cfg.Workers, cfg.QueueSize),
	}
	if cfg.Protocol == "push" {
		opts = append(opts, server.WithPush())
	}
	var reg registry.Registry
	if cfg.Etcd != nil {
		etcd, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, logger.Named("etcd"))
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcd.Close()
		reg = etcd
		opts = append(opts, server.WithRegistryTTL(cfg.Etcd.TTL))
	}
	svr := server.NewServer(opts...)

	// Middlewares run outermost first: log, then rate limit, then timeout.
	svr.Use(middleware.LoggingMiddleware(logger.Named("rpc")))
	if cfg.RateLimit != nil {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if cfg.Timeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Timeout))
	}

	pools := make(map[string]message.Executor, len(cfg.Pools))
	for name, pc := range cfg.Pools {
		pools[name] = svr.NewPool(name, pc.Workers, pc.QueueSize)
	}
	if err := svr.RegisterWithPool(&Arith{}, pools[cfg.Services["Arith"]]); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- svr.Serve("tcp", cfg.Listen, cfg.AdvertiseAddr(), reg) }()

	if pushEvery > 0 && cfg.Protocol == "push" {
		go pushTicks(ctx, svr, pushEvery, log)
	}

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	if err := svr.Shutdown(10 * time.Second); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return <-served
}

func pushTicks(ctx context.Context, svr *server.Server, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range svr.Clients() {
				pctx, cancel := context.WithTimeout(ctx, every)
				err := svr.Push(pctx, id, "Client.Tick", Tick{At: now}, nil)
				cancel()
				if err != nil {
					log.Warn("push tick failed", zap.String("client", id), zap.Error(err))
				}
			}
		}
	}
}
