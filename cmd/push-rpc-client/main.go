// Command push-rpc-client calls Arith.Add through the client library and prints
// any Client.Tick pushes it receives.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"push-rpc/client"
	"push-rpc/codec"
	"push-rpc/loadbalance"
	"push-rpc/logger"
	"push-rpc/registry"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "server address, used when -etcd is empty")
	etcdEndpoints := flag.String("etcd", "", "comma separated etcd endpoints for discovery")
	strategy := flag.String("balancer", "round_robin", "round_robin, weighted_random or consistent_hash")
	codecName := flag.String("codec", "json", "json or binary")
	a := flag.Int("a", 1, "first operand")
	b := flag.Int("b", 2, "second operand")
	wait := flag.Duration("wait", 0, "keep the connection open this long to receive pushes")
	flag.Parse()

	if err := run(*addr, *etcdEndpoints, *strategy, *codecName, *a, *b, *wait); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addr, etcdEndpoints, strategy, codecName string, a, b int, wait time.Duration) error {
	if err := logger.Setup("INFO", true); err != nil {
		return err
	}
	log := logger.Named("main")
	defer logger.Get().Sync()

	ct, err := codec.Parse(codecName)
	if err != nil {
		return err
	}
	bal, err := loadbalance.New(strategy)
	if err != nil {
		return err
	}

	var reg registry.Registry = registry.NewStatic([]registry.ServiceInstance{{Addr: addr}}, "Arith")
	if etcdEndpoints != "" {
		etcd, err := registry.NewEtcdRegistry(strings.Split(etcdEndpoints, ","), 5*time.Second, logger.Named("etcd"))
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	c := client.New(reg, bal, client.WithCodec(ct))
	defer c.Close()
	c.Handle("Client.Tick", func(ctx context.Context, payload []byte) ([]byte, error) {
		var tick struct{ At time.Time }
		if err := json.Unmarshal(payload, &tick); err != nil {
			return nil, err
		}
		log.Info("tick", zap.Time("at", tick.At))
		return nil, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var reply Reply
	if err := c.Call(callCtx, "Arith.Add", &Args{A: a, B: b}, &reply); err != nil {
		return err
	}
	fmt.Printf("%d + %d = %d\n", a, b, reply.Result)

	if wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}
