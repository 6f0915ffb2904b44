// Package client calls services found through a registry. It keeps one
// multiplexed transport per server address and answers server pushes on each.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"push-rpc/codec"
	"push-rpc/loadbalance"
	"push-rpc/logger"
	"push-rpc/registry"
	"push-rpc/transport"
)

// Option configures a Client.
type Option func(*Client)

func WithCodec(ct codec.CodecType) Option {
	return func(c *Client) { c.codec = ct }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTransportOptions are applied to every transport the client dials.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.transportOpts = append(c.transportOpts, opts...) }
}

type Client struct {
	registry      registry.Registry // find service instances
	balancer      loadbalance.Balancer
	codec         codec.CodecType
	dialTimeout   time.Duration
	transportOpts []transport.Option

	mu         sync.Mutex
	transports map[string]*transport.ClientTransport // addr → shared transport
	handlers   map[string]transport.PushHandler
	logger     *zap.Logger
}

func New(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry:    reg,
		balancer:    bal,
		codec:       codec.CodecTypeJSON,
		dialTimeout: 5 * time.Second,
		transports:  make(map[string]*transport.ClientTransport),
		handlers:    make(map[string]transport.PushHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.balancer == nil {
		c.balancer = &loadbalance.RoundRobin{}
	}
	if c.logger == nil {
		c.logger = logger.Named("client")
	}
	return c
}

// Handle answers pushes for serviceMethod on every current and future connection.
func (c *Client) Handle(serviceMethod string, h transport.PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[serviceMethod] = h
	for _, t := range c.transports {
		t.Handle(serviceMethod, h)
	}
}

// Call discovers the service, picks an instance and calls serviceMethod on it.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	service, _, ok := strings.Cut(serviceMethod, ".")
	if !ok {
		return fmt.Errorf("invalid serviceMethod format: %v", serviceMethod)
	}

	instances, err := c.registry.Discover(ctx, service)
	if err != nil {
		return err
	}
	instances = framed(instances)

	instance, err := c.balancer.Pick(serviceMethod, instances)
	if err != nil {
		return fmt.Errorf("%s: %w", service, err)
	}

	t, err := c.transport(ctx, instance.Addr)
	if err != nil {
		return err
	}
	err = t.Call(ctx, serviceMethod, args, reply)
	if err != nil && t.Err() != nil {
		c.drop(instance.Addr, t)
	}
	return err
}

// Close closes every transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, t := range c.transports {
		errs = append(errs, t.Close())
		delete(c.transports, addr)
	}
	return errors.Join(errs...)
}

func (c *Client) transport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.transports[addr]; ok && t.Err() == nil {
		return t, nil
	}

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t := transport.NewClientTransport(conn, c.codec, c.transportOpts...)
	for serviceMethod, h := range c.handlers {
		t.Handle(serviceMethod, h)
	}
	c.transports[addr] = t
	c.logger.Debug("connected", zap.String("addr", addr))
	return t, nil
}

func (c *Client) drop(addr string, t *transport.ClientTransport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transports[addr] == t {
		delete(c.transports, addr)
		c.logger.Info("transport dropped", zap.String("addr", addr), zap.Error(t.Err()))
	}
}

// framed keeps the instances reachable over the frame protocol.
func framed(instances []registry.ServiceInstance) []registry.ServiceInstance {
	out := instances[:0:0]
	for _, inst := range instances {
		if inst.Protocol != "http" {
			out = append(out, inst)
		}
	}
	return out
}
