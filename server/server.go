// Package server implements the RPC server: service registration, the connection
// read loops, the decode-and-dispatch engine, server push and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads packets: frames or HTTP requests)
//	  → for each packet: default pool runs DecodeTask
//	    → control endpoint | push ack | decode → inline or method pool
//	      → Middleware Chain → businessHandler (reflect.Call) → encode → write response
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"push-rpc/codec"
	"push-rpc/future"
	"push-rpc/logger"
	"push-rpc/message"
	"push-rpc/middleware"
	"push-rpc/pool"
	"push-rpc/protocol"
	"push-rpc/registry"
	"push-rpc/status"
)

var (
	ErrPushDisabled  = errors.New("server push is not enabled")
	ErrUnknownClient = errors.New("unknown client")
	ErrHandlerPanic  = errors.New("handler panicked")

	// errReplyCloses ends a read loop whose peer asked to close after its last reply.
	errReplyCloses = errors.New("connection closes after reply")
)

// Option configures a Server.
type Option func(*Server)

// WithCodec sets the codec used for replies that carry no request codec, and for pushes.
func WithCodec(ct codec.CodecType) Option {
	return func(s *Server) { s.codec = ct }
}

// WithPush enables the push protocol on framed connections.
func WithPush() Option {
	return func(s *Server) { s.push = true }
}

// WithWorkers sizes the default pool.
func WithWorkers(workers, queueSize int) Option {
	return func(s *Server) {
		s.workers = workers
		s.queueSize = queueSize
	}
}

// WithLogger replaces the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistryTTL sets the lease TTL, in seconds, used when registering with a registry.
func WithRegistryTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	services      *serviceMap
	mu            sync.Mutex
	listener      net.Listener
	shutdown      atomic.Bool             // Set to true during shutdown to suppress Accept errors
	middlewares   []middleware.Middleware // Registered middlewares (applied in order)
	handler       middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))
	registry      registry.Registry       // Service registry (etcd), nil if not using discovery
	advertiseAddr string                  // Address registered in etcd (e.g., "127.0.0.1:8080")
	ttl           int64

	codec     codec.CodecType
	push      bool
	workers   int
	queueSize int

	pool       *pool.Pool   // default execution context
	pools      []*pool.Pool // dedicated pools created through NewPool
	futures    *future.Registry
	framed     protocol.Protocol // Standard or Push
	pusher     *protocol.Push    // nil unless push is enabled
	http       *protocol.HTTP
	dispatcher *Dispatcher
	status     *status.Status
	conns      sync.Map // conn ID → *serverConn
	logger     *zap.Logger
}

// NewServer creates a server with an empty service map and starts its default pool.
func NewServer(opts ...Option) *Server {
	s := &Server{
		services:  newServiceMap(),
		codec:     codec.CodecTypeJSON,
		workers:   16,
		queueSize: 1024,
		ttl:       10,
		futures:   future.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("server")
	}

	s.pool = pool.New("default", s.workers, s.queueSize)
	s.status = status.New(s.pool)
	if s.push {
		s.pusher = protocol.NewPush(s.services, s.codec, s.futures)
		s.framed = s.pusher
	} else {
		s.framed = protocol.NewStandard(s.services, s.codec)
	}
	s.http = protocol.NewHTTP(s.services)
	s.handler = s.businessHandler
	s.dispatcher = NewDispatcher(s.pool, s.status, s.runTask)
	return s
}

// Register registers a service receiver (e.g., &Arith{}) whose methods run on the default pool.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterWithPool(rcvr, nil)
}

// RegisterWithPool registers a service whose methods run on p instead of the default pool.
func (svr *Server) RegisterWithPool(rcvr any, p message.Executor) error {
	svc, err := NewService(rcvr, p)
	if err != nil {
		return err
	}
	return svr.services.add(svc)
}

// NewPool creates a dedicated pool owned by the server and closed on Shutdown.
func (svr *Server) NewPool(name string, workers, queueSize int) *pool.Pool {
	p := pool.New(name, workers, queueSize)
	svr.mu.Lock()
	svr.pools = append(svr.pools, p)
	svr.mu.Unlock()
	return p
}

// DefaultPool returns the pool packets are decoded on.
func (svr *Server) DefaultPool() *pool.Pool {
	return svr.pool
}

// Status returns the server counters.
func (svr *Server) Status() *status.Status {
	return svr.status
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on the given address and serves until Shutdown.
//
// Parameters:
//   - advertiseAddr: the address to register in etcd (e.g., "127.0.0.1:8080").
//     This differs from the listen address because ":8080" resolves to "[::]:8080" locally.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener serves connections accepted from listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()

	// Build the middleware chain once at startup (not per-request)
	//   Chain(A, B, C)(handler) → A(B(C(handler)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for _, name := range svr.services.names() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := reg.Register(ctx, name, registry.ServiceInstance{
				Addr:     advertiseAddr,
				Protocol: svr.framed.Name(),
			}, svr.ttl)
			cancel()
			if err != nil {
				svr.logger.Error("register service failed", zap.String("service", name), zap.Error(err))
			}
		}
	}

	svr.logger.Info("serving", zap.Stringer("addr", listener.Addr()), zap.String("protocol", svr.framed.Name()))
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// handleConn reads packets from one connection. Reads are sequential, one goroutine
// per connection, but every packet is dispatched on the default pool so a slow
// handler never blocks the next read.
//
// The first bytes pick the protocol: the frame magic number selects the framed
// protocol, anything else is read as HTTP/1.1.
func (svr *Server) handleConn(nc net.Conn) {
	c := newServerConn(nc)
	svr.conns.Store(c.ID(), c)
	svr.status.Connections.Add(1)
	svr.status.Accepted.Add(1)
	log := svr.logger.With(zap.String("conn", c.ID()), zap.Stringer("remote", nc.RemoteAddr()))

	var err error
	defer func() {
		defer svr.status.Connections.Add(-1)
		if svr.shutdown.Load() {
			return // Shutdown closes it once in-flight replies are written
		}
		// Replies to packets already read still go out after the peer stops sending.
		c.inflight.Wait()
		svr.conns.Delete(c.ID())
		c.Close()
	}()

	br := bufio.NewReader(nc)
	prefix, err := br.Peek(3)
	if err != nil {
		return
	}

	if protocol.IsFrame(prefix) {
		c.framed.Store(true)
		err = svr.readFrames(c, br)
	} else {
		err = svr.readHTTP(c, br)
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, errReplyCloses) && !svr.shutdown.Load() {
		log.Debug("connection closed", zap.Error(err))
	}
}

func (svr *Server) readFrames(c *serverConn, br *bufio.Reader) error {
	for {
		f, err := protocol.ReadFrame(br)
		if err != nil {
			return err // Connection closed or protocol error
		}
		svr.dispatch(c, f, svr.framed)
	}
}

func (svr *Server) readHTTP(c *serverConn, br *bufio.Reader) error {
	for {
		r, err := http.ReadRequest(br)
		if err != nil {
			return err
		}
		// The body must be consumed here: the next request is read from the same
		// buffer while this one is still being decoded.
		body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxHTTPBody+1))
		r.Body.Close()
		if err != nil {
			return err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.RemoteAddr = c.RemoteAddr().String()

		svr.dispatch(c, r, svr.http)
		if r.Close {
			return errReplyCloses
		}
	}
}

// dispatch hands one packet to the default pool and tracks it until it is answered.
func (svr *Server) dispatch(c *serverConn, packet any, p protocol.Protocol) {
	c.inflight.Add(1)
	svr.pool.Submit(svr.dispatcher.NewTask(packet, p, c).OnDone(c.inflight.Done).Run)
}

// runTask is the unit of work placed by the dispatcher: run the handler chain,
// encode the reply and write it.
func (svr *Server) runTask(p protocol.Protocol, conn protocol.Conn, req *message.Request, resp *message.Response) {
	resp.Seq = req.Seq
	resp.ServiceMethod = req.ServiceMethod
	resp.Codec = req.Codec

	if req.Heartbeat {
		svr.status.Heartbeats.Add(1)
	} else {
		svr.status.Requests.Add(1)
		reply, err := svr.call(req)
		if err != nil {
			svr.status.Errors.Add(1)
			resp.SetError(err)
		} else {
			resp.Payload = reply
		}
	}

	if err := send(p, conn, req, resp); err != nil {
		svr.status.SendFailures.Add(1)
		svr.logger.Warn("send response failed",
			zap.String("conn", conn.ID()),
			zap.Uint32("seq", req.Seq),
			zap.Error(err))
	}
}

// call runs the middleware chain. A panicking handler becomes an error reply.
func (svr *Server) call(req *message.Request) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			svr.logger.Error("handler panicked",
				zap.String("method", req.ServiceMethod),
				zap.Any("panic", r),
				zap.Stack("stack"))
			reply, err = nil, fmt.Errorf("%w: %s: %v", ErrHandlerPanic, req.ServiceMethod, r)
		}
	}()
	return svr.handler(context.Background(), req)
}

// businessHandler is the end of the middleware chain: it calls the resolved method.
func (svr *Server) businessHandler(ctx context.Context, req *message.Request) ([]byte, error) {
	if req.Method == nil || req.Method.Call == nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrMethodNotFound, req.ServiceMethod)
	}
	return req.Method.Call(ctx, req.Payload)
}

// Clients returns the IDs of connected framed clients, the valid Push targets.
func (svr *Server) Clients() []string {
	var ids []string
	svr.conns.Range(func(key, value any) bool {
		if value.(*serverConn).framed.Load() {
			ids = append(ids, key.(string))
		}
		return true
	})
	return ids
}

// Push sends an unsolicited call to a connected client and waits for its
// acknowledgment. args is JSON encoded; the acknowledgment payload is decoded into
// reply when reply is non-nil. When ctx ends first the pending entry is dropped and
// a late acknowledgment is ignored.
func (svr *Server) Push(ctx context.Context, clientID, serviceMethod string, args, reply any) error {
	if svr.pusher == nil {
		return ErrPushDisabled
	}
	v, ok := svr.conns.Load(clientID)
	if !ok || !v.(*serverConn).framed.Load() {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	c := v.(*serverConn)

	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}

	fut := svr.futures.Register()
	data, err := svr.pusher.EncodePush(fut.ID(), serviceMethod, payload)
	if err != nil {
		svr.futures.Remove(fut.ID())
		return err
	}
	if _, err := c.Write(data); err != nil {
		svr.futures.Remove(fut.ID())
		return fmt.Errorf("push %s: %w", serviceMethod, err)
	}
	svr.status.Pushes.Add(1)

	resp, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return fmt.Errorf("client error: %w", resp.Err)
	}
	if reply != nil && len(resp.Payload) > 0 {
		return json.Unmarshal(resp.Payload, reply)
	}
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services from etcd (clients stop routing to this server)
//  2. Set shutdown flag and close the listener
//  3. Stop reading from connections
//  4. Drain the default pool, then the dedicated pools (with timeout)
//  5. Close all connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	// Deregister first so clients stop routing new requests here
	if svr.registry != nil {
		for _, name := range svr.services.names() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := svr.registry.Deregister(ctx, name, svr.advertiseAddr); err != nil {
				svr.logger.Warn("deregister failed", zap.String("service", name), zap.Error(err))
			}
			cancel()
		}
	}

	// Set shutdown flag BEFORE closing listener, so Serve returns nil
	svr.shutdown.Store(true)
	svr.mu.Lock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	pools := append([]*pool.Pool(nil), svr.pools...)
	svr.mu.Unlock()

	// Unblock the read loops without closing the write side in-flight replies need.
	svr.conns.Range(func(_, value any) bool {
		value.(*serverConn).SetReadDeadline(time.Now())
		return true
	})

	done := make(chan struct{})
	go func() {
		svr.pool.Close()
		for _, p := range pools {
			p.Close()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.conns.Range(func(key, value any) bool {
		value.(*serverConn).Close()
		svr.conns.Delete(key)
		return true
	})
	return err
}
