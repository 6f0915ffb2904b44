package server

import (
	"bytes"
	"net"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"push-rpc/message"
	"push-rpc/protocol"
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

// recordConn captures everything written to it.
type recordConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writes   int
	closed   int
	writeErr error
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes++
	return c.buf.Write(p)
}

func (c *recordConn) ID() string           { return "conn-test" }
func (c *recordConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000} }

func (c *recordConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *recordConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *recordConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *recordConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// queueExecutor records submissions without running them.
type queueExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (e *queueExecutor) Submit(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
}

func (e *queueExecutor) submitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

func (e *queueExecutor) drain() {
	e.mu.Lock()
	tasks := e.tasks
	e.tasks = nil
	e.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

// countingHandle is a FutureHandle counting Complete calls.
type countingHandle struct {
	mu    sync.Mutex
	calls int
	resp  *message.Response
}

func (h *countingHandle) Complete(resp *message.Response) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.resp = resp
	return h.calls == 1
}

// stubProtocol lets each test script decoding. Unset hooks behave like an empty protocol.
type stubProtocol struct {
	control   bool
	ack       bool
	decode    func(packet any) (*message.Request, error)
	decodeAck func(packet any, conn protocol.Conn) (*message.Response, error)
	encodeErr error
}

func (p *stubProtocol) Name() string                   { return "stub" }
func (p *stubProtocol) SupportsControlEndpoints() bool { return p.control }
func (p *stubProtocol) IsAcknowledgment(any) bool      { return p.ack }
func (p *stubProtocol) CreateResponse() *message.Response {
	return &message.Response{}
}

func (p *stubProtocol) DecodeRequest(packet any) (*message.Request, error) {
	if p.decode == nil {
		return &message.Request{}, nil
	}
	return p.decode(packet)
}

func (p *stubProtocol) DecodePushAck(packet any, conn protocol.Conn) (*message.Response, error) {
	if p.decodeAck == nil {
		return nil, protocol.ErrUnsupported
	}
	return p.decodeAck(packet, conn)
}

func (p *stubProtocol) EncodeResponse(req *message.Request, resp *message.Response) ([]byte, error) {
	if p.encodeErr != nil {
		return nil, p.encodeErr
	}
	if resp.Err != nil {
		return []byte("error:" + resp.Err.Error()), nil
	}
	return append([]byte("ok:"), resp.Payload...), nil
}

func (p *stubProtocol) AfterSend(*message.Request, *message.Response, protocol.SendResult) {}

// runRecorder is a Runner that counts invocations and replies through send.
type runRecorder struct {
	mu    sync.Mutex
	calls int
	reqs  []*message.Request
}

func (r *runRecorder) run(p protocol.Protocol, conn protocol.Conn, req *message.Request, resp *message.Response) {
	r.mu.Lock()
	r.calls++
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()

	resp.Seq = req.Seq
	resp.ServiceMethod = req.ServiceMethod
	resp.Codec = req.Codec
	resp.Payload = req.Payload
	send(p, conn, req, resp)
}

func (r *runRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// observe swaps the dispatcher logger for an observer capturing Debug and above.
func observe(t *testing.T, d *Dispatcher) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	d.logger = zap.New(core)
	return logs
}
