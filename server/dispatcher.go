package server

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"push-rpc/logger"
	"push-rpc/message"
	"push-rpc/protocol"
	"push-rpc/status"
)

var (
	// ErrSend wraps failures to encode or write a reply. The reply is dropped, never retried.
	ErrSend = errors.New("send response")
	// ErrControlEndpoint wraps failures to build a control endpoint reply. Nothing is written.
	ErrControlEndpoint = errors.New("control endpoint")
)

// Runner executes a decoded request and writes its response.
type Runner func(p protocol.Protocol, conn protocol.Conn, req *message.Request, resp *message.Response)

// Dispatcher holds what every DecodeTask shares: the default pool, the status
// reporter and the runner that executes handlers.
type Dispatcher struct {
	defaultPool message.Executor
	reporter    fmt.Stringer
	stats       *status.Status
	run         Runner
	control     chi.Router
	logger      *zap.Logger
}

// NewDispatcher creates a Dispatcher. Methods whose pool is defaultPool run inline
// on the goroutine executing the DecodeTask. reporter renders the /status page; when
// it is a *status.Status its counters are updated as packets are handled.
func NewDispatcher(defaultPool message.Executor, reporter fmt.Stringer, run Runner) *Dispatcher {
	d := &Dispatcher{
		defaultPool: defaultPool,
		reporter:    reporter,
		run:         run,
		logger:      logger.Named("dispatch"),
	}
	if s, ok := reporter.(*status.Status); ok {
		d.stats = s
	} else {
		d.stats = status.New()
	}
	d.control = d.controlRouter()
	return d
}

// NewTask creates the single-shot task for one packet received on conn.
func (d *Dispatcher) NewTask(packet any, p protocol.Protocol, conn protocol.Conn) *DecodeTask {
	return &DecodeTask{d: d, packet: packet, protocol: p, conn: conn}
}

// DecodeTask classifies, decodes and routes a single packet. Run it exactly once.
type DecodeTask struct {
	d        *Dispatcher
	packet   any
	protocol protocol.Protocol
	conn     protocol.Conn
	done     func()
}

// OnDone registers fn to run once the packet is fully handled: after its reply is
// written, wherever the handler was placed, or after a path that writes nothing.
func (t *DecodeTask) OnDone(fn func()) *DecodeTask {
	t.done = fn
	return t
}

func (t *DecodeTask) finish() {
	if t.done != nil {
		t.done()
	}
}

// Run drives the packet through classification, decoding and placement.
// It never panics on bad input and never returns an error: failures end in an
// error reply or a log line.
func (t *DecodeTask) Run() {
	handedOff := false
	defer func() {
		if !handedOff {
			t.finish()
		}
	}()

	if t.protocol.SupportsControlEndpoints() && t.d.serveControl(t.packet, t.conn) {
		return
	}
	if t.protocol.IsAcknowledgment(t.packet) {
		t.handlePushAck()
		return
	}

	resp := t.protocol.CreateResponse()
	req, err := t.protocol.DecodeRequest(t.packet)
	if err != nil {
		t.logger().Warn("decode request failed", zap.Error(err))
		resp.SetError(err)
	}
	if req != nil && req.Err != nil {
		resp.SetError(req.Err)
	}

	if req == nil || resp.Err != nil {
		t.d.stats.Errors.Add(1)
		if err := send(t.protocol, t.conn, req, resp); err != nil {
			t.d.stats.SendFailures.Add(1)
			t.logger().Warn("send error response failed", zap.Error(err))
		}
		return
	}

	if req.Heartbeat {
		t.logger().Debug("receive heartbeat", zap.Uint32("seq", req.Seq))
	}
	handedOff = t.place(req, resp)
}

// place runs the handler inline when the request is a heartbeat or its method lives
// on the default pool, and hands it to the method's own pool otherwise. It reports
// whether the work was handed off.
func (t *DecodeTask) place(req *message.Request, resp *message.Response) bool {
	var target message.Executor
	if req.Method != nil {
		target = req.Method.Pool
	}
	if req.Heartbeat || target == nil || sameExecutor(target, t.d.defaultPool) {
		t.d.run(t.protocol, t.conn, req, resp)
		return false
	}
	target.Submit(func() {
		defer t.finish()
		t.d.run(t.protocol, t.conn, req, resp)
	})
	return true
}

// sameExecutor compares executors by identity. Executors of a non-comparable
// dynamic type are never equal to anything.
func sameExecutor(a, b message.Executor) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// handlePushAck completes the pending push an acknowledgment answers.
// Nothing is ever written back for an acknowledgment.
func (t *DecodeTask) handlePushAck() {
	resp, err := t.protocol.DecodePushAck(t.packet, t.conn)
	if err != nil {
		t.logger().Warn("decode push ack failed", zap.Error(err))
		return
	}
	if resp.Future == nil {
		// The pusher may have timed out and removed its handle already.
		t.d.stats.CorrelationMisses.Add(1)
		t.logger().Warn("no pending push for acknowledgment",
			zap.Uint32("seq", resp.Seq),
			zap.String("method", resp.ServiceMethod))
		return
	}
	t.d.stats.Acks.Add(1)
	if !resp.Future.Complete(resp) {
		t.logger().Debug("push already completed", zap.Uint32("seq", resp.Seq))
	}
}

func (t *DecodeTask) logger() *zap.Logger {
	l := t.d.logger.With(zap.String("protocol", t.protocol.Name()))
	if t.conn != nil {
		l = l.With(zap.String("conn", t.conn.ID()))
	}
	return l
}

// send encodes resp, writes it to conn and reports the outcome to the protocol.
func send(p protocol.Protocol, conn protocol.Conn, req *message.Request, resp *message.Response) error {
	data, err := p.EncodeResponse(req, resp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	_, err = conn.Write(data)
	p.AfterSend(req, resp, protocol.SendResult{Conn: conn, Err: err})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}
