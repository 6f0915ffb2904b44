// Package transport implements the client side of a framed connection: call
// multiplexing, heartbeats and answering server pushes.
//
// ClientTransport enables multiple concurrent RPC calls over a single TCP connection.
// Each request gets a unique sequence ID, and a background goroutine (recvLoop)
// continuously reads frames and routes responses to the correct caller through the
// pending future registry.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2].Complete → goroutine-2 wakes up
//	           ←── push(seq=9)     → handler → ack(seq=9) ──→ Server
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"push-rpc/codec"
	"push-rpc/future"
	"push-rpc/logger"
	"push-rpc/message"
	"push-rpc/protocol"
)

// ErrClosed is returned for calls on a closed transport.
var ErrClosed = errors.New("transport: closed")

// ErrNoHandler is sent back when a push names a method with no registered handler.
var ErrNoHandler = errors.New("no push handler")

// PushHandler answers a server push. The returned bytes travel back in the acknowledgment.
type PushHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = interval }
}

// WithLogger replaces the transport logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *ClientTransport) { t.logger = l }
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn      net.Conn
	codec     codec.CodecType
	pending   *future.Registry // seq → caller waiting for the response
	handlers  sync.Map         // serviceMethod → PushHandler
	sending   sync.Mutex       // multiple goroutines share one conn, frames must not interleave
	heartbeat time.Duration

	closeOnce sync.Once
	done      chan struct{}
	err       error
	logger    *zap.Logger
}

// NewClientTransport creates a transport for the given connection and starts two background goroutines:
//   - recvLoop: reads frames, completes pending calls and answers pushes
//   - heartbeatLoop: sends periodic heartbeat frames to detect dead connections
func NewClientTransport(conn net.Conn, ct codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     ct,
		pending:   future.NewRegistry(),
		heartbeat: 30 * time.Second,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logger.Named("transport")
	}
	t.logger = t.logger.With(zap.Stringer("remote", conn.RemoteAddr()))

	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Handle registers the handler answering pushes for serviceMethod.
func (t *ClientTransport) Handle(serviceMethod string, h PushHandler) {
	t.handlers.Store(serviceMethod, h)
}

// Send encodes args and writes a request frame. The returned future completes
// with the response, or with an error response when the connection breaks.
func (t *ClientTransport) Send(serviceMethod string, args any) (*future.Future, error) {
	select {
	case <-t.done:
		return nil, ErrClosed
	default:
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	if err != nil {
		return nil, err
	}

	// Register BEFORE sending, a fast response must find its future.
	fut := t.pending.Register()
	h := protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeRequest, Seq: fut.ID()}
	if err := t.write(&h, body); err != nil {
		t.pending.Remove(fut.ID())
		return nil, err
	}
	return fut, nil
}

// Call sends a request and waits for its response, decoding the JSON reply into reply.
func (t *ClientTransport) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	fut, err := t.Send(serviceMethod, args)
	if err != nil {
		return err
	}
	resp, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return fmt.Errorf("server error: %w", resp.Err)
	}
	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Payload, reply)
}

// Pending returns the number of calls waiting for a response.
func (t *ClientTransport) Pending() int {
	return t.pending.Len()
}

// Done is closed once the transport has stopped.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that stopped the transport.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close closes the connection and fails every pending call.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrClosed)
	return nil
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.done)
		t.conn.Close()
		if n := t.pending.FailAll(err); n > 0 {
			t.logger.Debug("failed pending calls", zap.Int("count", n), zap.Error(err))
		}
	})
}

func (t *ClientTransport) write(h *protocol.Header, body []byte) error {
	data := protocol.Marshal(h, body)
	t.sending.Lock()
	defer t.sending.Unlock()
	_, err := t.conn.Write(data)
	return err
}

// recvLoop runs in a dedicated goroutine. TCP is a byte stream, so frames are read
// sequentially by this one reader; responses can still arrive in any order.
func (t *ClientTransport) recvLoop() {
	for {
		f, err := protocol.ReadFrame(t.conn)
		if err != nil {
			// Connection broken, notify all pending callers
			t.shutdown(err)
			return
		}

		switch f.MsgType {
		case protocol.MsgTypeHeartbeat:
			// echo of our own heartbeat
		case protocol.MsgTypeResponse:
			t.complete(f)
		case protocol.MsgTypePushRequest:
			go t.answerPush(f)
		default:
			t.logger.Warn("unexpected frame", zap.Stringer("frame", f))
		}
	}
}

func (t *ClientTransport) complete(f *protocol.Frame) {
	resp := &message.Response{Seq: f.Seq, Codec: f.CodecType}
	var msg message.RPCMessage
	if err := codec.GetCodec(codec.CodecType(f.CodecType)).Decode(f.Body, &msg); err != nil {
		resp.SetError(fmt.Errorf("decode response: %w", err))
	} else {
		resp.ServiceMethod = msg.ServiceMethod
		resp.Payload = msg.Payload
		if msg.Error != "" {
			resp.SetError(errors.New(msg.Error))
		}
	}
	if !t.pending.Complete(f.Seq, resp) {
		t.logger.Debug("response without pending call", zap.Uint32("seq", f.Seq))
	}
}

// answerPush runs the registered handler and acknowledges the push under the same seq.
// A push that cannot be decoded is still acknowledged, with an error.
func (t *ClientTransport) answerPush(f *protocol.Frame) {
	cdc := codec.GetCodec(codec.CodecType(f.CodecType))
	var msg message.RPCMessage
	ack := &message.RPCMessage{}
	if err := cdc.Decode(f.Body, &msg); err != nil {
		t.logger.Warn("decode push failed", zap.Uint32("seq", f.Seq), zap.Error(err))
		ack.Error = fmt.Sprintf("decode push: %v", err)
	} else if v, ok := t.handlers.Load(msg.ServiceMethod); !ok {
		ack.ServiceMethod = msg.ServiceMethod
		ack.Error = fmt.Sprintf("%v: %s", ErrNoHandler, msg.ServiceMethod)
	} else {
		ack.ServiceMethod = msg.ServiceMethod
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-t.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		reply, err := v.(PushHandler)(ctx, msg.Payload)
		cancel()
		if err != nil {
			ack.Error = err.Error()
		} else {
			ack.Payload = reply
		}
	}

	body, err := cdc.Encode(ack)
	if err != nil {
		t.logger.Warn("encode push ack failed", zap.Uint32("seq", f.Seq), zap.Error(err))
		return
	}
	h := protocol.Header{CodecType: byte(cdc.Type()), MsgType: protocol.MsgTypePushAck, Seq: f.Seq}
	if err := t.write(&h, body); err != nil {
		t.logger.Warn("send push ack failed", zap.Uint32("seq", f.Seq), zap.Error(err))
	}
}

// heartbeatLoop sends periodic heartbeat frames to keep the connection alive.
// Heartbeat frames have MsgType=Heartbeat and no body; the server echoes them.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if err := t.write(&protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeHeartbeat}, nil); err != nil {
			return // Connection broken, exit heartbeat loop
		}
	}
}
