// Package message defines the structures exchanged between the protocol layer,
// the dispatcher and the application handlers.
//
// RPCMessage is the "envelope" serialized by the codec layer and wrapped in a protocol frame.
// Request and Response are the decoded, in-process view of a single call: a Response always
// exists before decoding starts so every failure has somewhere to be recorded.
package message

import "context"

// RPCMessage carries the data for a single RPC request or response on the wire.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args, Error is empty.
//   - On response: Payload contains the serialized reply, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string // Format: "ServiceName.MethodName", e.g., "Arith.Add"
	Error         string // Non-empty if the server-side handler returned an error
	Payload       []byte // Serialized args (request) or reply (response) as JSON bytes
}

// Executor runs units of work. Submission is fire-and-forget: saturation and failures
// are the executor's own business, but every accepted task must eventually run or
// the connection it belongs to is never released. Executors are compared by
// identity, so implementations should be pointer types; values of a non-comparable
// type never match the default pool.
type Executor interface {
	Submit(task func())
}

// FutureHandle is the caller-side placeholder of a pending call.
// Complete may be called any number of times, only the first call has an effect.
type FutureHandle interface {
	Complete(resp *Response) bool
}

// MethodInfo describes a resolved service method.
type MethodInfo struct {
	ServiceMethod string
	// Pool is the execution context the method asked for. nil means the server default.
	Pool Executor
	// Call invokes the method with the serialized args and returns the serialized reply.
	Call func(ctx context.Context, payload []byte) ([]byte, error)
}

// Request is a decoded inbound call.
type Request struct {
	Seq           uint32
	ServiceMethod string
	Payload       []byte
	Codec         byte
	Heartbeat     bool
	KeepAlive     bool
	Method        *MethodInfo
	// Err records a recoverable decode problem (bad body, unknown method).
	Err error
}

// Response is the reply to a Request, or a decoded push acknowledgment.
type Response struct {
	Seq           uint32
	ServiceMethod string
	Payload       []byte
	Codec         byte
	Err           error
	// Future is the correlation handle of a push acknowledgment, nil when nobody waits.
	Future FutureHandle
}

// SetError records err and drops any payload.
func (r *Response) SetError(err error) {
	r.Err = err
	r.Payload = nil
}

// Envelope converts the response into its wire envelope. A set Err always wins over Payload.
func (r *Response) Envelope() *RPCMessage {
	msg := &RPCMessage{ServiceMethod: r.ServiceMethod}
	if r.Err != nil {
		msg.Error = r.Err.Error()
		return msg
	}
	msg.Payload = r.Payload
	return msg
}
