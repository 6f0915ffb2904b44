// Package protocol defines the wire protocols the server speaks and the capability
// interface the dispatcher drives them through.
//
// Three variants are provided:
//   - Standard: the binary frame below carrying a codec-encoded RPCMessage.
//   - Push:     Standard plus server → client push requests and their acknowledgments.
//   - HTTP:     plain HTTP/1.1 requests; POST /Service/Method calls plus control endpoints.
//
// Frame format (Standard and Push):
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mrp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"io"
	"net"

	"push-rpc/message"
)

// Conn is the connection handle a packet arrived on.
// Writes from concurrent goroutines must not interleave.
type Conn interface {
	io.Writer
	ID() string
	RemoteAddr() net.Addr
	Close() error
}

// SendResult is the outcome of writing an encoded response.
type SendResult struct {
	Conn Conn
	Err  error
}

// MethodResolver resolves "Service.Method" names at decode time.
type MethodResolver interface {
	Lookup(serviceMethod string) (*message.MethodInfo, error)
}

// Protocol is everything the dispatcher needs from a wire protocol.
// New protocols plug in by implementing it; the dispatcher asks capabilities
// rather than inspecting concrete types.
type Protocol interface {
	Name() string

	// SupportsControlEndpoints reports whether packets may target the HTTP control paths.
	SupportsControlEndpoints() bool
	// IsAcknowledgment reports whether packet acknowledges an earlier server push.
	IsAcknowledgment(packet any) bool

	// CreateResponse returns an empty response shell. It never fails.
	CreateResponse() *message.Response
	// DecodeRequest returns a *DecodeError when nothing usable can be read from packet.
	// Recoverable problems are recorded in Request.Err and the returned error is nil.
	DecodeRequest(packet any) (*message.Request, error)
	// DecodePushAck decodes an acknowledgment and attaches its correlation handle, if any.
	DecodePushAck(packet any, conn Conn) (*message.Response, error)
	// EncodeResponse produces the reply bytes. It succeeds for error responses too.
	// req may be nil when decoding failed.
	EncodeResponse(req *message.Request, resp *message.Response) ([]byte, error)
	// AfterSend observes the write outcome.
	AfterSend(req *message.Request, resp *message.Response, result SendResult)
}

// ConnID returns c's ID, or "" for a nil connection.
func ConnID(c Conn) string {
	if c == nil {
		return ""
	}
	return c.ID()
}
