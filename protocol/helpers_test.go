package protocol

import (
	"context"
	"fmt"
	"net"

	"push-rpc/message"
)

type fakeMethods map[string]*message.MethodInfo

func (m fakeMethods) Lookup(serviceMethod string) (*message.MethodInfo, error) {
	if mi, ok := m[serviceMethod]; ok {
		return mi, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, serviceMethod)
}

func arithMethods() fakeMethods {
	return fakeMethods{
		"Arith.Add": {
			ServiceMethod: "Arith.Add",
			Call: func(ctx context.Context, payload []byte) ([]byte, error) {
				return payload, nil
			},
		},
	}
}

type fakeConn struct {
	closed int
}

func (c *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeConn) ID() string                  { return "conn-1" }
func (c *fakeConn) RemoteAddr() net.Addr        { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000} }
func (c *fakeConn) Close() error {
	c.closed++
	return nil
}
