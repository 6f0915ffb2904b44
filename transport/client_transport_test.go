package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"push-rpc/codec"
	"push-rpc/message"
	"push-rpc/protocol"
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

type Greeting struct {
	Name string
}

func startServer(t *testing.T, opts ...server.Option) *server.Server {
	t.Helper()
	svr := server.NewServer(opts...)
	require.NoError(t, svr.Register(&Arith{}))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l, "", nil)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func dial(t *testing.T, svr *server.Server, ct codec.CodecType, opts ...Option) *ClientTransport {
	t.Helper()
	require.Eventually(t, func() bool { return svr.Addr() != nil }, time.Second, 5*time.Millisecond)
	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	ct2 := NewClientTransport(conn, ct, opts...)
	t.Cleanup(func() { ct2.Close() })
	return ct2
}

// 测试单连接上串行发送多个请求
func TestClientTransportSerial(t *testing.T) {
	svr := startServer(t)
	ct := dial(t, svr, codec.CodecTypeJSON)

	cases := []struct {
		a, b, expect int
	}{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}
	for _, tc := range cases {
		var reply Reply
		require.NoError(t, ct.Call(context.Background(), "Arith.Add", &Args{A: tc.a, B: tc.b}, &reply))
		assert.Equal(t, tc.expect, reply.Result)
	}
	assert.Equal(t, 0, ct.Pending())
}

// 测试单连接上并发发送多个请求（多路复用核心测试）
func TestClientTransportConcurrent(t *testing.T) {
	svr := startServer(t)
	ct := dial(t, svr, codec.CodecTypeJSON)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var reply Reply
			if err := ct.Call(context.Background(), "Arith.Add", &Args{A: n, B: n}, &reply); err != nil {
				t.Errorf("call failed: %v", err)
				return
			}
			if reply.Result != n*2 {
				t.Errorf("expect %d, got %d", n*2, reply.Result)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientTransportBinaryCodec(t *testing.T) {
	svr := startServer(t)
	ct := dial(t, svr, codec.CodecTypeBinary)

	var reply Reply
	require.NoError(t, ct.Call(context.Background(), "Arith.Add", &Args{A: 5, B: 7}, &reply))
	assert.Equal(t, 12, reply.Result)
}

func TestClientTransportUnknownMethod(t *testing.T) {
	svr := startServer(t)
	ct := dial(t, svr, codec.CodecTypeJSON)

	err := ct.Call(context.Background(), "Arith.Mul", &Args{A: 2, B: 3}, &Reply{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")

	// the connection survives an error reply
	var reply Reply
	require.NoError(t, ct.Call(context.Background(), "Arith.Add", &Args{A: 2, B: 3}, &reply))
	assert.Equal(t, 5, reply.Result)
}

func TestClientTransportHeartbeat(t *testing.T) {
	svr := startServer(t)
	ct := dial(t, svr, codec.CodecTypeJSON, WithHeartbeat(10*time.Millisecond))

	require.Eventually(t, func() bool {
		return svr.Status().Heartbeats.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	var reply Reply
	require.NoError(t, ct.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 1}, &reply))
	assert.Equal(t, 2, reply.Result)
}

func TestClientTransportClose(t *testing.T) {
	svr := startServer(t)
	ct := dial(t, svr, codec.CodecTypeJSON)

	require.NoError(t, ct.Close())
	<-ct.Done()
	assert.ErrorIs(t, ct.Err(), ErrClosed)

	_, err := ct.Send("Arith.Add", &Args{A: 1, B: 2})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPushRoundTrip(t *testing.T) {
	svr := startServer(t, server.WithPush())
	ct := dial(t, svr, codec.CodecTypeJSON)

	ct.Handle("Client.Greet", func(ctx context.Context, payload []byte) ([]byte, error) {
		var g Greeting
		if err := json.Unmarshal(payload, &g); err != nil {
			return nil, err
		}
		return json.Marshal(Greeting{Name: "hello " + g.Name})
	})

	// the server learns the connection is framed once the first frame arrives
	require.NoError(t, ct.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, &Reply{}))
	clients := svr.Clients()
	require.Len(t, clients, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply Greeting
	require.NoError(t, svr.Push(ctx, clients[0], "Client.Greet", Greeting{Name: "bob"}, &reply))
	assert.Equal(t, "hello bob", reply.Name)
	assert.EqualValues(t, 1, svr.Status().Pushes.Load())
	assert.EqualValues(t, 1, svr.Status().Acks.Load())
}

func TestPushHandlerError(t *testing.T) {
	svr := startServer(t, server.WithPush())
	ct := dial(t, svr, codec.CodecTypeJSON)
	ct.Handle("Client.Fail", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("refused")
	})
	require.NoError(t, ct.Call(context.Background(), "Arith.Add", &Args{}, &Reply{}))
	id := svr.Clients()[0]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := svr.Push(ctx, id, "Client.Fail", Greeting{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")

	err = svr.Push(ctx, id, "Client.Missing", Greeting{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrNoHandler.Error())
}

func TestPushTimeout(t *testing.T) {
	svr := startServer(t, server.WithPush())
	ct := dial(t, svr, codec.CodecTypeJSON)

	release := make(chan struct{})
	ct.Handle("Client.Slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, ct.Call(context.Background(), "Arith.Add", &Args{}, &Reply{}))
	id := svr.Clients()[0]

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := svr.Push(ctx, id, "Client.Slow", Greeting{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the late acknowledgment finds nothing pending
	close(release)
	require.Eventually(t, func() bool {
		return svr.Status().CorrelationMisses.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUndecodablePushIsAcknowledged(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	ct := NewClientTransport(local, codec.CodecTypeJSON)
	defer ct.Close()

	h := protocol.Header{CodecType: byte(codec.CodecTypeJSON), MsgType: protocol.MsgTypePushRequest, Seq: 41}
	require.NoError(t, protocol.Encode(remote, &h, []byte("{broken")))

	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := protocol.ReadFrame(remote)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypePushAck, ack.MsgType)
	assert.EqualValues(t, 41, ack.Seq)

	var msg message.RPCMessage
	require.NoError(t, codec.GetCodec(codec.CodecTypeJSON).Decode(ack.Body, &msg))
	assert.Contains(t, msg.Error, "decode push")
}
