package server

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"push-rpc/message"
	"push-rpc/protocol"
)

type fixedReport string

func (r fixedReport) String() string { return string(r) }

type panicReport struct{}

func (panicReport) String() string { panic("status unavailable") }

func httpPacket(t *testing.T, raw string) *http.Request {
	t.Helper()
	r, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	return r
}

func readHTTPReply(t *testing.T, data []byte, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestFaviconKeepAlive(t *testing.T) {
	runner := &runRecorder{}
	d := NewDispatcher(nil, fixedReport("ok"), runner.run)
	conn := &recordConn{}
	r := httpPacket(t, "GET /favicon.ico HTTP/1.1\r\nHost: localhost\r\nConnection: keep-alive\r\n\r\n")

	d.NewTask(r, protocol.NewHTTP(newServiceMap()), conn).Run()

	resp, body := readHTTPReply(t, conn.written(), r)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, resp.ContentLength)
	assert.Empty(t, body)
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
	assert.False(t, resp.Close)
	assert.Equal(t, 0, conn.closeCount(), "connection stays open")
	assert.Equal(t, 0, runner.count())
}

func TestStatusPage(t *testing.T) {
	for _, path := range []string{"/status", "/"} {
		t.Run(path, func(t *testing.T) {
			d := NewDispatcher(nil, fixedReport("OK 3 connections"), (&runRecorder{}).run)
			conn := &recordConn{}
			r := httpPacket(t, "GET "+path+" HTTP/1.1\r\nHost: localhost\r\n\r\n")

			d.NewTask(r, protocol.NewHTTP(newServiceMap()), conn).Run()

			resp, body := readHTTPReply(t, conn.written(), r)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
			assert.EqualValues(t, 16, resp.ContentLength)
			assert.Equal(t, "OK 3 connections", body)
			assert.Equal(t, 0, conn.closeCount())
		})
	}
}

func TestControlClosesWithoutKeepAlive(t *testing.T) {
	d := NewDispatcher(nil, fixedReport("up"), (&runRecorder{}).run)
	conn := &recordConn{}
	r := httpPacket(t, "GET /status HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n")

	d.NewTask(r, protocol.NewHTTP(newServiceMap()), conn).Run()

	resp, body := readHTTPReply(t, conn.written(), r)
	assert.True(t, resp.Close)
	assert.Equal(t, "up", body)
	assert.Equal(t, 1, conn.closeCount())
}

func TestControlFailureWritesNothing(t *testing.T) {
	d := NewDispatcher(nil, panicReport{}, (&runRecorder{}).run)
	logs := observe(t, d)
	conn := &recordConn{}
	r := httpPacket(t, "GET /status HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n")

	require.NotPanics(t, func() {
		d.NewTask(r, protocol.NewHTTP(newServiceMap()), conn).Run()
	})

	assert.Equal(t, 0, conn.writeCount())
	assert.Equal(t, 0, conn.closeCount(), "connection is left as-is")
	entries := logs.FilterMessage("send status info response failed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], ErrControlEndpoint.Error())
}

func TestControlPathsNeedHTTP(t *testing.T) {
	runner := &runRecorder{}
	d := NewDispatcher(nil, fixedReport("ok"), runner.run)
	r := httpPacket(t, "GET /status HTTP/1.1\r\nHost: localhost\r\n\r\n")

	// a protocol without control endpoints never answers them
	p := &stubProtocol{decode: func(any) (*message.Request, error) {
		return &message.Request{Payload: []byte("x")}, nil
	}}
	conn := &recordConn{}
	d.NewTask(r, p, conn).Run()

	assert.Equal(t, 1, runner.count())
	assert.Equal(t, "ok:x", string(conn.written()))
}

func TestHTTPCallDispatch(t *testing.T) {
	runner := &runRecorder{}
	d := NewDispatcher(nil, fixedReport("ok"), runner.run)
	conn := &recordConn{}
	body := `{"A":1,"B":2}`
	r := httpPacket(t, "POST /Arith/Add HTTP/1.1\r\nHost: localhost\r\nContent-Length: 13\r\n\r\n"+body)

	d.NewTask(r, protocol.NewHTTP(arithServices(t, nil)), conn).Run()

	require.Equal(t, 1, runner.count())
	assert.Equal(t, "Arith.Add", runner.reqs[0].ServiceMethod)
	resp, got := readHTTPReply(t, conn.written(), r)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, body, got)
}

func TestHTTPNonControlGet(t *testing.T) {
	runner := &runRecorder{}
	d := NewDispatcher(nil, fixedReport("ok"), runner.run)
	conn := &recordConn{}
	r := httpPacket(t, "GET /Arith/Add HTTP/1.1\r\nHost: localhost\r\n\r\n")

	d.NewTask(r, protocol.NewHTTP(arithServices(t, nil)), conn).Run()

	assert.Equal(t, 0, runner.count())
	resp, _ := readHTTPReply(t, conn.written(), r)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
