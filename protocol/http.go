package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"push-rpc/codec"
	"push-rpc/logger"
	"push-rpc/message"
)

// MaxHTTPBody bounds the body of an HTTP RPC call.
const MaxHTTPBody = 4 << 20

// HTTP serves RPC calls as POST /Service/Method with the JSON args as body.
// Its packets are *http.Request values; it also exposes the control endpoints.
type HTTP struct {
	methods MethodResolver
	logger  *zap.Logger
}

// NewHTTP creates the HTTP protocol.
func NewHTTP(methods MethodResolver) *HTTP {
	return &HTTP{
		methods: methods,
		logger:  logger.Named("protocol.http"),
	}
}

func (p *HTTP) Name() string { return "http" }

func (p *HTTP) SupportsControlEndpoints() bool { return true }

func (p *HTTP) IsAcknowledgment(packet any) bool { return false }

func (p *HTTP) CreateResponse() *message.Response {
	return &message.Response{Codec: byte(codec.CodecTypeJSON)}
}

func (p *HTTP) DecodeRequest(packet any) (*message.Request, error) {
	r, ok := packet.(*http.Request)
	if !ok || r == nil {
		return nil, &DecodeError{Protocol: p.Name(), Err: fmt.Errorf("unexpected packet %T", packet)}
	}

	req := &message.Request{
		Codec:     byte(codec.CodecTypeJSON),
		KeepAlive: !r.Close,
	}
	if r.Method != http.MethodPost {
		req.Err = &DecodeError{Protocol: p.Name(), Err: fmt.Errorf("%w: method %s", ErrUnsupported, r.Method)}
		return req, nil
	}

	serviceMethod, err := serviceMethodFromPath(r.URL.Path)
	if err != nil {
		req.Err = &DecodeError{Protocol: p.Name(), Err: err}
		return req, nil
	}
	req.ServiceMethod = serviceMethod

	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxHTTPBody+1))
		if err != nil {
			req.Err = &DecodeError{Protocol: p.Name(), Err: fmt.Errorf("read body: %w", err)}
			return req, nil
		}
		if len(body) > MaxHTTPBody {
			req.Err = &DecodeError{Protocol: p.Name(), Err: errors.New("body too large")}
			return req, nil
		}
		req.Payload = body
	}

	method, err := p.methods.Lookup(serviceMethod)
	if err != nil {
		req.Err = err
		return req, nil
	}
	req.Method = method
	return req, nil
}

func (p *HTTP) DecodePushAck(packet any, conn Conn) (*message.Response, error) {
	return nil, &DecodeError{Protocol: p.Name(), Err: ErrUnsupported}
}

// EncodeResponse writes a full HTTP/1.1 response: 200 with the JSON reply, or the error
// text with a status derived from the error.
func (p *HTTP) EncodeResponse(req *message.Request, resp *message.Response) ([]byte, error) {
	keepAlive := req != nil && req.KeepAlive

	status := http.StatusOK
	contentType := "application/json"
	body := resp.Payload
	if resp.Err != nil {
		status = statusFor(resp.Err)
		contentType = "text/plain; charset=utf-8"
		body = []byte(resp.Err.Error() + "\n")
	}

	header := make(http.Header)
	header.Set("Content-Type", contentType)
	return WriteHTTPResponse(status, header, body, keepAlive)
}

// AfterSend closes the connection when the client did not ask for keep-alive.
func (p *HTTP) AfterSend(req *message.Request, resp *message.Response, result SendResult) {
	if result.Err != nil {
		p.logger.Debug("response not delivered", zap.Error(result.Err))
	}
	if req != nil && req.KeepAlive && result.Err == nil {
		return
	}
	if result.Conn == nil {
		return
	}
	if err := result.Conn.Close(); err != nil {
		p.logger.Debug("close connection", zap.String("conn", result.Conn.ID()), zap.Error(err))
	}
}

// WriteHTTPResponse serializes an HTTP/1.1 response with an exact Content-Length.
// Connection is "keep-alive" when keepAlive is set and "close" otherwise.
func WriteHTTPResponse(status int, header http.Header, body []byte, keepAlive bool) ([]byte, error) {
	if header == nil {
		header = make(http.Header)
	}
	if keepAlive {
		header.Set("Connection", "keep-alive")
	}

	hr := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(body)),
		Close:         !keepAlive,
	}
	if len(body) > 0 {
		hr.Body = io.NopCloser(bytes.NewReader(body))
	}

	var buf bytes.Buffer
	if err := hr.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// serviceMethodFromPath maps "/Arith/Add" to "Arith.Add".
func serviceMethodFromPath(path string) (string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid path %q, expect /Service/Method", path)
	}
	return parts[0] + "." + parts[1], nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnsupported):
		return http.StatusMethodNotAllowed
	case IsDecodeError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
