package protocol

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"push-rpc/codec"
	"push-rpc/logger"
	"push-rpc/message"
)

// Standard is the framed request/response protocol.
type Standard struct {
	name    string
	methods MethodResolver
	codec   codec.CodecType // used for replies that have no decoded request to copy from
	logger  *zap.Logger
}

// NewStandard creates the framed protocol. Methods are resolved through methods.
func NewStandard(methods MethodResolver, ct codec.CodecType) *Standard {
	return &Standard{
		name:    "standard",
		methods: methods,
		codec:   ct,
		logger:  logger.Named("protocol.standard"),
	}
}

func (p *Standard) Name() string { return p.name }

func (p *Standard) SupportsControlEndpoints() bool { return false }

func (p *Standard) IsAcknowledgment(packet any) bool { return false }

func (p *Standard) CreateResponse() *message.Response {
	return &message.Response{Codec: byte(p.codec)}
}

func (p *Standard) DecodeRequest(packet any) (*message.Request, error) {
	f, err := p.frame(packet)
	if err != nil {
		return nil, err
	}

	req := &message.Request{Seq: f.Seq, Codec: f.CodecType}
	if ct := codec.CodecType(f.CodecType); !ct.Valid() {
		req.Codec = byte(p.codec)
		req.Err = p.decodeError(f.Seq, fmt.Errorf("%w: codec %s", ErrUnsupported, ct))
		return req, nil
	}
	switch f.MsgType {
	case MsgTypeHeartbeat:
		req.Heartbeat = true
		return req, nil
	case MsgTypeRequest:
	default:
		req.Err = p.decodeError(f.Seq, fmt.Errorf("%w: message type %s", ErrUnsupported, f.MsgType))
		return req, nil
	}

	var msg message.RPCMessage
	if err := codec.GetCodec(codec.CodecType(f.CodecType)).Decode(f.Body, &msg); err != nil {
		req.Err = p.decodeError(f.Seq, err)
		return req, nil
	}
	req.ServiceMethod = msg.ServiceMethod
	req.Payload = msg.Payload

	method, err := p.methods.Lookup(msg.ServiceMethod)
	if err != nil {
		req.Err = err
		return req, nil
	}
	req.Method = method
	return req, nil
}

func (p *Standard) DecodePushAck(packet any, conn Conn) (*message.Response, error) {
	return nil, p.decodeError(0, ErrUnsupported)
}

// EncodeResponse answers a heartbeat with a heartbeat and everything else with a
// response frame carrying the request's Seq.
func (p *Standard) EncodeResponse(req *message.Request, resp *message.Response) ([]byte, error) {
	h := Header{
		CodecType: resp.Codec,
		MsgType:   MsgTypeResponse,
		Seq:       resp.Seq,
	}
	if req != nil {
		h.CodecType = req.Codec
		h.Seq = req.Seq
		if req.Heartbeat {
			h.MsgType = MsgTypeHeartbeat
			return Marshal(&h, nil), nil
		}
	}

	body, err := codec.GetCodec(codec.CodecType(h.CodecType)).Encode(resp.Envelope())
	if err != nil {
		return nil, fmt.Errorf("%s: encode seq %d: %w", p.Name(), h.Seq, err)
	}
	return Marshal(&h, body), nil
}

func (p *Standard) AfterSend(req *message.Request, resp *message.Response, result SendResult) {
	if result.Err != nil {
		p.logger.Debug("response not delivered", zap.Uint32("seq", resp.Seq), zap.Error(result.Err))
	}
}

func (p *Standard) frame(packet any) (*Frame, error) {
	f, ok := packet.(*Frame)
	if !ok || f == nil {
		return nil, p.decodeError(0, fmt.Errorf("unexpected packet %T", packet))
	}
	return f, nil
}

func (p *Standard) decodeError(seq uint32, err error) *DecodeError {
	return &DecodeError{Protocol: p.Name(), Seq: seq, Err: err}
}

// decodeEnvelope decodes a frame body that must carry an RPCMessage.
func decodeEnvelope(f *Frame) (*message.RPCMessage, error) {
	if ct := codec.CodecType(f.CodecType); !ct.Valid() {
		return nil, fmt.Errorf("%w: codec %s", ErrUnsupported, ct)
	}
	var msg message.RPCMessage
	if err := codec.GetCodec(codec.CodecType(f.CodecType)).Decode(f.Body, &msg); err != nil {
		return nil, err
	}
	if msg.ServiceMethod == "" && msg.Error == "" && len(msg.Payload) == 0 {
		return nil, errors.New("empty envelope")
	}
	return &msg, nil
}
