package protocol

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"push-rpc/codec"
	"push-rpc/future"
	"push-rpc/logger"
	"push-rpc/message"
)

// Push is the framed protocol with server push. Client requests and heartbeats decode
// exactly as in Standard; frames typed MsgTypePushAck acknowledge an earlier push
// and are correlated through the future registry.
type Push struct {
	*Standard
	futures *future.Registry
}

// NewPush creates the push protocol. Acknowledgments complete futures held in futures.
func NewPush(methods MethodResolver, ct codec.CodecType, futures *future.Registry) *Push {
	std := NewStandard(methods, ct)
	std.name = "push"
	std.logger = logger.Named("protocol.push")
	return &Push{Standard: std, futures: futures}
}

// Futures returns the registry pushes are correlated through.
func (p *Push) Futures() *future.Registry {
	return p.futures
}

func (p *Push) IsAcknowledgment(packet any) bool {
	f, ok := packet.(*Frame)
	return ok && f != nil && f.MsgType == MsgTypePushAck
}

// DecodePushAck decodes an acknowledgment. Response.Future is set only when a push
// is still pending under the acknowledged Seq; taking it removes it from the registry.
func (p *Push) DecodePushAck(packet any, conn Conn) (*message.Response, error) {
	f, err := p.frame(packet)
	if err != nil {
		return nil, err
	}
	if f.MsgType != MsgTypePushAck {
		return nil, p.decodeError(f.Seq, fmt.Errorf("%w: message type %s", ErrUnsupported, f.MsgType))
	}

	msg, err := decodeEnvelope(f)
	if err != nil {
		return nil, p.decodeError(f.Seq, err)
	}

	resp := &message.Response{
		Seq:           f.Seq,
		ServiceMethod: msg.ServiceMethod,
		Payload:       msg.Payload,
		Codec:         f.CodecType,
	}
	if msg.Error != "" {
		resp.SetError(errors.New(msg.Error))
	}
	if fut := p.futures.Take(f.Seq); fut != nil {
		resp.Future = fut
	}

	p.logger.Debug("push acknowledged",
		zap.Uint32("seq", f.Seq),
		zap.String("conn", ConnID(conn)),
		zap.Bool("pending", resp.Future != nil))
	return resp, nil
}

// EncodePush builds a push request frame for serviceMethod carrying payload.
func (p *Push) EncodePush(seq uint32, serviceMethod string, payload []byte) ([]byte, error) {
	msg := &message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload}
	body, err := codec.GetCodec(p.codec).Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("%s: encode push seq %d: %w", p.Name(), seq, err)
	}
	h := Header{CodecType: byte(p.codec), MsgType: MsgTypePushRequest, Seq: seq}
	return Marshal(&h, body), nil
}
