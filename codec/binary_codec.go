package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"push-rpc/message"
)

var errShortBuffer = errors.New("BinaryCodec: short buffer")

type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.ServiceMethod) > 0xffff || len(msg.Error) > 0xffff {
		return nil, errors.New("BinaryCodec: string field too long")
	}
	// Caculate the length of message
	total := 2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	// ServiceMethod length -- 2 bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.ServiceMethod)))
	offset += 2

	// ServiceMethod -- n bytes
	offset += copy(buf[offset:], msg.ServiceMethod)

	// Payload length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4

	// Payload -- n bytes
	offset += copy(buf[offset:], msg.Payload)

	// Error length -- 2 bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Error)))
	offset += 2

	// Error -- n bytes
	copy(buf[offset:], msg.Error)
	return buf, nil
}

// Decode parses data into v. Every length prefix is checked against the remaining
// bytes, a truncated or corrupted body yields an error rather than a panic.
func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	r := reader{data: data}

	// Read ServiceMethod
	method, err := r.next(int(r.uint16()))
	if err != nil {
		return fmt.Errorf("service method: %w", err)
	}

	// Read Payload
	payload, err := r.next(int(r.uint32()))
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	// Read Error
	errText, err := r.next(int(r.uint16()))
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	if r.offset != len(data) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.offset)
	}

	msg.ServiceMethod = string(method)
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(errText)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) uint16() uint16 {
	b, err := r.next(2)
	if err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b, err := r.next(4)
	if err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) next(n int) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if n < 0 || len(r.data)-r.offset < n {
		r.err = errShortBuffer
		return nil, r.err
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}
