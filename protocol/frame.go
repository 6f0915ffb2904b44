package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"push-rpc/codec"
)

// Magic number bytes: "mrp".
// Used to quickly identify whether the incoming data is a valid frame,
// so the server can tell framed RPC traffic from HTTP on the same port.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body.
	MaxBodyLen uint32 = 64 << 20
)

// MsgType distinguishes request, response, heartbeat and push frames.
// For the push protocol it is the discriminator between deliveries and acknowledgments.
type MsgType byte

const (
	MsgTypeRequest     MsgType = 0 // Client → Server RPC request
	MsgTypeResponse    MsgType = 1 // Server → Client RPC response
	MsgTypeHeartbeat   MsgType = 2 // KeepAlive probe (no body)
	MsgTypePushRequest MsgType = 3 // Server → Client unsolicited push
	MsgTypePushAck     MsgType = 4 // Client → Server acknowledgment of a push, same Seq
)

func (t MsgType) valid() bool {
	return t <= MsgTypePushAck
}

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypePushRequest:
		return "push-request"
	case MsgTypePushAck:
		return "push-ack"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Header represents the fixed 14-byte frame header.
// It carries metadata needed to decode the following body correctly.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, Heartbeat, PushRequest or PushAck
	Seq       uint32  // Sequence ID: matches a response or ack to its request
	BodyLen   uint32  // Body length in bytes, delimits frames on the stream
}

// Frame is the packet handed to the dispatcher by the framed transport.
type Frame struct {
	Header
	Body []byte
}

// IsFrame reports whether prefix starts with the frame magic number.
func IsFrame(prefix []byte) bool {
	return len(prefix) >= 3 && prefix[0] == MagicNumber && prefix[1] == MagicByte2 && prefix[2] == MagicByte3
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	_, err := w.Write(Marshal(h, body))
	return err
}

// Marshal returns header and body as a single buffer so a frame can go out in one Write.
// BodyLen is taken from body.
func Marshal(h *Header, body []byte) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	// Magic number: 3 bytes, protocol identification
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	// Version: 1 byte
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	// Sequence number and body length: big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))

	return append(buf, body...)
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, and message type. The codec byte is not
// checked here: the frame is still well delimited, so decoding reports an unknown
// codec as an error reply instead of dropping the connection.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	// Validate magic number, reject non-protocol connections
	if !IsFrame(headerBuf) {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[5])
	if !msgType.valid() {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	// Read exactly bodyLen bytes so the next frame starts at a boundary
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	h, body, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return &Frame{Header: *h, Body: body}, nil
}

// Bytes re-serializes the frame.
func (f *Frame) Bytes() []byte {
	return Marshal(&f.Header, f.Body)
}

// String is used in logs.
func (f *Frame) String() string {
	return fmt.Sprintf("%s seq=%d codec=%s len=%d", f.MsgType, f.Seq, codec.CodecType(f.CodecType), len(f.Body))
}
