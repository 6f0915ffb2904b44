package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// JSONCodec encodes envelopes as JSON; the payload bytes travel base64 encoded.
// Decode accepts exactly one JSON value, so a frame body carrying trailing bytes is
// rejected rather than silently truncated.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("json codec: empty body")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json codec: %w", err)
	}
	if dec.More() {
		return errors.New("json codec: trailing data after value")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
