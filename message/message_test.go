package message

import (
	"encoding/json"
	"errors"
	"testing"
)

type AddArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestRPCMessageJSON(t *testing.T) {
	payload, _ := json.Marshal(&AddArgs{A: 1, B: 2})
	req := &RPCMessage{
		ServiceMethod: "ArithService.Add",
		Payload:       payload,
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	var req2 RPCMessage
	if err := json.Unmarshal(data, &req2); err != nil {
		t.Fatalf("Failed to unmarshal with error: %v", err)
	}

	var args AddArgs
	if err := json.Unmarshal(req2.Payload, &args); err != nil {
		t.Fatal(err)
	}
	if args.A != 1 || args.B != 2 {
		t.Fatalf("unexpected args: %+v", args)
	}
}

func TestEnvelopeErrorWins(t *testing.T) {
	resp := &Response{ServiceMethod: "Arith.Add", Payload: []byte(`{"Result":3}`)}
	resp.SetError(errors.New("boom"))

	msg := resp.Envelope()
	if msg.Error != "boom" {
		t.Fatalf("expect error 'boom', got '%s'", msg.Error)
	}
	if msg.Payload != nil {
		t.Fatalf("expect nil payload on error, got %s", msg.Payload)
	}
	if msg.ServiceMethod != "Arith.Add" {
		t.Fatalf("expect service method to be kept, got '%s'", msg.ServiceMethod)
	}
}

func TestEnvelopePayload(t *testing.T) {
	resp := &Response{Payload: []byte("ok")}
	msg := resp.Envelope()
	if msg.Error != "" || string(msg.Payload) != "ok" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
}
