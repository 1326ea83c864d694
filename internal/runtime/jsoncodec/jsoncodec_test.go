package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "nexbus"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Encode(buf, testPayload{ID: 7, Name: "stream"}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ID != 7 || decoded.Name != "stream" {
		t.Fatalf("unexpected decoded value %#v", decoded)
	}
}

func TestMarshalPayloadUsesProtoJSONForMessages(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]any{"orderId": "o-1"})
	if err != nil {
		t.Fatalf("struct build failed: %v", err)
	}

	data, err := MarshalPayload(msg)
	if err != nil {
		t.Fatalf("marshal payload failed: %v", err)
	}

	decoded, err := UnmarshalPayload(data)
	if err != nil {
		t.Fatalf("unmarshal payload failed: %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok || m["orderId"] != "o-1" {
		t.Fatalf("unexpected decoded payload %#v", decoded)
	}
}

func TestUnmarshalPayloadEmpty(t *testing.T) {
	v, err := UnmarshalPayload(nil)
	if err != nil || v != nil {
		t.Fatalf("expected nil payload, got %#v (%v)", v, err)
	}
}
