// Package jsoncodec centralises JSON encoding for event payloads, the event
// stores and the cross-instance bridge.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var defaultConfig = sonic.ConfigStd

var protoMarshalOptions = protojson.MarshalOptions{EmitUnpopulated: true}

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// MarshalPayload encodes an event payload. Protobuf messages go through
// protojson so well-known types keep their canonical JSON form.
func MarshalPayload(payload any) ([]byte, error) {
	if msg, ok := payload.(proto.Message); ok {
		return protoMarshalOptions.Marshal(msg)
	}
	return defaultConfig.Marshal(payload)
}

// UnmarshalPayload decodes a stored payload into generic JSON values.
// An empty input decodes to nil.
func UnmarshalPayload(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out any
	if err := defaultConfig.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
