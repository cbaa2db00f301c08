// ABOUTME: JSON codec for the blueking RPC surface.
// ABOUTME: Registered under the "json" content-subtype so both peers negotiate it without generated stubs.

package blueking

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype both sides of the blueking API use.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals RPC messages as plain JSON. The wire types are
// hand-written Go structs, so no generated stubs are involved.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

// CallOption forces the JSON content-subtype on outgoing calls.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}
