package v1

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/mem"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype used by VideoEncodingService calls
// ("application/grpc+beaverwire"). Other services on the same server, such as
// grpc.health.v1, keep the default proto codec.
const CodecName = "beaverwire"

// WireMessage is implemented by the messages in this package.
type WireMessage interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire([]byte) error
}

// Codec serializes WireMessage values and falls back to the protobuf runtime
// for generated messages.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) (mem.BufferSlice, error) {
	var (
		b   []byte
		err error
	)
	switch m := v.(type) {
	case WireMessage:
		b, err = m.MarshalWire()
	case proto.Message:
		b, err = proto.Marshal(m)
	default:
		return nil, fmt.Errorf("beaverwire: cannot marshal %T", v)
	}
	if err != nil {
		return nil, err
	}
	return mem.BufferSlice{mem.SliceBuffer(b)}, nil
}

// Unmarshal materializes the received buffers into one fresh slice, so the
// decoded message may keep references into it after the call returns.
func (Codec) Unmarshal(data mem.BufferSlice, v any) error {
	b := data.Materialize()
	switch m := v.(type) {
	case WireMessage:
		return m.UnmarshalWire(b)
	case proto.Message:
		return proto.Unmarshal(b, m)
	default:
		return fmt.Errorf("beaverwire: cannot unmarshal into %T", v)
	}
}

func init() {
	encoding.RegisterCodecV2(Codec{})
}
