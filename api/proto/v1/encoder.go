// ============================================================================
// Beaver-Encode RPC Messages
// ============================================================================
//
// Package: api/proto/v1
// File: encoder.go
// Purpose: Go form of the messages declared in encoder.proto.
//
// Encoding:
//   Messages are serialized in protobuf wire format with protowire, matching
//   the field layout of encoder.proto. Default values are omitted, unknown
//   fields are skipped. Calls travel under the "beaverwire" content subtype
//   (codec.go), so peers must use that codec: a stock application/grpc peer
//   would pick the default proto codec, which only accepts proto.Message.
//
// Payload size:
//   chunk_data and encoded_chunk_data carry whole media segments. Buffers are
//   sized up front so a gigabyte payload is copied exactly once on marshal.
//
// ============================================================================

package v1

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize is the send/receive limit configured on both ends of the
// connection. Segments in the gigabyte range must fit in one message.
const MaxMessageSize = 1<<31 - 1

// EncodeChunkRequest asks a node to encode one chunk.
type EncodeChunkRequest struct {
	ChunkData         []byte
	ChunkIndex        uint32
	EncoderParameters []string
}

// EncodeChunkResponse carries the encoded bytes or a failure reason.
// EncodedChunkData is meaningful only when Success is true and ErrorMessage
// only when it is false.
type EncodeChunkResponse struct {
	EncodedChunkData []byte
	ChunkIndex       uint32
	Success          bool
	ErrorMessage     string
}

const (
	fieldChunkData         protowire.Number = 1
	fieldChunkIndex        protowire.Number = 2
	fieldEncoderParameters protowire.Number = 3

	fieldEncodedChunkData protowire.Number = 1
	fieldRespChunkIndex   protowire.Number = 2
	fieldSuccess          protowire.Number = 3
	fieldErrorMessage     protowire.Number = 4
)

// GetChunkIndex is nil-safe like generated getters.
func (r *EncodeChunkRequest) GetChunkIndex() uint32 {
	if r == nil {
		return 0
	}
	return r.ChunkIndex
}

func (r *EncodeChunkRequest) size() int {
	n := 0
	if len(r.ChunkData) > 0 {
		n += protowire.SizeTag(fieldChunkData) + protowire.SizeBytes(len(r.ChunkData))
	}
	if r.ChunkIndex != 0 {
		n += protowire.SizeTag(fieldChunkIndex) + protowire.SizeVarint(uint64(r.ChunkIndex))
	}
	for _, p := range r.EncoderParameters {
		n += protowire.SizeTag(fieldEncoderParameters) + protowire.SizeBytes(len(p))
	}
	return n
}

// MarshalWire encodes the request in protobuf wire format.
func (r *EncodeChunkRequest) MarshalWire() ([]byte, error) {
	b := make([]byte, 0, r.size())
	if len(r.ChunkData) > 0 {
		b = protowire.AppendTag(b, fieldChunkData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.ChunkData)
	}
	if r.ChunkIndex != 0 {
		b = protowire.AppendTag(b, fieldChunkIndex, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ChunkIndex))
	}
	for _, p := range r.EncoderParameters {
		b = protowire.AppendTag(b, fieldEncoderParameters, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	return b, nil
}

// UnmarshalWire decodes b into r. ChunkData aliases b; the gRPC codec hands
// over a buffer it no longer uses.
func (r *EncodeChunkRequest) UnmarshalWire(b []byte) error {
	*r = EncodeChunkRequest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("EncodeChunkRequest: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldChunkData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("EncodeChunkRequest.chunk_data: %w", protowire.ParseError(m))
			}
			r.ChunkData = v
			n = m
		case num == fieldChunkIndex && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("EncodeChunkRequest.chunk_index: %w", protowire.ParseError(m))
			}
			r.ChunkIndex = uint32(v)
			n = m
		case num == fieldEncoderParameters && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("EncodeChunkRequest.encoder_parameters: %w", protowire.ParseError(m))
			}
			r.EncoderParameters = append(r.EncoderParameters, v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("EncodeChunkRequest: field %d: %w", num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return nil
}

// GetSuccess is nil-safe like generated getters.
func (r *EncodeChunkResponse) GetSuccess() bool {
	if r == nil {
		return false
	}
	return r.Success
}

// GetChunkIndex is nil-safe like generated getters.
func (r *EncodeChunkResponse) GetChunkIndex() uint32 {
	if r == nil {
		return 0
	}
	return r.ChunkIndex
}

// GetErrorMessage is nil-safe like generated getters.
func (r *EncodeChunkResponse) GetErrorMessage() string {
	if r == nil {
		return ""
	}
	return r.ErrorMessage
}

func (r *EncodeChunkResponse) size() int {
	n := 0
	if len(r.EncodedChunkData) > 0 {
		n += protowire.SizeTag(fieldEncodedChunkData) + protowire.SizeBytes(len(r.EncodedChunkData))
	}
	if r.ChunkIndex != 0 {
		n += protowire.SizeTag(fieldRespChunkIndex) + protowire.SizeVarint(uint64(r.ChunkIndex))
	}
	if r.Success {
		n += protowire.SizeTag(fieldSuccess) + 1
	}
	if r.ErrorMessage != "" {
		n += protowire.SizeTag(fieldErrorMessage) + protowire.SizeBytes(len(r.ErrorMessage))
	}
	return n
}

// MarshalWire encodes the response in protobuf wire format.
func (r *EncodeChunkResponse) MarshalWire() ([]byte, error) {
	b := make([]byte, 0, r.size())
	if len(r.EncodedChunkData) > 0 {
		b = protowire.AppendTag(b, fieldEncodedChunkData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.EncodedChunkData)
	}
	if r.ChunkIndex != 0 {
		b = protowire.AppendTag(b, fieldRespChunkIndex, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ChunkIndex))
	}
	if r.Success {
		b = protowire.AppendTag(b, fieldSuccess, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if r.ErrorMessage != "" {
		b = protowire.AppendTag(b, fieldErrorMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.ErrorMessage)
	}
	return b, nil
}

// UnmarshalWire decodes b into r.
func (r *EncodeChunkResponse) UnmarshalWire(b []byte) error {
	*r = EncodeChunkResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("EncodeChunkResponse: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldEncodedChunkData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("EncodeChunkResponse.encoded_chunk_data: %w", protowire.ParseError(m))
			}
			r.EncodedChunkData = v
			n = m
		case num == fieldRespChunkIndex && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("EncodeChunkResponse.chunk_index: %w", protowire.ParseError(m))
			}
			r.ChunkIndex = uint32(v)
			n = m
		case num == fieldSuccess && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("EncodeChunkResponse.success: %w", protowire.ParseError(m))
			}
			r.Success = protowire.DecodeBool(v)
			n = m
		case num == fieldErrorMessage && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("EncodeChunkResponse.error_message: %w", protowire.ParseError(m))
			}
			r.ErrorMessage = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("EncodeChunkResponse: field %d: %w", num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return nil
}
