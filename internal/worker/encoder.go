// ============================================================================
// Beaver-Encode Worker - Chunk Encoder
// ============================================================================
//
// Package: internal/worker
// File: encoder.go
// Purpose: The execution unit behind the node's EncodeChunk RPC.
//
// Execution Model:
//   One call to Encode per RPC, on the gRPC handler goroutine. The worker
//   holds no queue and no concurrency limit of its own; the client's per-node
//   capacity decides how many calls run at once.
//
//   ┌──────────────────────────────────────┐
//   │ EncodeChunk handler                  │
//   │   ├─ payload written to input path   │
//   │   ├─ Encoder.Encode(ctx, in, out, p) │ ← ffmpeg process
//   │   └─ output read back                │
//   └──────────────────────────────────────┘
//
// Cancellation:
//   The RPC context is passed to the encoder; a client that gives up kills
//   the ffmpeg process through exec.CommandContext.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/beaver-encode/internal/media"
)

// Encoder turns one input file into one output file using params.
type Encoder interface {
	Encode(ctx context.Context, input, output string, params []string) error
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(ctx context.Context, input, output string, params []string) error

// Encode calls f.
func (f EncoderFunc) Encode(ctx context.Context, input, output string, params []string) error {
	return f(ctx, input, output, params)
}

// NewFFmpegEncoder encodes with the ffmpeg executable.
func NewFFmpegEncoder(ff *media.FFmpeg) Encoder {
	return ff
}
