package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	pb "github.com/ChuLiYu/beaver-encode/api/proto/v1"
	"github.com/ChuLiYu/beaver-encode/internal/node"
	"github.com/ChuLiYu/beaver-encode/pkg/types"
)

type sendResult struct {
	path     string
	sent     int
	received int
}

// send performs one full round trip of chunk to n and stores the encoded
// bytes. Any error leaves the chunk untouched for a retry.
func (c *Controller) send(ctx context.Context, n *node.Handle, chunk types.Chunk) (sendResult, error) {
	payload, err := os.ReadFile(chunk.SourcePath)
	if err != nil {
		return sendResult{}, fmt.Errorf("failed to read segment %s: %w", chunk.SourcePath, err)
	}

	resp, err := n.Client.EncodeChunk(ctx, &pb.EncodeChunkRequest{
		ChunkData:         payload,
		ChunkIndex:        uint32(chunk.Index),
		EncoderParameters: chunk.EncoderParams,
	})
	if err != nil {
		return sendResult{}, fmt.Errorf("encode request to %s failed: %w", n.Address, err)
	}
	if !resp.GetSuccess() {
		return sendResult{}, fmt.Errorf("%w: %s", ErrEncodeFailed, resp.GetErrorMessage())
	}
	if got := int(resp.GetChunkIndex()); got != chunk.Index {
		return sendResult{}, fmt.Errorf("%w: sent %d, got %d", ErrIndexMismatch, chunk.Index, got)
	}

	path := c.cfg.EncodedPath(chunk.Index)
	if err := writeFileAtomic(path, resp.EncodedChunkData); err != nil {
		return sendResult{}, err
	}

	return sendResult{
		path:     path,
		sent:     len(payload),
		received: len(resp.EncodedChunkData),
	}, nil
}

// writeFileAtomic writes data next to path and renames it into place, so a
// crashed write never leaves a truncated chunk behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write encoded chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close encoded chunk: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename encoded chunk: %w", err)
	}
	return nil
}
