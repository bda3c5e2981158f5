// Package types defines the core domain model shared by the beaver-encode
// client, scheduler and node.
package types

import (
	"fmt"
	"slices"
)

// ChunkStatus is the lifecycle state of a chunk inside one encoding run.
type ChunkStatus string

const (
	StatusPending   ChunkStatus = "pending"   // waiting to be dispatched
	StatusInFlight  ChunkStatus = "in_flight" // owned by exactly one send attempt
	StatusCompleted ChunkStatus = "completed" // encoded output written locally
	StatusDead      ChunkStatus = "dead"      // attempts exhausted, never retried again
)

// Chunk is one independently encodable piece of the input media.
//
// Index is assigned at partition time from the segment's sequence position and
// is the only ordering key used for reassembly.
type Chunk struct {
	Index         int      `json:"index"`
	SourcePath    string   `json:"source_path"`
	EncodedPath   string   `json:"encoded_path,omitempty"`
	EncoderParams []string `json:"encoder_params"`

	// Scheduler bookkeeping, never sent to nodes.
	Status   ChunkStatus `json:"status"`
	Attempt  int         `json:"attempt"`
	NodeAddr string      `json:"node,omitempty"`
}

// NewChunk builds a pending chunk. The parameter slice is copied so later
// mutation by the caller cannot leak into queued work.
func NewChunk(index int, sourcePath string, encoderParams []string) Chunk {
	return Chunk{
		Index:         index,
		SourcePath:    sourcePath,
		EncoderParams: slices.Clone(encoderParams),
		Status:        StatusPending,
	}
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk#%d", c.Index)
}

// ChunksFromSegments turns an ordered list of segment files into chunks. The
// position in the list becomes the chunk index.
func ChunksFromSegments(segments []string, encoderParams []string) []Chunk {
	chunks := make([]Chunk, 0, len(segments))
	for i, path := range segments {
		chunks = append(chunks, NewChunk(i, path, encoderParams))
	}
	return chunks
}

// NodeSpec pairs a node address with its declared slot count.
type NodeSpec struct {
	Address  string `json:"address" yaml:"address"`
	Capacity int    `json:"capacity" yaml:"capacity"`
}
