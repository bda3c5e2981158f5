package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the temporary directory layout of one run or one node.
//
//	<root>/<hash>/segments  unencoded segments
//	<root>/<hash>/encoded   encoded chunks
type Workspace struct {
	Dir string
}

// NewWorkspace derives a stable directory under root from the input and
// output paths, so re-running the same job reuses the same location.
func NewWorkspace(root, input, output string) (*Workspace, error) {
	return openWorkspace(filepath.Join(root, workspaceHash(input, output)))
}

// NewNodeWorkspace uses root directly; nodes serve many runs.
func NewNodeWorkspace(root string) (*Workspace, error) {
	return openWorkspace(root)
}

func openWorkspace(dir string) (*Workspace, error) {
	ws := &Workspace{Dir: dir}
	for _, d := range []string{ws.Dir, ws.SegmentDir(), ws.EncodeDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory %s: %w", d, err)
		}
	}
	return ws, nil
}

// SegmentDir holds unencoded segments.
func (w *Workspace) SegmentDir() string {
	return filepath.Join(w.Dir, "segments")
}

// EncodeDir holds encoded chunks.
func (w *Workspace) EncodeDir() string {
	return filepath.Join(w.Dir, "encoded")
}

// EncodedChunkPath is where the client stores the encoded output of index.
func (w *Workspace) EncodedChunkPath(index int) string {
	return filepath.Join(w.EncodeDir(), fmt.Sprintf("encoded_chunk_%d.mkv", index))
}

// Remove deletes the whole workspace.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

func workspaceHash(input, output string) string {
	h := sha256.New()
	h.Write([]byte(input))
	h.Write([]byte(output))
	return hex.EncodeToString(h.Sum(nil)[:4])
}
