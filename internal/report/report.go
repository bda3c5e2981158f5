package report

// ============================================================================
// Responsibilities:
// 1. Describe a finished encoding run as a JSON document
// 2. Write it atomically (temp file + rename) so a crash never leaves a
//    truncated report behind
// 3. Validate the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-encode/pkg/types"
)

// SchemaVersion is the current report layout.
const SchemaVersion = 1

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// ChunkEntry is the final state of one chunk.
type ChunkEntry struct {
	Index       int               `json:"index"`
	SourcePath  string            `json:"source_path"`
	EncodedPath string            `json:"encoded_path,omitempty"`
	Status      types.ChunkStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	Node        string            `json:"node,omitempty"`
}

// Report describes one encoding run.
type Report struct {
	SchemaVer     int              `json:"schema_version"`
	RunID         string           `json:"run_id"`
	Input         string           `json:"input"`
	Output        string           `json:"output"`
	Nodes         []types.NodeSpec `json:"nodes"`
	EncoderParams []string         `json:"encoder_params"`

	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationSeconds float64   `json:"duration_seconds"`

	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Dead      int    `json:"dead"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`

	Chunks []ChunkEntry `json:"chunks"`
}

// SetChunks fills Chunks and the counters from the run's final chunk sets.
// Total is left alone when already set, so chunks that never finished still
// count.
func (r *Report) SetChunks(completed, dead []types.Chunk) {
	entry := func(c types.Chunk, attempts int) ChunkEntry {
		return ChunkEntry{
			Index:       c.Index,
			SourcePath:  c.SourcePath,
			EncodedPath: c.EncodedPath,
			Status:      c.Status,
			Attempts:    attempts,
			Node:        c.NodeAddr,
		}
	}

	r.Chunks = r.Chunks[:0]
	// Attempt counts failures; a dead chunk's last attempt is already in it.
	for _, c := range completed {
		r.Chunks = append(r.Chunks, entry(c, c.Attempt+1))
	}
	for _, c := range dead {
		r.Chunks = append(r.Chunks, entry(c, c.Attempt))
	}
	sort.Slice(r.Chunks, func(i, j int) bool { return r.Chunks[i].Index < r.Chunks[j].Index })

	r.Completed = len(completed)
	r.Dead = len(dead)
	if r.Total == 0 {
		r.Total = len(completed) + len(dead)
	}
}

// Finish stamps the end time and outcome.
func (r *Report) Finish(at time.Time, err error) {
	r.FinishedAt = at
	r.DurationSeconds = at.Sub(r.StartedAt).Seconds()
	r.Success = err == nil
	if err != nil {
		r.Error = err.Error()
	}
}

// Summary renders the report for a terminal.
func (r Report) Summary() string {
	var b strings.Builder
	outcome := "succeeded"
	if !r.Success {
		outcome = "failed"
	}
	fmt.Fprintf(&b, "Run %s %s\n", r.RunID, outcome)
	fmt.Fprintf(&b, "  input:    %s\n", r.Input)
	fmt.Fprintf(&b, "  output:   %s\n", r.Output)
	fmt.Fprintf(&b, "  chunks:   %d/%d completed, %d dead\n", r.Completed, r.Total, r.Dead)
	fmt.Fprintf(&b, "  duration: %.1fs\n", r.DurationSeconds)
	for _, n := range r.Nodes {
		fmt.Fprintf(&b, "  node:     %s (%d slots)\n", n.Address, n.Capacity)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "  error:    %s\n", r.Error)
	}
	return b.String()
}

// DefaultPath is the report location for an output file.
func DefaultPath(output string) string {
	return output + ".report.json"
}

// ============================================================================
// Manager
// ============================================================================

// Manager reads and writes one report file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a Manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write stores r atomically.
func (m *Manager) Write(r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load reads the report and checks its schema version.
func (m *Manager) Load() (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r Report

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, fmt.Errorf("%w: %s", ErrReportNotFound, m.path)
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if r.SchemaVer != SchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, SchemaVersion)
	}
	return r, nil
}

// Exists reports whether the report file exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the report file path.
func (m *Manager) Path() string {
	return m.path
}
