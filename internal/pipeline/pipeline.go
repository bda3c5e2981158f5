// ============================================================================
// Beaver-Encode Pipeline - One Encoding Run End to End
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Purpose: Glue between the media collaborators and the scheduler.
//
// Flow:
//   1. Workspace   <temp>/<hash(input, output)>/{segments,encoded}
//   2. Partition   input → ordered segments + side file
//   3. Schedule    controller.Run over every node
//   4. Reassemble  encoded chunks (index order) + side file → output
//   5. Report      <output>.report.json, written on success and failure
//   6. Cleanup     workspace removed after success unless KeepTemp
//
// A failed run keeps its workspace so the encoded chunks can be inspected.
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/ChuLiYu/beaver-encode/internal/config"
	"github.com/ChuLiYu/beaver-encode/internal/controller"
	"github.com/ChuLiYu/beaver-encode/internal/logging"
	"github.com/ChuLiYu/beaver-encode/internal/node"
	"github.com/ChuLiYu/beaver-encode/internal/report"
	"github.com/ChuLiYu/beaver-encode/pkg/types"
)

// Partitioner splits an input into ordered segments and a side file.
type Partitioner interface {
	Segment(ctx context.Context, input string, duration float64, dir string) ([]string, error)
	ExtractNonVideoStreams(ctx context.Context, input, dir string) (string, error)
}

// Reassembler joins encoded segments and the side file into the output.
type Reassembler interface {
	Concatenate(ctx context.Context, segments []string, side, output string, expected int, listDir string) error
}

// Config wires a Pipeline. Controller.EncodedPath is filled in per run.
type Config struct {
	Partitioner Partitioner
	Reassembler Reassembler
	Controller  controller.Config
	Logger      hclog.Logger
}

// Options describes one run.
type Options struct {
	Input           string
	Output          string
	TempRoot        string
	SegmentDuration float64
	EncoderParams   []string
	KeepTemp        bool
	// ReportPath defaults to report.DefaultPath(Output).
	ReportPath string
}

// Pipeline runs encodings.
type Pipeline struct {
	partitioner Partitioner
	reassembler Reassembler
	ctrl        *controller.Controller
	log         hclog.Logger

	mu sync.RWMutex
	ws *config.Workspace
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Partitioner == nil || cfg.Reassembler == nil {
		return nil, errors.New("pipeline: partitioner and reassembler are required")
	}

	p := &Pipeline{
		partitioner: cfg.Partitioner,
		reassembler: cfg.Reassembler,
		log:         logging.OrDefault(cfg.Logger).Named("pipeline"),
	}

	ctrlCfg := cfg.Controller
	ctrlCfg.EncodedPath = p.encodedPath
	if ctrlCfg.Logger == nil {
		ctrlCfg.Logger = cfg.Logger
	}
	ctrl, err := controller.New(ctrlCfg)
	if err != nil {
		return nil, err
	}
	p.ctrl = ctrl
	return p, nil
}

func (p *Pipeline) encodedPath(index int) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ws.EncodedChunkPath(index)
}

// Status reports the scheduler state of the current run.
func (p *Pipeline) Status() controller.Status {
	return p.ctrl.Status()
}

// Run encodes opts.Input into opts.Output using nodes. The returned report
// is also written to disk.
func (p *Pipeline) Run(ctx context.Context, nodes []*node.Handle, opts Options) (*report.Report, error) {
	rep := &report.Report{
		RunID:         uuid.NewString(),
		Input:         opts.Input,
		Output:        opts.Output,
		EncoderParams: opts.EncoderParams,
		StartedAt:     time.Now(),
	}
	for _, n := range nodes {
		rep.Nodes = append(rep.Nodes, n.Spec())
	}

	log := p.log.With("run", rep.RunID)
	log.Info("Starting encode", "input", opts.Input, "output", opts.Output, "nodes", len(nodes))

	err := p.run(ctx, log, nodes, opts, rep)
	rep.Finish(time.Now(), err)

	reportPath := opts.ReportPath
	if reportPath == "" {
		reportPath = report.DefaultPath(opts.Output)
	}
	if werr := report.NewManager(reportPath).Write(*rep); werr != nil {
		log.Warn("Failed to write run report", "path", reportPath, "error", werr)
	} else {
		log.Info("Run report written", "path", reportPath)
	}

	if err != nil {
		return rep, err
	}
	log.Info("Video encoding completed successfully", "duration", time.Since(rep.StartedAt))
	return rep, nil
}

func (p *Pipeline) run(ctx context.Context, log hclog.Logger, nodes []*node.Handle, opts Options, rep *report.Report) error {
	ws, err := config.NewWorkspace(opts.TempRoot, opts.Input, opts.Output)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.ws = ws
	p.mu.Unlock()
	log.Debug("Workspace ready", "dir", ws.Dir)

	log.Info("Splitting video", "segment_duration", opts.SegmentDuration)
	segments, err := p.partitioner.Segment(ctx, opts.Input, opts.SegmentDuration, ws.SegmentDir())
	if err != nil {
		return err
	}

	side, err := p.partitioner.ExtractNonVideoStreams(ctx, opts.Input, ws.Dir)
	if err != nil {
		return err
	}

	chunks := types.ChunksFromSegments(segments, opts.EncoderParams)
	rep.Total = len(chunks)

	result, err := p.ctrl.Run(ctx, nodes, chunks)
	if result != nil {
		rep.SetChunks(result.Completed, result.Dead)
	}
	if err != nil {
		log.Warn("Keeping workspace after failed run", "dir", ws.Dir)
		return err
	}

	log.Info("Concatenating encoded chunks", "count", len(result.Completed))
	if err := p.reassembler.Concatenate(ctx, result.EncodedPaths(), side, opts.Output, len(result.Completed), ws.Dir); err != nil {
		log.Warn("Keeping workspace after failed run", "dir", ws.Dir)
		return err
	}

	if opts.KeepTemp {
		log.Info("Keeping workspace", "dir", ws.Dir)
		return nil
	}
	if err := ws.Remove(); err != nil {
		// The output is complete; a leftover workspace is not a failed run.
		log.Warn("Failed to remove workspace", "dir", ws.Dir, "error", err)
	}
	return nil
}
