// ============================================================================
// Beaver-Encode Node Server - EncodeChunk RPC
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Worker side of the encode RPC.
//
// Request State Machine:
//   received
//      ↓ free-space check (gopsutil)
//   payload-written   <ws>/segments/chunk_<index>_<request>.mkv
//      ↓ Encoder.Encode
//   encoding          <ws>/encoded/encoded_chunk_<index>_<request>.mkv
//      ↓
//   succeeded (bytes returned) | failed (success=false + reason)
//
// Every failure is reported inside the response, never as a gRPC error, so
// the client can tell "node reachable, encode failed" from "node down".
// Both files are removed on every outcome; the node keeps no per-request
// state and no admission counter of its own.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	pb "github.com/ChuLiYu/beaver-encode/api/proto/v1"
	"github.com/ChuLiYu/beaver-encode/internal/config"
	"github.com/ChuLiYu/beaver-encode/internal/logging"
	"github.com/ChuLiYu/beaver-encode/internal/metrics"
	"github.com/ChuLiYu/beaver-encode/internal/worker"
)

// Config wires a Server.
type Config struct {
	Workspace *config.Workspace
	Encoder   worker.Encoder
	// Probe guards against filling the disk. Nil skips the check.
	Probe   *worker.HostProbe
	Logger  hclog.Logger
	Metrics *metrics.NodeCollector
}

// Server implements VideoEncodingService.
type Server struct {
	pb.UnimplementedVideoEncodingServiceServer

	ws      *config.Workspace
	encoder worker.Encoder
	probe   *worker.HostProbe
	log     hclog.Logger
	metrics *metrics.NodeCollector
}

// NewServer creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Workspace == nil {
		return nil, errors.New("server: workspace is required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("server: encoder is required")
	}

	return &Server{
		ws:      cfg.Workspace,
		encoder: cfg.Encoder,
		probe:   cfg.Probe,
		log:     logging.OrDefault(cfg.Logger).Named("server"),
		metrics: cfg.Metrics,
	}, nil
}

// EncodeChunk encodes one chunk.
func (s *Server) EncodeChunk(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
	index := req.GetChunkIndex()
	requestID := uuid.NewString()
	log := s.log.With("index", index, "request", requestID)

	done := s.metrics.Begin(len(req.ChunkData))
	fail := func(stage string, err error) (*pb.EncodeChunkResponse, error) {
		done(false, 0, 0)
		log.Error("Chunk encode failed", "stage", stage, "error", err)
		return &pb.EncodeChunkResponse{
			ChunkIndex:   index,
			Success:      false,
			ErrorMessage: fmt.Sprintf("%s: %v", stage, err),
		}, nil
	}

	log.Debug("Received chunk", "bytes", len(req.ChunkData), "params", req.EncoderParameters)

	if s.probe != nil {
		// Room for the payload and an output of similar size.
		if err := s.probe.CheckSpace(ctx, 2*uint64(len(req.ChunkData))); err != nil {
			return fail("disk check", err)
		}
	}

	input := filepath.Join(s.ws.SegmentDir(), fmt.Sprintf("chunk_%d_%s.mkv", index, requestID))
	output := filepath.Join(s.ws.EncodeDir(), fmt.Sprintf("encoded_chunk_%d_%s.mkv", index, requestID))
	defer s.cleanup(log, input, output)

	if err := os.WriteFile(input, req.ChunkData, 0o644); err != nil {
		return fail("write payload", err)
	}

	start := time.Now()
	if err := s.encoder.Encode(ctx, input, output, req.EncoderParameters); err != nil {
		return fail("encode", err)
	}
	encodeTime := time.Since(start)

	encoded, err := os.ReadFile(output)
	if err != nil {
		return fail("read output", err)
	}

	done(true, encodeTime, len(encoded))
	log.Info("Chunk encoded", "duration", encodeTime, "bytes_in", len(req.ChunkData), "bytes_out", len(encoded))

	return &pb.EncodeChunkResponse{
		EncodedChunkData: encoded,
		ChunkIndex:       index,
		Success:          true,
	}, nil
}

func (s *Server) cleanup(log hclog.Logger, paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("Failed to remove temporary file", "path", p, "error", err)
		}
	}
}

// ============================================================================
// gRPC wiring
// ============================================================================

// NewGRPCServer registers s and a health service on a gRPC server that
// accepts messages up to pb.MaxMessageSize.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(pb.MaxMessageSize),
		grpc.MaxSendMsgSize(pb.MaxMessageSize),
	}, opts...)

	gs := grpc.NewServer(opts...)
	pb.RegisterVideoEncodingServiceServer(gs, s)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(pb.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return gs, hs
}

// Serve runs s on lis until ctx is done, then drains in-flight requests.
func Serve(ctx context.Context, lis net.Listener, s *Server) error {
	gs, hs := NewGRPCServer(s)

	stop := context.AfterFunc(ctx, func() {
		s.log.Info("Shutting down node server")
		hs.Shutdown()
		gs.GracefulStop()
	})
	defer stop()

	s.log.Info("Node listening", "address", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server failed: %w", err)
	}
	return nil
}
