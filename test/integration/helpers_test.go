// ============================================================================
// Beaver-Encode Integration Test Helpers
// ============================================================================
//
// Package: test/integration
// File: helpers_test.go
// Purpose: Real gRPC nodes on loopback plus file-based media fakes, so the
//          whole encode path runs without ffmpeg installed.
//
// ============================================================================

package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-encode/internal/config"
	"github.com/ChuLiYu/beaver-encode/internal/node"
	"github.com/ChuLiYu/beaver-encode/internal/server"
	"github.com/ChuLiYu/beaver-encode/internal/worker"
)

// upperEncoder writes the upper-cased input, optionally after a delay.
func upperEncoder(delay time.Duration) worker.Encoder {
	return worker.EncoderFunc(func(ctx context.Context, in, out string, _ []string) error {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		return os.WriteFile(out, []byte(strings.ToUpper(string(data))), 0o644)
	})
}

// flakyEncoder fails the first n requests, then behaves like inner.
func flakyEncoder(n int64, inner worker.Encoder) worker.Encoder {
	var seen atomic.Int64
	return worker.EncoderFunc(func(ctx context.Context, in, out string, params []string) error {
		if seen.Add(1) <= n {
			return errors.New("ffmpeg exited with status 1")
		}
		return inner.Encode(ctx, in, out, params)
	})
}

var brokenEncoder = worker.EncoderFunc(func(context.Context, string, string, []string) error {
	return errors.New("ffmpeg exited with status 1")
})

// testNode is one served encoding node.
type testNode struct {
	addr string
	stop context.CancelFunc
	done chan error
}

func startNode(t testing.TB, enc worker.Encoder) *testNode {
	t.Helper()
	return startNodeContext(t, context.Background(), enc)
}

// startNodeContext serves until parent is cancelled or the test ends.
func startNodeContext(t testing.TB, parent context.Context, enc worker.Encoder) *testNode {
	t.Helper()

	ws, err := config.NewNodeWorkspace(t.TempDir())
	require.NoError(t, err)
	srv, err := server.NewServer(server.Config{Workspace: ws, Encoder: enc, Logger: hclog.NewNullLogger()})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(parent)
	n := &testNode{addr: lis.Addr().String(), stop: cancel, done: make(chan error, 1)}
	go func() { n.done <- server.Serve(ctx, lis, srv) }()
	t.Cleanup(func() {
		cancel()
		<-n.done
	})
	return n
}

func connect(t testing.TB, nodes []*testNode, capacities []int) []*node.Handle {
	t.Helper()
	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		addrs[i] = n.addr
	}
	handles, err := node.Connect(context.Background(), addrs, capacities,
		node.Options{DialTimeout: 5 * time.Second, Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { node.CloseAll(handles) })
	return handles
}

// fileMedia stands in for ffmpeg: segments are small text files and
// concatenation joins their contents.
type fileMedia struct {
	segments int
}

func (m fileMedia) Segment(_ context.Context, _ string, _ float64, dir string) ([]string, error) {
	out := make([]string, m.segments)
	for i := range out {
		out[i] = filepath.Join(dir, fmt.Sprintf("chunk_%04d.mp4", i))
		if err := os.WriteFile(out[i], []byte(fmt.Sprintf("frame%d;", i)), 0o644); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m fileMedia) ExtractNonVideoStreams(_ context.Context, _ string, dir string) (string, error) {
	p := filepath.Join(dir, "audio.mkv")
	return p, os.WriteFile(p, []byte("audio"), 0o644)
}

func (m fileMedia) Concatenate(_ context.Context, segments []string, side, output string, expected int, _ string) error {
	if len(segments) != expected {
		return fmt.Errorf("expected %d segments, got %d", expected, len(segments))
	}
	var b strings.Builder
	for _, s := range segments {
		data, err := os.ReadFile(s)
		if err != nil {
			return err
		}
		b.Write(data)
	}
	audio, err := os.ReadFile(side)
	if err != nil {
		return err
	}
	b.Write(audio)
	return os.WriteFile(output, []byte(b.String()), 0o644)
}

// expectedOutput is what fileMedia plus upperEncoder produce for n segments.
func expectedOutput(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "FRAME%d;", i)
	}
	b.WriteString("audio")
	return b.String()
}
