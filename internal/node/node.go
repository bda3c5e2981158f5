// ============================================================================
// Beaver-Encode Node Handle - Connection + Admission
// ============================================================================
//
// Package: internal/node
// File: node.go
// Purpose: Turns the operator's (address, capacity) pairs into live handles.
//
// Startup Contract:
//   1. Validate the pairing (equal lengths, non-empty, positive capacities).
//      Nothing is dialed when this fails.           → ErrConfiguration
//   2. Dial every address with 2 GiB message limits and probe it with the
//      grpc.health.v1 service within DialTimeout.  → ErrConnectivity
//   3. Wrap each connection in a Limiter seeded with its capacity.
//
// Any failure closes the connections opened so far; a run never starts with
// a partial node set.
//
// ============================================================================

package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	pb "github.com/ChuLiYu/beaver-encode/api/proto/v1"
	"github.com/ChuLiYu/beaver-encode/internal/logging"
	"github.com/ChuLiYu/beaver-encode/pkg/types"
)

var (
	// ErrConfiguration means the node list cannot describe a run.
	ErrConfiguration = errors.New("node configuration error")
	// ErrConnectivity means a node address is malformed or unreachable.
	ErrConnectivity = errors.New("node connectivity error")
)

// DefaultDialTimeout bounds the reachability probe of one node.
const DefaultDialTimeout = 10 * time.Second

// Handle is a live connection to one node plus its admission limiter.
type Handle struct {
	Address  string
	Capacity int
	Client   pb.VideoEncodingServiceClient
	Limiter  *Limiter

	conn io.Closer
}

// NewHandle wraps an existing client. conn may be nil when there is nothing
// to close.
func NewHandle(address string, capacity int, client pb.VideoEncodingServiceClient, conn io.Closer) *Handle {
	return &Handle{
		Address:  address,
		Capacity: capacity,
		Client:   client,
		Limiter:  NewLimiter(capacity),
		conn:     conn,
	}
}

// Close releases the underlying connection.
func (h *Handle) Close() error {
	if h.conn == nil {
		return nil
	}
	return h.conn.Close()
}

// Spec returns the address/capacity pair the handle was built from.
func (h *Handle) Spec() types.NodeSpec {
	return types.NodeSpec{Address: h.Address, Capacity: h.Capacity}
}

// CloseAll closes every handle and joins the errors.
func CloseAll(handles []*Handle) error {
	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Address, err))
		}
	}
	return errors.Join(errs...)
}

// Options tunes Connect.
type Options struct {
	DialTimeout time.Duration
	Logger      hclog.Logger
	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

// Pair validates and zips addresses with capacities.
func Pair(addresses []string, capacities []int) ([]types.NodeSpec, error) {
	if len(addresses) != len(capacities) {
		return nil, fmt.Errorf("%w: %d node addresses but %d slot values", ErrConfiguration, len(addresses), len(capacities))
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: no nodes available", ErrConfiguration)
	}

	specs := make([]types.NodeSpec, 0, len(addresses))
	for i, addr := range addresses {
		if capacities[i] <= 0 {
			return nil, fmt.Errorf("%w: node %s has non-positive capacity %d", ErrConfiguration, addr, capacities[i])
		}
		specs = append(specs, types.NodeSpec{Address: addr, Capacity: capacities[i]})
	}
	return specs, nil
}

// Connect validates the pairing, dials every node and verifies it serves the
// encoding service.
func Connect(ctx context.Context, addresses []string, capacities []int, opts Options) ([]*Handle, error) {
	specs, err := Pair(addresses, capacities)
	if err != nil {
		return nil, err
	}

	log := logging.OrDefault(opts.Logger)
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	handles := make([]*Handle, 0, len(specs))
	for _, spec := range specs {
		h, err := dial(ctx, spec, timeout, opts.DialOptions)
		if err != nil {
			_ = CloseAll(handles)
			return nil, err
		}
		handles = append(handles, h)
		log.Info("Connected to node", "address", spec.Address, "slots", spec.Capacity)
	}
	return handles, nil
}

func dial(ctx context.Context, spec types.NodeSpec, timeout time.Duration, extra []grpc.DialOption) (*Handle, error) {
	target, err := NormalizeAddress(spec.Address)
	if err != nil {
		return nil, err
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(pb.MaxMessageSize),
			grpc.MaxCallSendMsgSize(pb.MaxMessageSize),
		),
	}, extra...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid node address %q: %v", ErrConnectivity, spec.Address, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(probeCtx,
		&healthpb.HealthCheckRequest{Service: pb.ServiceName},
		grpc.WaitForReady(true),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to connect to node %s: %v", ErrConnectivity, spec.Address, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		conn.Close()
		return nil, fmt.Errorf("%w: node %s reports %s", ErrConnectivity, spec.Address, resp.GetStatus())
	}

	return NewHandle(spec.Address, spec.Capacity, pb.NewVideoEncodingServiceClient(conn), conn), nil
}

// NormalizeAddress accepts "host:port" and the "http://host:port" form used
// by older configs, and returns a gRPC dial target.
func NormalizeAddress(address string) (string, error) {
	target := strings.TrimSpace(address)
	for _, scheme := range []string{"http://", "https://", "grpc://"} {
		target = strings.TrimPrefix(target, scheme)
	}
	target = strings.TrimSuffix(target, "/")

	host, port, err := net.SplitHostPort(target)
	if err != nil || port == "" {
		return "", fmt.Errorf("%w: malformed node address %q", ErrConnectivity, address)
	}
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port), nil
}
