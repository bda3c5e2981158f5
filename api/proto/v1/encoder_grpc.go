package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName                                = "video_encoding.VideoEncodingService"
	VideoEncodingService_EncodeChunk_FullMethod = "/video_encoding.VideoEncodingService/EncodeChunk"
)

// VideoEncodingServiceClient is the client API for VideoEncodingService.
type VideoEncodingServiceClient interface {
	EncodeChunk(ctx context.Context, in *EncodeChunkRequest, opts ...grpc.CallOption) (*EncodeChunkResponse, error)
}

type videoEncodingServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewVideoEncodingServiceClient wraps an established connection.
func NewVideoEncodingServiceClient(cc grpc.ClientConnInterface) VideoEncodingServiceClient {
	return &videoEncodingServiceClient{cc: cc}
}

func (c *videoEncodingServiceClient) EncodeChunk(ctx context.Context, in *EncodeChunkRequest, opts ...grpc.CallOption) (*EncodeChunkResponse, error) {
	out := new(EncodeChunkResponse)
	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, VideoEncodingService_EncodeChunk_FullMethod, in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

// VideoEncodingServiceServer is the server API for VideoEncodingService.
type VideoEncodingServiceServer interface {
	EncodeChunk(context.Context, *EncodeChunkRequest) (*EncodeChunkResponse, error)
}

// UnimplementedVideoEncodingServiceServer can be embedded for forward
// compatibility.
type UnimplementedVideoEncodingServiceServer struct{}

func (UnimplementedVideoEncodingServiceServer) EncodeChunk(context.Context, *EncodeChunkRequest) (*EncodeChunkResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method EncodeChunk not implemented")
}

// RegisterVideoEncodingServiceServer attaches srv to a gRPC server.
func RegisterVideoEncodingServiceServer(s grpc.ServiceRegistrar, srv VideoEncodingServiceServer) {
	s.RegisterService(&VideoEncodingService_ServiceDesc, srv)
}

func _VideoEncodingService_EncodeChunk_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(EncodeChunkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VideoEncodingServiceServer).EncodeChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: VideoEncodingService_EncodeChunk_FullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VideoEncodingServiceServer).EncodeChunk(ctx, req.(*EncodeChunkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// VideoEncodingService_ServiceDesc describes the service for grpc.Server.
var VideoEncodingService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VideoEncodingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "EncodeChunk",
			Handler:    _VideoEncodingService_EncodeChunk_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "encoder.proto",
}
