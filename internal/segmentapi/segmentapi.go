// Package segmentapi describes the segmask.v1.Segmenter gRPC service.
//
// Messages are protobuf well-known types:
//
//	SetImage(BytesValue{png}) -> Empty
//	QueryPoint(Struct{x, y}) -> BytesValue{grayscale png mask}
//	Release(Empty) -> Empty
//
// Every call carries the caller's session id in the SessionHeader metadata key.
package segmentapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "segmask.v1.Segmenter"

	SetImageMethod   = "/" + ServiceName + "/SetImage"
	QueryPointMethod = "/" + ServiceName + "/QueryPoint"
	ReleaseMethod    = "/" + ServiceName + "/Release"

	// SessionHeader binds calls to one primed backend on the server.
	SessionHeader = "x-segmenter-session"

	// MaxMessageSize applies to both directions.
	MaxMessageSize = 20 * 1024 * 1024
)

// SegmenterServer is implemented by the segmenter worker.
type SegmenterServer interface {
	SetImage(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	QueryPoint(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	Release(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// RegisterSegmenterServer attaches srv to a gRPC server.
func RegisterSegmenterServer(s grpc.ServiceRegistrar, srv SegmenterServer) {
	s.RegisterService(&serviceDesc, srv)
}

// WithSession attaches a session id to outgoing calls.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, SessionHeader, sessionID)
}

// SessionFromContext extracts the session id from incoming metadata.
func SessionFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.InvalidArgument, "missing metadata")
	}
	values := md.Get(SessionHeader)
	if len(values) == 0 || values[0] == "" {
		return "", status.Errorf(codes.InvalidArgument, "missing %s header", SessionHeader)
	}
	return values[0], nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SegmenterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SetImage", Handler: setImageHandler},
		{MethodName: "QueryPoint", Handler: queryPointHandler},
		{MethodName: "Release", Handler: releaseHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "segmask/v1/segmenter",
}

func setImageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmenterServer).SetImage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SetImageMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SegmenterServer).SetImage(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func queryPointHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmenterServer).QueryPoint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: QueryPointMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SegmenterServer).QueryPoint(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func releaseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmenterServer).Release(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReleaseMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SegmenterServer).Release(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
