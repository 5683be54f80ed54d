// Package diag serves read-only diagnostics (connection snapshot and a live
// ring-log follow) over gRPC on a local pipe.
package diag

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName     = "wgbroker.diag.Diagnostics"
	statusMethod    = "/" + serviceName + "/Status"
	followLogMethod = "/" + serviceName + "/FollowLog"
)

// DiagnosticsServer is implemented by the process exposing diagnostics.
type DiagnosticsServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	FollowLog(*emptypb.Empty, LogStream) error
}

// LogStream is the server side of FollowLog.
type LogStream interface {
	Send(*wrapperspb.StringValue) error
	Context() context.Context
}

type logStream struct {
	grpc.ServerStream
}

func (s *logStream) Send(m *wrapperspb.StringValue) error {
	return s.ServerStream.SendMsg(m)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "FollowLog", Handler: followLogHandler, ServerStreams: true},
	},
	Metadata: "wgbroker/diag",
}

// Register attaches srv to gs.
func Register(gs *grpc.Server, srv DiagnosticsServer) {
	gs.RegisterService(&serviceDesc, srv)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiagnosticsServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DiagnosticsServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func followLogHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DiagnosticsServer).FollowLog(in, &logStream{stream})
}
