package diag

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"

	"wgbroker/internal/core"
)

// ClientTracker counts in-flight diagnostics RPCs. Log followers hold their
// stream open, so the count is the number of attached followers plus any
// unary calls in progress.
type ClientTracker struct {
	active atomic.Int64
}

// NewClientTracker returns an empty tracker.
func NewClientTracker() *ClientTracker {
	return &ClientTracker{}
}

// ActiveCount returns the current number of active RPCs.
func (ct *ClientTracker) ActiveCount() int64 {
	return ct.active.Load()
}

func (ct *ClientTracker) inc(method string) {
	if ct.active.Add(1) == 1 {
		core.Log.Debugf("Diag", "Client attached (%s)", method)
	}
}

func (ct *ClientTracker) dec() {
	if ct.active.Add(-1) == 0 {
		core.Log.Debugf("Diag", "All clients detached")
	}
}

// UnaryInterceptor returns a unary server interceptor that tracks active RPCs.
func (ct *ClientTracker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ct.inc(info.FullMethod)
		defer ct.dec()
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a stream server interceptor that tracks active streams.
func (ct *ClientTracker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ct.inc(info.FullMethod)
		defer ct.dec()
		return handler(srv, ss)
	}
}
