package diag

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"wgbroker/internal/core"
	"wgbroker/internal/ringlog"
	"wgbroker/internal/service"
)

const followInterval = 250 * time.Millisecond

// SnapshotSource provides the current connection snapshot.
type SnapshotSource interface {
	Snapshot() service.Snapshot
}

// LogSource is the ring log as seen by followers.
type LogSource interface {
	FollowFromCursor(cursor uint32) ([]ringlog.FollowLine, uint32)
}

// Service implements DiagnosticsServer.
type Service struct {
	snapshots SnapshotSource
	logs      LogSource
	tracker   *ClientTracker
	interval  time.Duration
}

// NewService creates the diagnostics implementation. Either source may be
// nil, in which case the matching RPC reports Unavailable.
func NewService(snapshots SnapshotSource, logs LogSource, tracker *ClientTracker) *Service {
	return &Service{snapshots: snapshots, logs: logs, tracker: tracker, interval: followInterval}
}

// Status returns the latest engine snapshot as a flat struct.
func (s *Service) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.snapshots == nil {
		return nil, status.Error(codes.Unavailable, "no connection engine in this process")
	}
	fields := SnapshotFields(s.snapshots.Snapshot())
	if s.tracker != nil {
		fields["diag_clients"] = s.tracker.ActiveCount()
	}
	return structpb.NewStruct(fields)
}

// FollowLog replays the ring and then streams new lines until the client
// goes away.
func (s *Service) FollowLog(_ *emptypb.Empty, stream LogStream) error {
	if s.logs == nil {
		return status.Error(codes.Unavailable, "no ring log in this process")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	cursor := ringlog.CursorAll
	for {
		var lines []ringlog.FollowLine
		lines, cursor = s.logs.FollowFromCursor(cursor)
		for _, l := range lines {
			msg := wrapperspb.String(ringlog.FormatStamp(l.Stamp) + ": " + l.Line)
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SnapshotFields flattens a snapshot into JSON-compatible values.
func SnapshotFields(snap service.Snapshot) map[string]any {
	fields := map[string]any{
		"state":          snap.State.String(),
		"stability":      snap.Stability.String(),
		"server":         snap.Server,
		"captive_portal": snap.CaptivePortal,
		"rx_rate":        snap.RxRate,
		"tx_rate":        snap.TxRate,
		"rx_total":       snap.RxTotal,
		"tx_total":       snap.TxTotal,
		"elapsed":        snap.Elapsed,
	}
	if !snap.LastHandshake.IsZero() {
		fields["last_handshake"] = snap.LastHandshake.UTC().Format(time.RFC3339)
	}
	if snap.Status.ErrorCode != "" {
		fields["error_code"] = snap.Status.ErrorCode
	}
	if snap.Switching != nil {
		fields["switching_from"] = snap.Switching.From
		fields["switching_to"] = snap.Switching.To
	}
	return fields
}

// Server wraps a gRPC server on a local listener.
type Server struct {
	grpc *grpc.Server
}

// NewServer registers svc on a new gRPC server. A non-nil tracker counts
// connected clients through interceptors.
func NewServer(svc DiagnosticsServer, tracker *ClientTracker, opts ...grpc.ServerOption) *Server {
	if tracker != nil {
		opts = append(opts,
			grpc.UnaryInterceptor(tracker.UnaryInterceptor()),
			grpc.StreamInterceptor(tracker.StreamInterceptor()),
		)
	}
	gs := grpc.NewServer(opts...)
	Register(gs, svc)
	return &Server{grpc: gs}
}

// ListenAndServe opens the local endpoint at addr and serves until Stop.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := Listen(addr)
	if err != nil {
		return fmt.Errorf("diag: listen %s: %w", addr, err)
	}
	core.Log.Infof("Diag", "Serving diagnostics on %s", addr)
	return s.Serve(ln)
}

// Serve accepts connections on ln. Blocks until Stop.
func (s *Server) Serve(ln net.Listener) error {
	return s.grpc.Serve(ln)
}

// Stop closes every stream and the listener immediately. Followers never
// finish on their own, so a graceful stop would hang.
func (s *Server) Stop() {
	s.grpc.Stop()
}
