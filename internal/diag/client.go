package diag

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const defaultDialTimeout = 5 * time.Second

// Client talks to a running diagnostics endpoint.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the local endpoint at addr.
func Dial(addr string) (*Client, error) {
	return NewClient(addr, func(ctx context.Context, _ string) (net.Conn, error) {
		return dial(ctx, addr, defaultDialTimeout)
	})
}

// NewClient connects through dialer. The target is only used as a label.
func NewClient(target string, dialer func(context.Context, string) (net.Conn, error)) (*Client, error) {
	conn, err := grpc.NewClient(
		"passthrough:///"+target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, fmt.Errorf("diag: dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Status fetches the current connection snapshot.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, statusMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// LogFollower receives formatted ring-log lines.
type LogFollower struct {
	stream grpc.ClientStream
}

// FollowLog opens a log stream. Cancel ctx to end it.
func (c *Client) FollowLog(ctx context.Context) (*LogFollower, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], followLogMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &LogFollower{stream: stream}, nil
}

// Recv blocks for the next line. It returns io.EOF when the server ends
// the stream.
func (f *LogFollower) Recv() (string, error) {
	m := new(wrapperspb.StringValue)
	if err := f.stream.RecvMsg(m); err != nil {
		return "", err
	}
	return m.GetValue(), nil
}

// Close shuts down the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
