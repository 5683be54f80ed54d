package diag

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"wgbroker/internal/ringlog"
	"wgbroker/internal/service"
	"wgbroker/internal/tunnel"
)

type staticSnapshot struct{ snap service.Snapshot }

func (s staticSnapshot) Snapshot() service.Snapshot { return s.snap }

func startServer(t *testing.T, svc *Service, tracker *ClientTracker) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(svc, tracker)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := NewClient("bufnet", func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStatus(t *testing.T) {
	snap := service.Snapshot{
		State:         tunnel.Protected,
		Stability:     tunnel.Unstable,
		Server:        "Amsterdam",
		RxRate:        "1.0 KiB/s",
		Elapsed:       "00:00:42",
		LastHandshake: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Switching:     &service.SwitchInfo{From: "Amsterdam", To: "Berlin"},
	}
	tracker := NewClientTracker()
	c := startServer(t, NewService(staticSnapshot{snap}, nil, tracker), tracker)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := map[string]any{
		"state":          "Protected",
		"stability":      "Unstable",
		"server":         "Amsterdam",
		"rx_rate":        "1.0 KiB/s",
		"elapsed":        "00:00:42",
		"last_handshake": "2026-01-02T03:04:05Z",
		"switching_to":   "Berlin",
		"captive_portal": false,
		"diag_clients":   float64(1),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	if tracker.ActiveCount() != 0 {
		t.Errorf("active = %d after call", tracker.ActiveCount())
	}
}

func TestUnavailableSources(t *testing.T) {
	c := startServer(t, NewService(nil, nil, nil), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Status(ctx); status.Code(err) != codes.Unavailable {
		t.Errorf("Status err = %v", err)
	}
	f, err := c.FollowLog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Recv(); status.Code(err) != codes.Unavailable {
		t.Errorf("FollowLog err = %v", err)
	}
}

func TestFollowLog(t *testing.T) {
	rl, err := ringlog.Open(filepath.Join(t.TempDir(), "log.bin"), 16)
	if err != nil {
		t.Fatal(err)
	}
	defer rl.Close()
	rl.Write("Broker", "first")
	rl.Write("Engine", "second")

	svc := NewService(nil, rl, nil)
	svc.interval = 5 * time.Millisecond
	tracker := NewClientTracker()
	c := startServer(t, svc, tracker)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := c.FollowLog(ctx)
	if err != nil {
		t.Fatal(err)
	}

	recv := func() string {
		t.Helper()
		line, err := f.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		return line
	}
	if l := recv(); !strings.HasSuffix(l, ": [Broker] first") {
		t.Errorf("line 1 = %q", l)
	}
	if l := recv(); !strings.HasSuffix(l, ": [Engine] second") {
		t.Errorf("line 2 = %q", l)
	}

	rl.Write("Tunnel", "third")
	if l := recv(); !strings.HasSuffix(l, ": [Tunnel] third") {
		t.Errorf("line 3 = %q", l)
	}
	if tracker.ActiveCount() != 1 {
		t.Errorf("active = %d while following", tracker.ActiveCount())
	}
}

func TestListenUnix(t *testing.T) {
	if filepath.Separator != '/' {
		t.Skip("unix sockets only")
	}
	addr := filepath.Join(t.TempDir(), "diag.sock")
	srv := NewServer(NewService(staticSnapshot{service.Snapshot{State: tunnel.Connecting}}, nil, nil), nil)
	ln, err := Listen(addr)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	defer srv.Stop()

	c, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got["state"] != "Connecting" {
		t.Errorf("state = %v", got["state"])
	}
}
