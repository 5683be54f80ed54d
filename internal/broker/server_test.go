package broker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wgbroker/internal/ipc"
	"wgbroker/internal/winsvc"
)

type fakeManager struct {
	mu         sync.Mutex
	installed  []string
	removed    int
	installErr error
}

func (m *fakeManager) InstallAndStart(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed = append(m.installed, path)
	return m.installErr
}

func (m *fakeManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.installed) > m.removed
}

func (m *fakeManager) StopAndRemove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed++
	return nil
}

type fakeProber struct {
	portal bool
	err    error
}

func (p *fakeProber) Detect(context.Context) (bool, error) { return p.portal, p.err }

// serverPair attaches srv to one end of a pipe and returns a transport on the
// other end.
func serverPair(t *testing.T, srv *Server) *ipc.Transport {
	t.Helper()
	a, b := net.Pipe()
	st := ipc.NewTransport("helper", b)
	srv.Attach(st)
	st.Start()
	ct := ipc.NewTransport("ui", a)
	ct.Start()
	t.Cleanup(func() {
		ct.Close()
		st.Close()
	})
	return ct
}

func request(t *testing.T, ct *ipc.Transport, msg *ipc.Message) *ipc.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := ct.Request(ctx, msg)
	if err != nil {
		t.Fatalf("%s: %v", msg.Command, err)
	}
	return reply
}

func driverAnswering(response string, requests chan<- string) func(string, time.Duration) (net.Conn, error) {
	return func(name string, _ time.Duration) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			var req strings.Builder
			r := bufio.NewReader(server)
			for {
				line, err := r.ReadString('\n')
				if err != nil || line == "\n" {
					break
				}
				req.WriteString(line)
			}
			if requests != nil {
				requests <- name + ":" + req.String()
			}
			io.WriteString(server, response)
		}()
		return client, nil
	}
}

func TestServerConnectAndDisconnect(t *testing.T) {
	svc := &fakeManager{}
	srv := NewServer(svc, "wg0", testTimings(), nil)
	ct := serverPair(t, srv)

	reply := request(t, ct, ipc.NewMessage(ipc.CmdConnect).Add(ipc.AttrConfigPath, "/etc/wg0.conf"))
	if reply.Has(ipc.AttrError) {
		t.Errorf("unexpected error %v", reply.Attrs)
	}
	if len(svc.installed) != 1 || svc.installed[0] != "/etc/wg0.conf" {
		t.Errorf("installed = %v", svc.installed)
	}

	request(t, ct, ipc.NewMessage(ipc.CmdDisconnect))
	if svc.removed != 1 {
		t.Errorf("removed = %d", svc.removed)
	}
}

func TestServerConnectReportsServiceError(t *testing.T) {
	svc := &fakeManager{installErr: &winsvc.ServiceError{Op: "start service", Err: errors.New("boom")}}
	ct := serverPair(t, NewServer(svc, "wg0", testTimings(), nil))

	reply := request(t, ct, ipc.NewMessage(ipc.CmdConnect).Add(ipc.AttrConfigPath, "/x.conf"))
	if v, _ := reply.Get(ipc.AttrError); !strings.Contains(v, "boom") {
		t.Errorf("error = %q", v)
	}

	reply = request(t, ct, ipc.NewMessage(ipc.CmdConnect))
	if !reply.Has(ipc.AttrError) {
		t.Error("missing config_path accepted")
	}
}

func TestServerRequestPid(t *testing.T) {
	srv := NewServer(&fakeManager{}, "wg0", testTimings(), nil)
	srv.pid = 31337
	ct := serverPair(t, srv)
	if v, _ := request(t, ct, ipc.NewMessage(ipc.CmdRequestPid)).Get(ipc.AttrPid); v != "31337" {
		t.Errorf("pid = %q", v)
	}
}

func TestServerRelaysStatus(t *testing.T) {
	srv := NewServer(&fakeManager{}, "wg0", testTimings(), nil)
	reqs := make(chan string, 1)
	srv.dial = driverAnswering("public_key=aa\nrx_bytes=7\nerrno=0\n\n", reqs)
	ct := serverPair(t, srv)

	reply := request(t, ct, ipc.NewMessage(ipc.CmdConnectionStatus))
	if v, _ := reply.Get(ipc.AttrRxBytes); v != "7" {
		t.Errorf("rx_bytes = %q (%v)", v, reply.Attrs)
	}
	if got := <-reqs; got != "wg0:get=1\n" {
		t.Errorf("driver saw %q", got)
	}
}

func TestServerStatusErrorCode(t *testing.T) {
	srv := NewServer(&fakeManager{}, "wg0", testTimings(), nil)
	srv.dial = func(string, time.Duration) (net.Conn, error) { return nil, errors.New("no pipe") }
	ct := serverPair(t, srv)

	reply := request(t, ct, ipc.NewMessage(ipc.CmdConnectionStatus))
	if !reply.Has(ipc.AttrErrorCode) {
		t.Errorf("reply = %v, want error_code", reply.Attrs)
	}

	srv.dial = driverAnswering("errno=-5\n\n", nil)
	reply = request(t, ct, ipc.NewMessage(ipc.CmdConnectionStatus))
	if v, _ := reply.Get(ipc.AttrErrorCode); v != "-5" {
		t.Errorf("error_code = %q", v)
	}
}

func TestServerRelaysSetConfig(t *testing.T) {
	srv := NewServer(&fakeManager{}, "wg0", testTimings(), nil)
	reqs := make(chan string, 1)
	srv.dial = driverAnswering("errno=0\n\n", reqs)
	ct := serverPair(t, srv)

	msg := ipc.NewMessage(ipc.CmdSetTunnelConfig).Add(ipc.AttrReplacePeers, "true").Add(ipc.AttrPublicKey, "ab")
	if ipc.Errno(request(t, ct, msg)) != 0 {
		t.Error("relay reported failure")
	}
	if got := <-reqs; got != "wg0:set=1\nreplace_peers=true\npublic_key=ab\n" {
		t.Errorf("driver saw %q", got)
	}
}

func TestServerCaptivePortal(t *testing.T) {
	ct := serverPair(t, NewServer(&fakeManager{}, "wg0", testTimings(), &fakeProber{portal: false}))
	if v, _ := request(t, ct, ipc.NewMessage(ipc.CmdDetectCaptivePortal)).Get(ipc.AttrPortal); v != "false" {
		t.Errorf("captive_portal = %q", v)
	}

	ct = serverPair(t, NewServer(&fakeManager{}, "wg0", testTimings(), nil))
	if !request(t, ct, ipc.NewMessage(ipc.CmdDetectCaptivePortal)).Has(ipc.AttrError) {
		t.Error("disabled prober should reply with error")
	}
}

func TestHTTPProber(t *testing.T) {
	open := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer open.Close()
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://login.example/", http.StatusFound)
	}))
	defer portal.Close()

	ctx := context.Background()
	if got, err := NewHTTPProber(open.URL).Detect(ctx); err != nil || got {
		t.Errorf("open network: portal=%t err=%v", got, err)
	}
	if got, err := NewHTTPProber(portal.URL).Detect(ctx); err != nil || !got {
		t.Errorf("portal network: portal=%t err=%v", got, err)
	}
}

func TestSlowCommandsDroppedAfterWait(t *testing.T) {
	srv := NewServer(&fakeManager{}, "wg0", testTimings(), nil)
	var calls sync.WaitGroup
	ran := make(chan struct{}, 1)
	h := srv.async(nil, func(m *ipc.Message) *ipc.Message {
		ran <- struct{}{}
		return m.ReplyTo()
	})

	srv.Wait()
	calls.Add(1)
	go func() {
		defer calls.Done()
		h(ipc.NewMessage(ipc.CmdConnect))
	}()
	calls.Wait()
	srv.Wait()

	select {
	case <-ran:
		t.Fatal("handler ran after Wait")
	default:
	}
}
