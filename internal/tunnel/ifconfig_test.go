package tunnel

import (
	"net/netip"
	"testing"
)

func commandLines(cmds []ifaceCommand) []string {
	var out []string
	for _, c := range cmds {
		out = append(out, c.String())
	}
	return out
}

func TestAddressCommands(t *testing.T) {
	addrs := []netip.Prefix{
		netip.MustParsePrefix("10.8.0.2/24"),
		netip.MustParsePrefix("fd00::2/64"),
	}
	tests := []struct {
		goos string
		want []string
	}{
		{"windows", []string{
			"netsh interface ipv4 add address name=wg0 address=10.8.0.2 mask=255.255.255.0",
			"netsh interface ipv6 add address interface=wg0 address=fd00::2/64",
		}},
		{"darwin", []string{
			"ifconfig wg0 inet 10.8.0.2/24 10.8.0.2 alias",
			"ifconfig wg0 inet6 fd00::2 prefixlen 64 alias",
		}},
		{"linux", []string{
			"ip address add 10.8.0.2/24 dev wg0",
			"ip address add fd00::2/64 dev wg0",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			got := commandLines(addressCommands(tt.goos, "wg0", addrs))
			if len(got) != len(tt.want) {
				t.Fatalf("got %q", got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("command %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDNSCommands(t *testing.T) {
	servers := []netip.Addr{
		netip.MustParseAddr("1.1.1.1"),
		netip.MustParseAddr("1.0.0.1"),
		netip.MustParseAddr("2606:4700::1111"),
	}

	win := commandLines(dnsCommands("windows", "wg0", servers))
	want := []string{
		"netsh interface ipv4 set dnsservers name=wg0 static 1.1.1.1 register=none validate=no",
		"netsh interface ipv4 add dnsservers name=wg0 1.0.0.1 index=2 validate=no",
		"netsh interface ipv6 set dnsservers name=wg0 static 2606:4700::1111 register=none validate=no",
	}
	if len(win) != len(want) {
		t.Fatalf("windows = %q", win)
	}
	for i := range win {
		if win[i] != want[i] {
			t.Errorf("windows %d = %q, want %q", i, win[i], want[i])
		}
	}

	linux := commandLines(dnsCommands("linux", "wg0", servers))
	if len(linux) != 2 || linux[0] != "resolvectl dns wg0 1.1.1.1 1.0.0.1 2606:4700::1111" {
		t.Errorf("linux = %q", linux)
	}
	if cmds := dnsCommands("darwin", "utun4", servers); cmds != nil {
		t.Errorf("darwin = %q", commandLines(cmds))
	}
	if cmds := dnsCommands("linux", "wg0", nil); cmds != nil {
		t.Errorf("no servers = %q", commandLines(cmds))
	}
}
