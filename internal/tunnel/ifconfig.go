package tunnel

import (
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"

	"wgbroker/internal/core"
)

// ifaceCommand is one external command that configures the tunnel interface.
type ifaceCommand struct {
	name string
	args []string
}

func (c ifaceCommand) String() string {
	return c.name + " " + strings.Join(c.args, " ")
}

// addressCommands assigns the [Interface] addresses on goos.
func addressCommands(goos, ifname string, addrs []netip.Prefix) []ifaceCommand {
	var cmds []ifaceCommand
	for _, p := range addrs {
		ip := p.Addr().String()
		switch goos {
		case "windows":
			if p.Addr().Is4() {
				mask := net.IP(net.CIDRMask(p.Bits(), 32)).String()
				cmds = append(cmds, ifaceCommand{"netsh", []string{"interface", "ipv4", "add", "address",
					"name=" + ifname, "address=" + ip, "mask=" + mask}})
			} else {
				cmds = append(cmds, ifaceCommand{"netsh", []string{"interface", "ipv6", "add", "address",
					"interface=" + ifname, "address=" + p.String()}})
			}
		case "darwin":
			if p.Addr().Is4() {
				cmds = append(cmds, ifaceCommand{"ifconfig", []string{ifname, "inet", p.String(), ip, "alias"}})
			} else {
				cmds = append(cmds, ifaceCommand{"ifconfig", []string{ifname, "inet6", ip,
					"prefixlen", strconv.Itoa(p.Bits()), "alias"}})
			}
		default:
			cmds = append(cmds, ifaceCommand{"ip", []string{"address", "add", p.String(), "dev", ifname}})
		}
	}
	return cmds
}

// dnsCommands points the interface at the [Interface] DNS servers on goos.
// There is no per-interface resolver command on darwin, so none is returned.
func dnsCommands(goos, ifname string, servers []netip.Addr) []ifaceCommand {
	if len(servers) == 0 {
		return nil
	}
	switch goos {
	case "windows":
		var cmds []ifaceCommand
		var n4, n6 int
		for _, s := range servers {
			family, n := "ipv4", &n4
			if s.Is6() {
				family, n = "ipv6", &n6
			}
			*n++
			if *n == 1 {
				cmds = append(cmds, ifaceCommand{"netsh", []string{"interface", family, "set", "dnsservers",
					"name=" + ifname, "static", s.String(), "register=none", "validate=no"}})
				continue
			}
			cmds = append(cmds, ifaceCommand{"netsh", []string{"interface", family, "add", "dnsservers",
				"name=" + ifname, s.String(), "index=" + strconv.Itoa(*n), "validate=no"}})
		}
		return cmds
	case "darwin":
		return nil
	default:
		args := []string{"dns", ifname}
		for _, s := range servers {
			args = append(args, s.String())
		}
		return []ifaceCommand{
			{"resolvectl", args},
			{"resolvectl", []string{"domain", ifname, "~."}},
		}
	}
}

// configureInterface applies addresses and DNS servers from cfg. Address
// failures are fatal; a DNS failure leaves the host resolver in place.
func configureInterface(goos, ifname string, cfg *DriverConfig) error {
	for _, c := range addressCommands(goos, ifname, cfg.Addresses) {
		if err := runIfaceCommand(c); err != nil {
			return err
		}
	}
	dns := dnsCommands(goos, ifname, cfg.DNS)
	if len(cfg.DNS) > 0 && len(dns) == 0 {
		core.Log.Warnf("Tunnel", "DNS servers %v are not applied on %s", cfg.DNS, goos)
	}
	for _, c := range dns {
		if err := runIfaceCommand(c); err != nil {
			core.Log.Warnf("Tunnel", "DNS setup: %v", err)
			break
		}
	}
	return nil
}

func runIfaceCommand(c ifaceCommand) error {
	core.Log.Debugf("Tunnel", "Running %s", c)
	out, err := exec.Command(c.name, c.args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s: %w", c, strings.TrimSpace(string(out)), err)
	}
	return nil
}
