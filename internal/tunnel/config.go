package tunnel

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

// DefaultMTU is used when the [Interface] section sets none.
const DefaultMTU = 1420

// Peer is one [Peer] section with keys already converted to hex.
type Peer struct {
	PublicKey    string
	PresharedKey string
	Endpoint     string
	AllowedIPs   []string
	Keepalive    int
}

// DriverConfig is a parsed wg-quick style configuration.
type DriverConfig struct {
	PrivateKey string
	ListenPort int
	Addresses  []netip.Prefix
	DNS        []netip.Addr
	MTU        int
	Peers      []Peer
}

// ParseConfigFile reads a .conf file from disk.
func ParseConfigFile(path string) (*DriverConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig reads a wg-quick style configuration. Unknown keys, comments
// and "@"-prefixed extension lines are ignored.
func ParseConfig(r io.Reader) (*DriverConfig, error) {
	cfg := &DriverConfig{MTU: DefaultMTU}
	var peer *Peer
	section := ""

	flush := func() error {
		if peer == nil {
			return nil
		}
		if peer.PublicKey == "" {
			return fmt.Errorf("[Peer] section without PublicKey")
		}
		cfg.Peers = append(cfg.Peers, *peer)
		peer = nil
		return nil
	}

	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			line = strings.TrimPrefix(line, "\xEF\xBB\xBF")
			first = false
		}
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' || line[0] == ';' || line[0] == '@' {
			continue
		}

		if line[0] == '[' {
			if err := flush(); err != nil {
				return nil, err
			}
			section = strings.ToLower(strings.Trim(line, "[] "))
			if section == "peer" {
				peer = &Peer{}
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		var err error
		switch section {
		case "interface":
			err = cfg.setInterfaceKey(key, value)
		case "peer":
			err = peer.setKey(key, value)
		}
		if err != nil {
			return nil, fmt.Errorf("[%s] %s: %w", section, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("[Interface] PrivateKey missing")
	}
	return cfg, nil
}

func (c *DriverConfig) setInterfaceKey(key, value string) error {
	switch key {
	case "privatekey":
		h, err := base64ToHex(value)
		if err != nil {
			return err
		}
		c.PrivateKey = h
	case "listenport":
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid port %q", value)
		}
		c.ListenPort = int(port)
	case "address":
		for _, s := range splitCSV(value) {
			prefix, err := netip.ParsePrefix(s)
			if err != nil {
				addr, err := netip.ParseAddr(s)
				if err != nil {
					return fmt.Errorf("invalid address %q", s)
				}
				prefix = netip.PrefixFrom(addr, addr.BitLen())
			}
			c.Addresses = append(c.Addresses, prefix)
		}
	case "dns":
		for _, s := range splitCSV(value) {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return fmt.Errorf("invalid DNS %q", s)
			}
			c.DNS = append(c.DNS, addr)
		}
	case "mtu":
		mtu, err := strconv.Atoi(value)
		if err != nil || mtu < 576 || mtu > 65535 {
			return fmt.Errorf("invalid MTU %q", value)
		}
		c.MTU = mtu
	}
	return nil
}

func (p *Peer) setKey(key, value string) error {
	switch key {
	case "publickey":
		h, err := base64ToHex(value)
		if err != nil {
			return err
		}
		p.PublicKey = h
	case "presharedkey":
		h, err := base64ToHex(value)
		if err != nil {
			return err
		}
		p.PresharedKey = h
	case "endpoint":
		p.Endpoint = value
	case "allowedips":
		for _, s := range splitCSV(value) {
			if _, err := netip.ParsePrefix(s); err != nil {
				return fmt.Errorf("invalid allowed IP %q", s)
			}
			p.AllowedIPs = append(p.AllowedIPs, s)
		}
	case "persistentkeepalive":
		if value == "off" {
			return nil
		}
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid keepalive %q", value)
		}
		p.Keepalive = int(n)
	}
	return nil
}

// UAPI renders the configuration as a "set" body for the driver. public_key
// always starts a peer block.
func (c *DriverConfig) UAPI() string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", c.PrivateKey)
	if c.ListenPort != 0 {
		fmt.Fprintf(&b, "listen_port=%d\n", c.ListenPort)
	}
	if len(c.Peers) > 0 {
		b.WriteString("replace_peers=true\n")
	}
	for _, p := range c.Peers {
		fmt.Fprintf(&b, "public_key=%s\n", p.PublicKey)
		if p.PresharedKey != "" {
			fmt.Fprintf(&b, "preshared_key=%s\n", p.PresharedKey)
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
		}
		if p.Keepalive != 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", p.Keepalive)
		}
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", ip)
		}
	}
	return b.String()
}

func base64ToHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}
	if len(raw) != KeySize {
		return "", fmt.Errorf("key is %d bytes, want %d", len(raw), KeySize)
	}
	return hex.EncodeToString(raw), nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
