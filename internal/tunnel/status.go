package tunnel

import (
	"strconv"
	"time"

	"wgbroker/internal/ipc"
)

// ConnectionState is the user-facing tunnel state.
type ConnectionState int

const (
	Unprotected ConnectionState = iota
	Connecting
	Protected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Unprotected:
		return "Unprotected"
	case Connecting:
		return "Connecting"
	case Protected:
		return "Protected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "ConnectionState(" + strconv.Itoa(int(s)) + ")"
	}
}

// Stability is the verdict on a Protected tunnel's health.
type Stability int

const (
	// StabilityUnknown means nobody has classified the sample yet.
	StabilityUnknown Stability = iota
	Stable
	Unstable
	NoSignal
)

func (s Stability) String() string {
	switch s {
	case Stable:
		return "Stable"
	case Unstable:
		return "Unstable"
	case NoSignal:
		return "NoSignal"
	default:
		return "Unknown"
	}
}

// ConnectionStatus is one immutable poll result.
type ConnectionStatus struct {
	State         ConnectionState
	RxBytes       uint64
	TxBytes       uint64
	LastHandshake time.Time // zero when no handshake has completed
	Stability     Stability
	// HasCounters is false when the state was synthesized without reading
	// the driver.
	HasCounters bool
	// ErrorCode carries the broker's connectivity error, if any.
	ErrorCode string
}

// WithStability returns a copy of s carrying v.
func (s ConnectionStatus) WithStability(v Stability) ConnectionStatus {
	s.Stability = v
	return s
}

// ParseStatus folds a driver "get" reply into a status. Byte counters are
// summed across peers and the most recent handshake wins. Missing or
// unparsable values count as zero.
func ParseStatus(m *ipc.Message) ConnectionStatus {
	st := ConnectionStatus{HasCounters: true}
	var hsSec, hsNsec int64
	var latest time.Time
	flushHandshake := func() {
		if hsSec > 0 {
			if t := time.Unix(hsSec, hsNsec); t.After(latest) {
				latest = t
			}
		}
		hsSec, hsNsec = 0, 0
	}

	for _, a := range m.Attrs {
		switch a.Name {
		case ipc.AttrPublicKey:
			flushHandshake()
		case ipc.AttrRxBytes:
			st.RxBytes += parseUint(a.Value)
		case ipc.AttrTxBytes:
			st.TxBytes += parseUint(a.Value)
		case ipc.AttrHandshakeSec:
			hsSec = int64(parseUint(a.Value))
		case ipc.AttrHandshakeNsec:
			hsNsec = int64(parseUint(a.Value))
		}
	}
	flushHandshake()
	st.LastHandshake = latest
	return st
}

func parseUint(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
