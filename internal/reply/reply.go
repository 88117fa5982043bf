// Package reply defines the reply record emitted for every observed
// probe response and its fixed binary interchange encoding.
package reply

import (
	"net/netip"

	"github.com/perigeehq/perigee/internal/probe"
)

// MPLSLabel is one entry of the label stack quoted in a traceroute-style
// reply.
type MPLSLabel struct {
	Label         uint32
	Exp           uint8
	BottomOfStack bool
	TTL           uint8
}

// Reply is one observed probe response. This is a wire structure: every
// field is part of the binary contract with downstream ingestion and
// must round-trip exactly. Optional attributes (ICMP type/code on
// non-ICMP probes, the MPLS stack) use zero sentinels when the
// observation genuinely has no value for them.
type Reply struct {
	TimeReceivedNs uint64
	AgentID        string

	ReplySrcAddr  netip.Addr
	ReplyDstAddr  netip.Addr
	ReplyID       uint16
	ReplySize     uint16
	ReplyTTL      uint8
	QuotedTTL     uint8
	ReplyProtocol probe.Protocol
	ReplyICMPType uint8
	ReplyICMPCode uint8

	MPLSLabels []MPLSLabel

	ProbeSrcAddr  netip.Addr
	ProbeDstAddr  netip.Addr
	ProbeID       uint16
	ProbeSize     uint16
	ProbeTTL      uint8
	ProbeProtocol probe.Protocol
	ProbeSrcPort  uint16
	ProbeDstPort  uint16

	// RTT in milliseconds, as reported by the probing engine.
	RTT uint16
}

// TimeExceeded reports whether the reply is an ICMP time-exceeded
// message, i.e. an intermediate traceroute hop rather than the
// destination itself.
func (r Reply) TimeExceeded() bool {
	switch r.ReplyProtocol {
	case probe.ICMP:
		return r.ReplyICMPType == 11
	case probe.ICMPv6:
		return r.ReplyICMPType == 3
	default:
		return false
	}
}
