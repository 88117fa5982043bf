package prober

import (
	"context"
	"net/netip"
	"time"

	"github.com/perigeehq/perigee/internal/probe"
	"github.com/perigeehq/perigee/internal/reply"
)

// dryRunRTT is the synthetic round-trip time, in milliseconds, stamped
// on every dry-run reply.
const dryRunRTT = 12

// DryRunEngine synthesizes one reply per probe without touching the
// network. It exists for configuration smoke tests and for exercising
// the full pipeline end to end.
type DryRunEngine struct {
	AgentID string
	Now     func() time.Time
}

// Probe fabricates an in-order reply for every probe: an echo reply
// from the destination itself, as if every hop answered immediately.
func (e *DryRunEngine) Probe(_ context.Context, probes []probe.Probe, srcAddr netip.Addr) ([]reply.Reply, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	replies := make([]reply.Reply, 0, len(probes))
	for _, p := range probes {
		icmpType := uint8(11)
		replyProto := probe.ICMP
		src := srcAddr
		if p.DstAddr.Is6() && !p.DstAddr.Is4In6() {
			icmpType = 3
			replyProto = probe.ICMPv6
			if !src.IsValid() {
				src = netip.IPv6Unspecified()
			}
		} else if !src.IsValid() {
			src = netip.IPv4Unspecified()
		}
		replies = append(replies, reply.Reply{
			TimeReceivedNs: uint64(now().UnixNano()),
			AgentID:        e.AgentID,
			ReplySrcAddr:   p.DstAddr,
			ReplyDstAddr:   src,
			ReplySize:      56,
			ReplyTTL:       64,
			QuotedTTL:      1,
			ReplyProtocol:  replyProto,
			ReplyICMPType:  icmpType,
			ProbeSrcAddr:   src,
			ProbeDstAddr:   p.DstAddr,
			ProbeSize:      44,
			ProbeTTL:       p.TTL,
			ProbeProtocol:  p.Protocol,
			ProbeSrcPort:   p.SrcPort,
			ProbeDstPort:   p.DstPort,
			RTT:            dryRunRTT,
		})
	}
	return replies, nil
}
