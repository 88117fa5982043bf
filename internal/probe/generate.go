package probe

import (
	"fmt"
	"math/rand"
	"net/netip"
)

const (
	defaultSrcPort = 24000
	defaultDstPort = 33434

	// Prefixes wider than these are split before host enumeration so
	// that flow destinations spread across customer-sized subnets.
	v4SplitLen = 24
	v6SplitLen = 64
)

// Generate expands a target into the ordered probe sequence to execute:
// the prefix is split into /24s (IPv4) or /64s (IPv6), one destination
// host is taken per flow, and each flow gets the full TTL ladder in a
// shuffled order so that path changes mid-trace skew fewer measurements.
func Generate(t Target, rng *rand.Rand) ([]Probe, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	subnets, err := splitPrefix(t.Prefix)
	if err != nil {
		return nil, err
	}

	var probes []Probe
	for _, subnet := range subnets {
		hosts := hostCount(subnet)
		if t.NFlows > hosts {
			return nil, fmt.Errorf("prefix %s has %d hosts, fewer than the %d requested flows", subnet, hosts, t.NFlows)
		}

		addr := subnet.Addr()
		for flow := uint64(0); flow < t.NFlows; flow++ {
			ttls := ttlLadder(t.MinTTL, t.MaxTTL)
			rng.Shuffle(len(ttls), func(i, j int) {
				ttls[i], ttls[j] = ttls[j], ttls[i]
			})

			for _, ttl := range ttls {
				probes = append(probes, Probe{
					DstAddr:  addr,
					SrcPort:  defaultSrcPort,
					DstPort:  defaultDstPort,
					TTL:      ttl,
					Protocol: t.Protocol,
				})
			}
			addr = addr.Next()
		}
	}

	return probes, nil
}

// splitPrefix divides a prefix into /24s or /64s. Prefixes already at
// least that long are returned unchanged.
func splitPrefix(prefix netip.Prefix) ([]netip.Prefix, error) {
	splitLen := v4SplitLen
	if prefix.Addr().Is6() && !prefix.Addr().Is4In6() {
		splitLen = v6SplitLen
	}
	if prefix.Bits() >= splitLen {
		return []netip.Prefix{prefix.Masked()}, nil
	}

	count := uint64(1) << uint(splitLen-prefix.Bits())
	if count > 1<<20 {
		return nil, fmt.Errorf("prefix %s expands to %d subnets, refusing", prefix, count)
	}

	subnets := make([]netip.Prefix, 0, count)
	addr := prefix.Masked().Addr()
	for i := uint64(0); i < count; i++ {
		subnet := netip.PrefixFrom(addr, splitLen)
		subnets = append(subnets, subnet)
		addr = nextSubnet(subnet)
	}
	return subnets, nil
}

// nextSubnet returns the first address after the given subnet.
func nextSubnet(p netip.Prefix) netip.Addr {
	addr := p.Addr()
	hostBits := uint(addr.BitLen() - p.Bits())

	if addr.Is4() {
		raw := addr.As4()
		idx := 3 - int(hostBits/8)
		carry := uint16(1) << (hostBits % 8)
		for idx >= 0 && carry > 0 {
			sum := uint16(raw[idx]) + carry
			raw[idx] = byte(sum)
			carry = sum >> 8
			idx--
		}
		return netip.AddrFrom4(raw)
	}

	raw := addr.As16()
	idx := 15 - int(hostBits/8)
	carry := uint16(1) << (hostBits % 8)
	for idx >= 0 && carry > 0 {
		sum := uint16(raw[idx]) + carry
		raw[idx] = byte(sum)
		carry = sum >> 8
		idx--
	}
	return netip.AddrFrom16(raw)
}

func hostCount(p netip.Prefix) uint64 {
	hostBits := p.Addr().BitLen() - p.Bits()
	if hostBits >= 64 {
		return ^uint64(0)
	}
	return uint64(1) << uint(hostBits)
}

func ttlLadder(min, max uint8) []uint8 {
	ttls := make([]uint8, 0, int(max)-int(min)+1)
	for t := int(min); t <= int(max); t++ {
		ttls = append(ttls, uint8(t))
	}
	return ttls
}
