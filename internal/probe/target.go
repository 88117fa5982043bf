package probe

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Target is an operator-level probing request: a destination prefix (a
// bare address parses as a /32 or /128), protocol, TTL range and the
// number of flows (5-tuple variations) to trace toward the prefix.
type Target struct {
	Prefix   netip.Prefix
	Protocol Protocol
	MinTTL   uint8
	MaxTTL   uint8
	NFlows   uint64
}

// ParseTarget decodes a target line of the form
// `prefix,protocol,min_ttl,max_ttl,n_flows`. An "icmp" tag on an IPv6
// prefix resolves to ICMPv6.
func ParseTarget(line string) (Target, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 5 {
		return Target{}, &SpecError{Field: "line", Err: fmt.Errorf("expected 5 fields, got %d", len(fields))}
	}

	prefix, err := parsePrefixOrAddr(strings.TrimSpace(fields[0]))
	if err != nil {
		return Target{}, &SpecError{Field: "prefix", Err: err}
	}

	proto, err := ParseProtocol(strings.TrimSpace(fields[1]))
	if err != nil {
		return Target{}, &SpecError{Field: "protocol", Err: err}
	}
	if proto == ICMP && prefix.Addr().Is6() && !prefix.Addr().Is4In6() {
		proto = ICMPv6
	}

	minTTL, err := parseTTL(fields[2])
	if err != nil {
		return Target{}, &SpecError{Field: "min_ttl", Err: err}
	}
	maxTTL, err := parseTTL(fields[3])
	if err != nil {
		return Target{}, &SpecError{Field: "max_ttl", Err: err}
	}
	if minTTL > maxTTL {
		return Target{}, &SpecError{Field: "min_ttl", Err: fmt.Errorf("min_ttl %d exceeds max_ttl %d", minTTL, maxTTL)}
	}

	nFlows, err := strconv.ParseUint(strings.TrimSpace(fields[4]), 10, 64)
	if err != nil {
		return Target{}, &SpecError{Field: "n_flows", Err: err}
	}
	if nFlows == 0 {
		return Target{}, &SpecError{Field: "n_flows", Err: fmt.Errorf("n_flows must be positive")}
	}

	return Target{
		Prefix:   prefix,
		Protocol: proto,
		MinTTL:   minTTL,
		MaxTTL:   maxTTL,
		NFlows:   nFlows,
	}, nil
}

// String is the exact inverse of ParseTarget: single-address prefixes
// render as the bare address they were parsed from.
func (t Target) String() string {
	dest := t.Prefix.String()
	if t.Prefix.IsSingleIP() {
		dest = t.Prefix.Addr().String()
	}
	return fmt.Sprintf("%s,%s,%d,%d,%d", dest, t.Protocol, t.MinTTL, t.MaxTTL, t.NFlows)
}

func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
