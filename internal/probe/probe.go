// Package probe defines the probe descriptor and its textual wire format.
//
// A probe line is the unit exchanged with operators and carried in
// probe-work messages: `dst_addr,src_port,dst_port,ttl,protocol`. A target
// line is the higher-level form submitted by operators:
// `prefix,protocol,min_ttl,max_ttl,n_flows`.
package probe

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Protocol identifies the probe transport, using IANA protocol numbers.
type Protocol uint8

const (
	ICMP   Protocol = 1
	UDP    Protocol = 17
	ICMPv6 Protocol = 58
)

// String returns the textual protocol tag used on the wire.
func (p Protocol) String() string {
	switch p {
	case ICMP:
		return "icmp"
	case UDP:
		return "udp"
	case ICMPv6:
		return "icmpv6"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// ParseProtocol decodes a textual protocol tag.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "icmp":
		return ICMP, nil
	case "icmpv6":
		return ICMPv6, nil
	case "udp":
		return UDP, nil
	default:
		return 0, fmt.Errorf("invalid protocol: %q", s)
	}
}

// Probe is one measurement unit. Immutable once parsed.
type Probe struct {
	DstAddr  netip.Addr
	SrcPort  uint16
	DstPort  uint16
	TTL      uint8
	Protocol Protocol
}

// SpecError reports a probe or target line that does not match the
// recognized grammar. Line is 1-based when parsing multi-line input and
// zero when the caller parsed a single line.
type SpecError struct {
	Line  int
	Field string
	Err   error
}

func (e *SpecError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed probe spec at line %d, field %q: %v", e.Line, e.Field, e.Err)
	}
	return fmt.Sprintf("malformed probe spec, field %q: %v", e.Field, e.Err)
}

func (e *SpecError) Unwrap() error { return e.Err }

// Parse decodes a single probe line of the form
// `dst_addr,src_port,dst_port,ttl,protocol`.
func Parse(line string) (Probe, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 5 {
		return Probe{}, &SpecError{Field: "line", Err: fmt.Errorf("expected 5 fields, got %d", len(fields))}
	}

	dst, err := netip.ParseAddr(strings.TrimSpace(fields[0]))
	if err != nil {
		return Probe{}, &SpecError{Field: "dst_addr", Err: err}
	}
	srcPort, err := parsePort(fields[1])
	if err != nil {
		return Probe{}, &SpecError{Field: "src_port", Err: err}
	}
	dstPort, err := parsePort(fields[2])
	if err != nil {
		return Probe{}, &SpecError{Field: "dst_port", Err: err}
	}
	ttl, err := parseTTL(fields[3])
	if err != nil {
		return Probe{}, &SpecError{Field: "ttl", Err: err}
	}
	proto, err := ParseProtocol(strings.TrimSpace(fields[4]))
	if err != nil {
		return Probe{}, &SpecError{Field: "protocol", Err: err}
	}

	return Probe{
		DstAddr:  dst,
		SrcPort:  srcPort,
		DstPort:  dstPort,
		TTL:      ttl,
		Protocol: proto,
	}, nil
}

// String is the exact inverse of Parse.
func (p Probe) String() string {
	return fmt.Sprintf("%s,%d,%d,%d,%s", p.DstAddr, p.SrcPort, p.DstPort, p.TTL, p.Protocol)
}

// ParseLines decodes newline-separated probe lines, skipping blank lines.
// The returned SpecError carries the 1-based offending line number.
func ParseLines(text string) ([]Probe, error) {
	var probes []Probe
	for i, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, err := Parse(line)
		if err != nil {
			var spec *SpecError
			if errors.As(err, &spec) {
				spec.Line = i + 1
				return nil, spec
			}
			return nil, err
		}
		probes = append(probes, p)
	}
	return probes, nil
}

// EncodeLines serializes probes into the newline-separated payload form.
func EncodeLines(probes []Probe) string {
	lines := make([]string, len(probes))
	for i, p := range probes {
		lines[i] = p.String()
	}
	return strings.Join(lines, "\n")
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func parseTTL(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}
