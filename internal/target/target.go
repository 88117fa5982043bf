// Package target resolves the agent-addressing token supplied by
// operators into an ordered list of routing entries.
//
// The canonical form is a comma-separated list of entries, each a bare
// agent identifier or `identifier:source-address`. The older form
// passing source addresses as a separate parallel list is kept as a
// deprecated alias; the two forms cannot be combined in one call.
// Resolution is pure parsing and validation, it never touches the
// network or the log.
package target

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	// ErrNoAgentsSpecified is returned for an empty agent list.
	ErrNoAgentsSpecified = errors.New("no agents specified")

	// ErrInconsistentSourceAddressing is returned when some entries
	// carry a source address and others do not.
	ErrInconsistentSourceAddressing = errors.New("either all agents or no agents must carry a source address")

	// ErrAgentSourceIPCountMismatch is returned by the parallel-list
	// form when the address list length differs from the agent list.
	ErrAgentSourceIPCountMismatch = errors.New("number of source addresses must match the number of agents")
)

// InvalidSourceAddressError reports a source address segment that does
// not parse as an IPv4 or IPv6 literal.
type InvalidSourceAddressError struct {
	Agent string
	Raw   string
	Err   error
}

func (e *InvalidSourceAddressError) Error() string {
	return fmt.Sprintf("invalid source address %q for agent %q: %v", e.Raw, e.Agent, e.Err)
}

func (e *InvalidSourceAddressError) Unwrap() error { return e.Err }

// AgentTarget is one resolved routing entry.
type AgentTarget struct {
	AgentID string
	// SrcAddr is the optional source-address override. The zero value
	// means no override.
	SrcAddr netip.Addr
}

// HasSrcAddr reports whether the entry carries a source override.
func (t AgentTarget) HasSrcAddr() bool { return t.SrcAddr.IsValid() }

// Resolve parses the canonical token form. Entries are returned in
// input order.
func Resolve(token string) ([]AgentTarget, error) {
	entries := splitEntries(token)
	if len(entries) == 0 {
		return nil, ErrNoAgentsSpecified
	}

	targets := make([]AgentTarget, 0, len(entries))
	withAddr := 0
	for _, entry := range entries {
		id, rawAddr, found := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, ErrNoAgentsSpecified
		}

		tgt := AgentTarget{AgentID: id}
		if found {
			addr, err := parseSrcAddr(rawAddr)
			if err != nil {
				return nil, &InvalidSourceAddressError{Agent: id, Raw: rawAddr, Err: err}
			}
			tgt.SrcAddr = addr
			withAddr++
		}
		targets = append(targets, tgt)
	}

	if withAddr != 0 && withAddr != len(targets) {
		return nil, ErrInconsistentSourceAddressing
	}
	return targets, nil
}

// ResolveWithSources parses the deprecated parallel-list form: agent
// identifiers in one token, source addresses in another. An empty
// srcToken is equivalent to Resolve with no overrides.
func ResolveWithSources(agentToken, srcToken string) ([]AgentTarget, error) {
	targets, err := Resolve(agentToken)
	if err != nil {
		return nil, err
	}
	for _, tgt := range targets {
		if tgt.HasSrcAddr() {
			// Inline and parallel sources cannot be combined.
			return nil, ErrInconsistentSourceAddressing
		}
	}

	if strings.TrimSpace(srcToken) == "" {
		return targets, nil
	}

	addrs := splitEntries(srcToken)
	if len(addrs) != len(targets) {
		return nil, ErrAgentSourceIPCountMismatch
	}
	for i, raw := range addrs {
		addr, err := parseSrcAddr(raw)
		if err != nil {
			return nil, &InvalidSourceAddressError{Agent: targets[i].AgentID, Raw: raw, Err: err}
		}
		targets[i].SrcAddr = addr
	}
	return targets, nil
}

func splitEntries(token string) []string {
	var entries []string
	for _, part := range strings.Split(token, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			entries = append(entries, part)
		}
	}
	return entries
}

// parseSrcAddr accepts bare IPv4/IPv6 literals, tolerating brackets
// around IPv6 addresses since the entry separator is a colon.
func parseSrcAddr(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	return netip.ParseAddr(raw)
}
