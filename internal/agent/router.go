package agent

import (
	"github.com/segmentio/kafka-go"

	"github.com/perigeehq/perigee/internal/broker"
)

// Decision classifies a consumed message. Every message falls into
// exactly one bucket so the consumption loop stays branch-free on the
// hot path: accepted messages do work, the other two are committed and
// forgotten.
type Decision int

const (
	// DecisionAccept means the message is addressed to this agent.
	DecisionAccept Decision = iota
	// DecisionFiltered means the message belongs to another agent.
	// Skipping it is normal operation on a shared topic, not an error.
	DecisionFiltered
	// DecisionInvalid means the headers could not be decoded.
	DecisionInvalid
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionFiltered:
		return "filtered"
	default:
		return "invalid"
	}
}

// Router decides whether a probe-work message is for this agent. It
// inspects headers only; a filtered message's payload is never parsed.
type Router struct {
	agentID string
}

// NewRouter builds a router for the given agent identity.
func NewRouter(agentID string) *Router {
	return &Router{agentID: agentID}
}

// Route classifies one message. The returned headers are only valid
// for DecisionAccept; the error is only set for DecisionInvalid. The
// agent identity is checked first: a malformed message addressed to
// another agent is filtered silently, not reported as invalid.
func (r *Router) Route(msg kafka.Message) (broker.ProbeHeaders, Decision, error) {
	headers, err := broker.DecodeProbeHeaders(msg.Headers)
	if err != nil {
		if id, ok := broker.AgentID(msg.Headers); ok && id != r.agentID {
			return broker.ProbeHeaders{}, DecisionFiltered, nil
		}
		return broker.ProbeHeaders{}, DecisionInvalid, err
	}
	if headers.AgentID != r.agentID {
		return broker.ProbeHeaders{}, DecisionFiltered, nil
	}
	return headers, DecisionAccept, nil
}
