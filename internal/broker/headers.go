package broker

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/segmentio/kafka-go"
)

// Header keys carried on every probe-work message.
const (
	HeaderAgentID          = "agent_id"
	HeaderSrcAddr          = "src_addr"
	HeaderMeasurementID    = "measurement_id"
	HeaderCreatedAt        = "created_at"
	HeaderEndOfMeasurement = "end_of_measurement"
)

// ProbeHeaders is the addressing and tracking metadata attached to one
// probe-work message. The payload itself never names an agent; the
// headers alone decide which agent executes it.
type ProbeHeaders struct {
	AgentID          string
	SrcAddr          netip.Addr
	MeasurementID    string
	CreatedAt        time.Time
	EndOfMeasurement bool
}

// Encode renders the headers in wire form.
func (h ProbeHeaders) Encode() []kafka.Header {
	headers := []kafka.Header{
		{Key: HeaderAgentID, Value: []byte(h.AgentID)},
		{Key: HeaderCreatedAt, Value: []byte(h.CreatedAt.UTC().Format(time.RFC3339Nano))},
	}
	if h.MeasurementID != "" {
		headers = append(headers, kafka.Header{Key: HeaderMeasurementID, Value: []byte(h.MeasurementID)})
	}
	if h.SrcAddr.IsValid() {
		headers = append(headers, kafka.Header{Key: HeaderSrcAddr, Value: []byte(h.SrcAddr.String())})
	}
	if h.EndOfMeasurement {
		headers = append(headers, kafka.Header{Key: HeaderEndOfMeasurement, Value: []byte("true")})
	}
	return headers
}

// DecodeProbeHeaders extracts the metadata from a consumed message. A
// missing agent id makes the message unroutable. A missing measurement
// id is legal: the batch is untracked and executes without status
// reporting.
func DecodeProbeHeaders(headers []kafka.Header) (ProbeHeaders, error) {
	var h ProbeHeaders
	for _, raw := range headers {
		value := string(raw.Value)
		switch raw.Key {
		case HeaderAgentID:
			h.AgentID = value
		case HeaderMeasurementID:
			h.MeasurementID = value
		case HeaderSrcAddr:
			addr, err := netip.ParseAddr(value)
			if err != nil {
				return ProbeHeaders{}, fmt.Errorf("parse %s header %q: %w", HeaderSrcAddr, value, err)
			}
			h.SrcAddr = addr
		case HeaderCreatedAt:
			ts, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return ProbeHeaders{}, fmt.Errorf("parse %s header %q: %w", HeaderCreatedAt, value, err)
			}
			h.CreatedAt = ts
		case HeaderEndOfMeasurement:
			h.EndOfMeasurement = value == "true" || value == "1"
		}
	}
	if h.AgentID == "" {
		return ProbeHeaders{}, fmt.Errorf("message has no %s header", HeaderAgentID)
	}
	return h, nil
}

// AgentID returns the raw agent_id header value, if present. It works
// on messages whose other headers do not decode.
func AgentID(headers []kafka.Header) (string, bool) {
	for _, raw := range headers {
		if raw.Key == HeaderAgentID {
			return string(raw.Value), true
		}
	}
	return "", false
}
