package broker

import (
	"net/netip"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/perigeehq/perigee/internal/config"
)

func TestMechanism(t *testing.T) {
	cases := []struct {
		name      string
		protocol  string
		mechanism string
		wantNil   bool
		wantErr   bool
	}{
		{"plaintext", "PLAINTEXT", "SCRAM-SHA-512", true, false},
		{"ssl only", "SSL", "SCRAM-SHA-512", true, false},
		{"sasl scram 512", "SASL_PLAINTEXT", "SCRAM-SHA-512", false, false},
		{"sasl scram 256", "SASL_SSL", "SCRAM-SHA-256", false, false},
		{"sasl plain", "SASL_PLAINTEXT", "PLAIN", false, false},
		{"lowercase protocol", "sasl_plaintext", "plain", false, false},
		{"unknown protocol", "KERBEROS", "SCRAM-SHA-512", false, true},
		{"unknown mechanism", "SASL_PLAINTEXT", "SCRAM-SHA-1", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mech, err := Mechanism(config.KafkaConfig{
				AuthProtocol:  tc.protocol,
				SASLMechanism: tc.mechanism,
				SASLUsername:  "perigee",
				SASLPassword:  "secret",
			})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mechanism: %v", err)
			}
			if tc.wantNil != (mech == nil) {
				t.Fatalf("mechanism nil mismatch: got %v", mech)
			}
		})
	}
}

func TestMechanismPlainCredentials(t *testing.T) {
	mech, err := Mechanism(config.KafkaConfig{
		AuthProtocol:  "SASL_PLAINTEXT",
		SASLMechanism: "PLAIN",
		SASLUsername:  "perigee",
		SASLPassword:  "secret",
	})
	if err != nil {
		t.Fatalf("mechanism: %v", err)
	}
	p, ok := mech.(plain.Mechanism)
	if !ok {
		t.Fatalf("expected plain mechanism, got %T", mech)
	}
	if p.Username != "perigee" || p.Password != "secret" {
		t.Fatalf("credentials not propagated: %+v", p)
	}
}

func TestProbeHeadersRoundTrip(t *testing.T) {
	in := ProbeHeaders{
		AgentID:          "wbmwwp9vna",
		SrcAddr:          netip.MustParseAddr("192.0.2.55"),
		MeasurementID:    "7f9c24e8-3b12-4f68-9c10-0d2f4c9a2b11",
		CreatedAt:        time.Date(2026, 8, 25, 12, 0, 0, 123456789, time.UTC),
		EndOfMeasurement: true,
	}

	out, err := DecodeProbeHeaders(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.AgentID != in.AgentID || out.MeasurementID != in.MeasurementID {
		t.Fatalf("identity fields lost: %+v", out)
	}
	if out.SrcAddr != in.SrcAddr {
		t.Fatalf("src addr lost: %s", out.SrcAddr)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("created at lost: %s", out.CreatedAt)
	}
	if !out.EndOfMeasurement {
		t.Fatalf("end of measurement flag lost")
	}
}

func TestProbeHeadersOptionalFields(t *testing.T) {
	in := ProbeHeaders{
		AgentID:       "wbmwwp9vna",
		MeasurementID: "m1",
		CreatedAt:     time.Now(),
	}
	out, err := DecodeProbeHeaders(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SrcAddr.IsValid() {
		t.Fatalf("expected no src addr, got %s", out.SrcAddr)
	}
	if out.EndOfMeasurement {
		t.Fatalf("expected end of measurement unset")
	}
}

func TestDecodeProbeHeadersUntracked(t *testing.T) {
	out, err := DecodeProbeHeaders([]kafka.Header{
		{Key: HeaderAgentID, Value: []byte("wbmwwp9vna")},
	})
	if err != nil {
		t.Fatalf("an untracked batch must decode: %v", err)
	}
	if out.AgentID != "wbmwwp9vna" || out.MeasurementID != "" {
		t.Fatalf("unexpected headers %+v", out)
	}
}

func TestDecodeProbeHeadersErrors(t *testing.T) {
	cases := []struct {
		name    string
		headers []kafka.Header
	}{
		{"no headers", nil},
		{"missing agent id", []kafka.Header{
			{Key: HeaderMeasurementID, Value: []byte("m1")},
		}},
		{"bad src addr", []kafka.Header{
			{Key: HeaderAgentID, Value: []byte("wbmwwp9vna")},
			{Key: HeaderMeasurementID, Value: []byte("m1")},
			{Key: HeaderSrcAddr, Value: []byte("not-an-address")},
		}},
		{"bad created at", []kafka.Header{
			{Key: HeaderAgentID, Value: []byte("wbmwwp9vna")},
			{Key: HeaderMeasurementID, Value: []byte("m1")},
			{Key: HeaderCreatedAt, Value: []byte("yesterday")},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeProbeHeaders(tc.headers); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
