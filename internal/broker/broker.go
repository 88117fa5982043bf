// Package broker constructs the Kafka readers and writers both roles use
// and defines the message-header contract between them.
package broker

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/perigeehq/perigee/internal/config"
)

// Mechanism builds the SASL mechanism named by the configuration, or
// nil when the auth protocol does not use SASL.
func Mechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	switch strings.ToUpper(cfg.AuthProtocol) {
	case "PLAINTEXT", "SSL":
		return nil, nil
	case "SASL_PLAINTEXT", "SASL_SSL":
	default:
		return nil, fmt.Errorf("unsupported kafka auth protocol %q", cfg.AuthProtocol)
	}

	switch strings.ToUpper(cfg.SASLMechanism) {
	case "PLAIN":
		return plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", cfg.SASLMechanism)
	}
}

func useTLS(cfg config.KafkaConfig) bool {
	switch strings.ToUpper(cfg.AuthProtocol) {
	case "SSL", "SASL_SSL":
		return true
	default:
		return false
	}
}

// NewReader builds a consumer-group reader on the probe topic. Offsets
// are committed explicitly by the caller after each message is handled.
func NewReader(cfg config.KafkaConfig) (*kafka.Reader, error) {
	mech, err := Mechanism(cfg)
	if err != nil {
		return nil, err
	}

	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		SASLMechanism: mech,
	}
	if useTLS(cfg) {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.InGroupID,
		Topic:    cfg.InTopic,
		Dialer:   dialer,
		MinBytes: 1,
		MaxBytes: cfg.MessageMaxBytes,
	}), nil
}

// NewWriter builds a producer on topic. The hash balancer pins every
// message with the same key to one partition, which is what keeps a
// measurement ordered per agent.
func NewWriter(cfg config.KafkaConfig, topic string) (*kafka.Writer, error) {
	mech, err := Mechanism(cfg)
	if err != nil {
		return nil, err
	}

	transport := &kafka.Transport{SASL: mech}
	if useTLS(cfg) {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchBytes:   int64(cfg.MessageMaxBytes),
		Transport:    transport,
	}, nil
}
