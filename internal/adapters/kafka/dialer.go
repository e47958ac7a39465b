package kafka

import (
	"crypto/tls"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Security describes how to authenticate to the brokers.
type Security struct {
	TLS       bool
	SASL      bool
	Mechanism string // PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512
	Username  string
	Password  string
}

// NewDialer returns a dialer for the given security settings.
func NewDialer(s Security) (*kafkago.Dialer, error) {
	d := &kafkago.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if s.TLS {
		d.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if !s.SASL {
		return d, nil
	}

	mech, err := saslMechanism(s)
	if err != nil {
		return nil, err
	}
	d.SASLMechanism = mech
	return d, nil
}

func saslMechanism(s Security) (sasl.Mechanism, error) {
	if s.Username == "" {
		return nil, fmt.Errorf("sasl username must not be empty")
	}
	switch s.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", s.Mechanism)
	}
}
