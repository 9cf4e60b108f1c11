// Package forward publishes normalized inbound messages to downstream
// consumers. Forwarding is best effort: failures are reported to the caller
// but never block persistence or replies.
package forward

import (
	"context"
	"errors"

	"github.com/agentworkforce/chatrelay/internal/session"
)

type Forwarder interface {
	Forward(ctx context.Context, msg session.InboundMessage) error
	Close() error
}

// Multi fans a message out to every forwarder and joins their errors.
type Multi []Forwarder

func (m Multi) Forward(ctx context.Context, msg session.InboundMessage) error {
	var errs []error
	for _, f := range m {
		if err := f.Forward(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, f := range m {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Options struct {
	WebhookURL   string
	WebhookToken string
	KafkaBrokers []string
	KafkaTopic   string
}

// New builds the forwarders enabled by opts. It returns nil when none is.
func New(opts Options) Forwarder {
	var out Multi
	if webhook := NewWebhookForwarder(opts.WebhookURL, opts.WebhookToken, nil); webhook != nil {
		out = append(out, webhook)
	}
	if kafkaFwd := NewKafkaForwarder(opts.KafkaBrokers, opts.KafkaTopic); kafkaFwd != nil {
		out = append(out, kafkaFwd)
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}
