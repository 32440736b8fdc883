package truststore

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"alwaysok/internal/pki"
)

// Publisher writes issued bundles into a Store, once per distinct certificate.
type Publisher struct {
	store Store
	log   logrus.FieldLogger
}

func NewPublisher(store Store, log logrus.FieldLogger) *Publisher {
	return &Publisher{store: store, log: log}
}

// Publish adds the bundle to the store unless a record with the same
// subject, key presence and thumbprint exists. Failures wrap ErrPublish and
// leave the bundle itself usable.
func (p *Publisher) Publish(ctx context.Context, b *pki.Bundle) (rec Record, err error) {
	rec, err = NewRecord(b)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	h, err := p.store.Open(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: close: %w", ErrPublish, cerr))
		}
	}()

	found, err := h.Contains(ctx, rec.Identity)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	if found {
		if p.log != nil {
			p.log.WithField("thumbprint", rec.Thumbprint).Debug("certificate already in trust store")
		}
		return rec, nil
	}
	if err := h.Add(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	if p.log != nil {
		p.log.WithFields(logrus.Fields{
			"subject":    rec.Subject,
			"thumbprint": rec.Thumbprint,
		}).Debug("certificate added to trust store")
	}
	return rec, nil
}
