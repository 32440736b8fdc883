// Package resolver maps TLS server names to issued certificates.
package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"alwaysok/internal/metrics"
	"alwaysok/internal/pki"
	"alwaysok/internal/rules"
	"alwaysok/internal/truststore"
)

// DefaultHost is used when a client sends no server name.
const DefaultHost = "localhost"

var ErrIssuanceTimeout = errors.New("certificate issuance timed out")

// AuthoritySource yields the signing CA.
type AuthoritySource interface {
	Authority() (*pki.Authority, error)
}

// Generator issues a new bundle for host.
type Generator interface {
	Generate(ca *pki.Authority, host string) (*pki.Bundle, error)
}

// Publisher makes a bundle visible outside the process.
type Publisher interface {
	Publish(ctx context.Context, b *pki.Bundle) (truststore.Record, error)
}

type Options struct {
	DefaultHost string
	// Timeout bounds a single resolution; zero waits for the generation.
	Timeout time.Duration
	// SingleFlight shares one generation between concurrent misses for a key.
	SingleFlight bool
	Policy       *rules.Engine
	Publisher    Publisher
	Stats        *metrics.Aggregator
	Log          logrus.FieldLogger
}

// Resolver is the long-lived certificate cache. Entries are never evicted.
type Resolver struct {
	authority AuthoritySource
	gen       Generator
	opts      Options
	log       logrus.FieldLogger

	cache sync.Map // normalized host -> *pki.Bundle
	group singleflight.Group
}

func New(authority AuthoritySource, gen Generator, opts Options) *Resolver {
	if opts.DefaultHost == "" {
		opts.DefaultHost = DefaultHost
	}
	opts.DefaultHost = rules.Normalize(opts.DefaultHost)
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Resolver{authority: authority, gen: gen, opts: opts, log: log}
}

// Key returns the cache key for host: the normalized name, or the default
// host when host is empty or not allowed by the policy.
func (r *Resolver) Key(host string) string {
	key := rules.Normalize(host)
	if key == "" || !r.opts.Policy.Allows(key) {
		return r.opts.DefaultHost
	}
	return key
}

// Resolve returns the bundle for host, issuing it on the first request.
func (r *Resolver) Resolve(ctx context.Context, host string) (*pki.Bundle, error) {
	key := r.Key(host)
	if b, ok := r.Cached(key); ok {
		r.opts.Stats.CacheHit()
		return b, nil
	}
	r.opts.Stats.CacheMiss()

	if ctx == nil {
		ctx = context.Background()
	}
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	// the generation outlives a caller that gives up, so it still lands in the cache
	issueCtx := context.WithoutCancel(ctx)
	var ch <-chan singleflight.Result
	if r.opts.SingleFlight {
		ch = r.group.DoChan(key, func() (any, error) {
			return r.issue(issueCtx, key)
		})
	} else {
		c := make(chan singleflight.Result, 1)
		go func() {
			b, err := r.issue(issueCtx, key)
			c <- singleflight.Result{Val: b, Err: err}
		}()
		ch = c
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pki.Bundle), nil
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.log.WithField("host", key).Debug("caller went away during certificate issuance")
			return nil, fmt.Errorf("%s: %w", key, ctx.Err())
		}
		r.opts.Stats.Timeout()
		r.log.WithField("host", key).Warn("certificate issuance timed out")
		return nil, fmt.Errorf("%w: %s: %w", ErrIssuanceTimeout, key, ctx.Err())
	}
}

// Cached returns the committed bundle for an already normalized key.
func (r *Resolver) Cached(key string) (*pki.Bundle, bool) {
	v, ok := r.cache.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*pki.Bundle), true
}

// Len counts committed entries.
func (r *Resolver) Len() int {
	n := 0
	r.cache.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// GetCertificate is the tls.Config callback.
func (r *Resolver) GetCertificate(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
	ctx := context.Background()
	if c := chi.Context(); c != nil {
		ctx = c
	}
	b, err := r.Resolve(ctx, chi.ServerName)
	if err != nil {
		return nil, err
	}
	return b.TLS(), nil
}

// issue generates, publishes and commits a bundle. The first bundle
// committed for a key wins; a later one is still returned to its caller.
func (r *Resolver) issue(ctx context.Context, key string) (*pki.Bundle, error) {
	log := r.log.WithField("host", key)

	ca, err := r.authority.Authority()
	if err != nil {
		r.opts.Stats.CAError()
		log.WithError(err).Error("certificate authority unavailable")
		return nil, err
	}

	start := time.Now()
	b, err := r.gen.Generate(ca, key)
	if err != nil {
		r.opts.Stats.GenerateError()
		log.WithError(err).Error("certificate generation failed")
		return nil, err
	}
	elapsed := time.Since(start)
	r.opts.Stats.Generated(elapsed)

	if r.opts.Publisher != nil {
		if _, err := r.opts.Publisher.Publish(ctx, b); err != nil {
			r.opts.Stats.PublishError()
			log.WithError(err).Warn("trust store publication failed, serving certificate anyway")
		}
	}

	if _, loaded := r.cache.LoadOrStore(key, b); loaded {
		log.Debug("another certificate was committed first, keeping it in the cache")
	}
	log.WithFields(logrus.Fields{
		"serial":  b.Serial.String(),
		"elapsed": elapsed,
	}).Info("certificate issued")
	return b, nil
}
