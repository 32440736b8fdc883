package resolver

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alwaysok/internal/metrics"
	"alwaysok/internal/pki"
	"alwaysok/internal/rules"
	"alwaysok/internal/truststore"
)

var (
	caOnce sync.Once
	testCA *pki.Authority
	caErr  error
)

func authority(t *testing.T) *pki.Authority {
	t.Helper()
	caOnce.Do(func() { testCA, caErr = pki.GenerateAuthority(pki.DefaultSubject, time.Now()) })
	require.NoError(t, caErr)
	return testCA
}

// countingGenerator wraps the real generator and counts calls.
type countingGenerator struct {
	gen   *pki.Generator
	calls atomic.Int64
	gate  chan struct{}
	err   error
}

func newCountingGenerator() *countingGenerator {
	return &countingGenerator{gen: &pki.Generator{
		Subject: pki.DefaultSubject,
		SANs:    &pki.SANBuilder{Addrs: func() ([]net.Addr, error) { return nil, nil }},
	}}
}

func (g *countingGenerator) Generate(ca *pki.Authority, host string) (*pki.Bundle, error) {
	g.calls.Add(1)
	if g.gate != nil {
		<-g.gate
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.gen.Generate(ca, host)
}

type failingAuthority struct{ calls atomic.Int64 }

func (f *failingAuthority) Authority() (*pki.Authority, error) {
	f.calls.Add(1)
	return nil, pki.ErrCALoad
}

type failingPublisher struct{ calls atomic.Int64 }

func (p *failingPublisher) Publish(context.Context, *pki.Bundle) (truststore.Record, error) {
	p.calls.Add(1)
	return truststore.Record{}, truststore.ErrPublish
}

func verify(t *testing.T, ca *pki.Authority, b *pki.Bundle) {
	t.Helper()
	_, err := b.Leaf.Verify(x509.VerifyOptions{
		Roots:     ca.Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	require.NoError(t, err)
}

func TestResolve_IssuesAndCaches(t *testing.T) {
	ca := authority(t)
	gen := newCountingGenerator()
	stats := metrics.NewAggregator()
	r := New(pki.NewStaticLoader(ca), gen, Options{Stats: stats})

	b, err := r.Resolve(context.Background(), "api.internal")
	require.NoError(t, err)
	assert.Equal(t, "api.internal", b.Leaf.Subject.CommonName)
	assert.Equal(t, ca.Cert.Subject.String(), b.Leaf.Issuer.String())
	assert.Contains(t, b.Leaf.DNSNames, "localhost")
	assert.True(t, b.SANs.ContainsIP(net.ParseIP("127.0.0.1")))
	assert.Equal(t, 2048, b.Leaf.PublicKey.(*rsa.PublicKey).N.BitLen())
	assert.True(t, b.Leaf.NotAfter.Equal(b.Leaf.NotBefore.AddDate(1, 0, 0)))
	verify(t, ca, b)

	again, err := r.Resolve(context.Background(), "API.Internal.")
	require.NoError(t, err)
	assert.Same(t, b, again)
	assert.Equal(t, b.Leaf.Subject.CommonName, again.Leaf.Subject.CommonName)
	assert.Equal(t, b.Leaf.DNSNames, again.Leaf.DNSNames)
	assert.Equal(t, int64(1), gen.calls.Load())

	snap := stats.Snapshot().Issuance
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheMisses)
	assert.Equal(t, uint64(1), snap.Generated)
}

func TestResolve_DefaultHost(t *testing.T) {
	gen := newCountingGenerator()
	r := New(pki.NewStaticLoader(authority(t)), gen, Options{})

	named, err := r.Resolve(context.Background(), "localhost")
	require.NoError(t, err)
	anon, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Same(t, named, anon)
	assert.Equal(t, int64(1), gen.calls.Load())
	assert.Equal(t, "localhost", anon.Leaf.Subject.CommonName)
}

func TestResolve_PolicyFallsBackToDefault(t *testing.T) {
	gen := newCountingGenerator()
	r := New(pki.NewStaticLoader(authority(t)), gen, Options{
		DefaultHost: "fallback.test",
		Policy:      rules.New("list", []string{"internal"}),
	})

	b, err := r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "fallback.test", b.Leaf.Subject.CommonName)

	b, err = r.Resolve(context.Background(), "db.internal")
	require.NoError(t, err)
	assert.Equal(t, "db.internal", b.Leaf.Subject.CommonName)
	assert.Equal(t, 2, r.Len())
}

func TestResolve_ConcurrentSameHost(t *testing.T) {
	for _, single := range []bool{false, true} {
		ca := authority(t)
		gen := newCountingGenerator()
		r := New(pki.NewStaticLoader(ca), gen, Options{SingleFlight: single})

		const n = 50
		var wg sync.WaitGroup
		got := make([]*pki.Bundle, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got[i], errs[i] = r.Resolve(context.Background(), "race.internal")
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, "race.internal", got[i].Leaf.Subject.CommonName)
			verify(t, ca, got[i])
		}
		assert.Equal(t, 1, r.Len())
		cached, ok := r.Cached("race.internal")
		require.True(t, ok)
		final, err := r.Resolve(context.Background(), "race.internal")
		require.NoError(t, err)
		assert.Same(t, cached, final)
	}
}

func TestResolve_RaceLoserKeepsOwnBundle(t *testing.T) {
	ca := authority(t)
	gen := newCountingGenerator()
	gen.gate = make(chan struct{})
	r := New(pki.NewStaticLoader(ca), gen, Options{SingleFlight: false})

	var wg sync.WaitGroup
	got := make([]*pki.Bundle, 2)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := r.Resolve(context.Background(), "dup.internal")
			assert.NoError(t, err)
			got[i] = b
		}(i)
	}
	// both misses are generating before either commits
	require.Eventually(t, func() bool { return gen.calls.Load() == 2 }, time.Second, time.Millisecond)
	close(gen.gate)
	wg.Wait()

	require.NotNil(t, got[0])
	require.NotNil(t, got[1])
	assert.NotSame(t, got[0], got[1])
	assert.NotEqual(t, got[0].Serial, got[1].Serial)
	verify(t, ca, got[0])
	verify(t, ca, got[1])

	cached, ok := r.Cached("dup.internal")
	require.True(t, ok)
	hits := 0
	for _, b := range got {
		if b == cached {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, r.Len())
}

func TestResolve_SingleFlightSharesGeneration(t *testing.T) {
	gen := newCountingGenerator()
	gen.gate = make(chan struct{})
	r := New(pki.NewStaticLoader(authority(t)), gen, Options{SingleFlight: true})

	var wg sync.WaitGroup
	got := make([]*pki.Bundle, 10)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := r.Resolve(context.Background(), "shared.internal")
			assert.NoError(t, err)
			got[i] = b
		}(i)
	}
	require.Eventually(t, func() bool { return gen.calls.Load() == 1 }, time.Second, time.Millisecond)
	// let the other callers join the flight
	time.Sleep(50 * time.Millisecond)
	close(gen.gate)
	wg.Wait()

	assert.Equal(t, int64(1), gen.calls.Load())
	for _, b := range got {
		assert.Same(t, got[0], b)
	}
}

func TestResolve_CAFailure(t *testing.T) {
	ca := &failingAuthority{}
	stats := metrics.NewAggregator()
	r := New(ca, newCountingGenerator(), Options{Stats: stats})

	_, err := r.Resolve(context.Background(), "a.test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pki.ErrCALoad))
	assert.Zero(t, r.Len())
	assert.Equal(t, uint64(1), stats.Snapshot().Issuance.CAErrors)
}

func TestResolve_GenerationFailureNotCached(t *testing.T) {
	gen := newCountingGenerator()
	gen.err = pki.ErrGenerate
	stats := metrics.NewAggregator()
	r := New(pki.NewStaticLoader(authority(t)), gen, Options{Stats: stats})

	_, err := r.Resolve(context.Background(), "a.test")
	assert.True(t, errors.Is(err, pki.ErrGenerate))
	assert.Zero(t, r.Len())

	gen.err = nil
	b, err := r.Resolve(context.Background(), "a.test")
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Equal(t, uint64(1), stats.Snapshot().Issuance.GenerateErrors)
}

func TestResolve_PublishFailureIsNotFatal(t *testing.T) {
	pub := &failingPublisher{}
	stats := metrics.NewAggregator()
	r := New(pki.NewStaticLoader(authority(t)), newCountingGenerator(), Options{Publisher: pub, Stats: stats})

	b, err := r.Resolve(context.Background(), "a.test")
	require.NoError(t, err)
	assert.NotNil(t, b.Key)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int64(1), pub.calls.Load())
	assert.Equal(t, uint64(1), stats.Snapshot().Issuance.PublishErrors)
}

func TestResolve_PublishesOnce(t *testing.T) {
	store := truststore.NewMemoryStore()
	r := New(pki.NewStaticLoader(authority(t)), newCountingGenerator(), Options{
		Publisher: truststore.NewPublisher(store, nil),
	})
	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "pub.test")
		require.NoError(t, err)
	}
	assert.Len(t, store.Records(), 1)
}

func TestResolve_Timeout(t *testing.T) {
	gen := newCountingGenerator()
	gen.gate = make(chan struct{})
	stats := metrics.NewAggregator()
	r := New(pki.NewStaticLoader(authority(t)), gen, Options{
		Timeout:      20 * time.Millisecond,
		SingleFlight: true,
		Stats:        stats,
	})

	_, err := r.Resolve(context.Background(), "slow.test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIssuanceTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, uint64(1), stats.Snapshot().Issuance.Timeouts)

	close(gen.gate)
	require.Eventually(t, func() bool { return r.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	b, err := r.Resolve(context.Background(), "slow.test")
	require.NoError(t, err)
	assert.Equal(t, "slow.test", b.Leaf.Subject.CommonName)
}

func TestResolve_CancelledCallerIsNotATimeout(t *testing.T) {
	gen := newCountingGenerator()
	gen.gate = make(chan struct{})
	stats := metrics.NewAggregator()
	r := New(pki.NewStaticLoader(authority(t)), gen, Options{SingleFlight: true, Stats: stats})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for gen.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err := r.Resolve(ctx, "gone.test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrIssuanceTimeout))
	assert.Zero(t, stats.Snapshot().Issuance.Timeouts)

	close(gen.gate)
	require.Eventually(t, func() bool { return r.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestGetCertificate(t *testing.T) {
	ca := authority(t)
	r := New(pki.NewStaticLoader(ca), newCountingGenerator(), Options{})

	crt, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "sni.test"})
	require.NoError(t, err)
	require.Len(t, crt.Certificate, 2)
	assert.Equal(t, "sni.test", crt.Leaf.Subject.CommonName)
	assert.Equal(t, ca.Cert.Raw, crt.Certificate[1])

	crt, err = r.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, DefaultHost, crt.Leaf.Subject.CommonName)
}
