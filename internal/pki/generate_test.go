package pki

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

func newTestGenerator() *Generator {
	return &Generator{
		Subject: DefaultSubject,
		SANs: &SANBuilder{Addrs: func() ([]net.Addr, error) {
			return []net.Addr{&net.IPAddr{IP: net.ParseIP("192.0.2.10")}}, nil
		}},
	}
}

func TestGenerate_Leaf(t *testing.T) {
	ca := newTestAuthority(t)
	start := time.Now()

	b, err := newTestGenerator().Generate(ca, "api.internal")
	require.NoError(t, err)
	leaf := b.Leaf

	assert.Equal(t, "api.internal", leaf.Subject.CommonName)
	assert.Equal(t, []string{"AU"}, leaf.Subject.Country)
	assert.Equal(t, []string{"NSW"}, leaf.Subject.Province)
	assert.Equal(t, []string{"Sydney"}, leaf.Subject.Locality)
	assert.Equal(t, []string{"AlwaysOk"}, leaf.Subject.Organization)
	assert.Equal(t, ca.Cert.Subject.String(), leaf.Issuer.String())

	assert.Contains(t, leaf.DNSNames, "localhost")
	assert.NotContains(t, leaf.DNSNames, "api.internal")
	assert.True(t, b.SANs.ContainsIP(net.ParseIP("127.0.0.1")))
	assert.True(t, b.SANs.ContainsIP(net.ParseIP("192.0.2.10")))
	assert.Len(t, leaf.IPAddresses, 2)

	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, KeyBits, pub.N.BitLen())
	assert.Equal(t, x509.SHA256WithRSA, leaf.SignatureAlgorithm)
	require.NoError(t, leaf.CheckSignatureFrom(ca.Cert))

	assert.True(t, leaf.NotBefore.Before(start))
	assert.True(t, leaf.NotAfter.Equal(leaf.NotBefore.AddDate(1, 0, 0)))
	assert.WithinDuration(t, start.Add(-ClockSkew), leaf.NotBefore, 2*time.Second)

	assert.True(t, leaf.BasicConstraintsValid)
	assert.False(t, leaf.IsCA)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment|x509.KeyUsageDataEncipherment, leaf.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, leaf.ExtKeyUsage)
	ski := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	assert.Equal(t, ski[:], leaf.SubjectKeyId)

	assert.Equal(t, 0, b.Serial.Int().Cmp(leaf.SerialNumber))

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:       ca.Pool(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		CurrentTime: time.Now(),
	})
	require.NoError(t, err)
}

func TestGenerate_ValidityIgnoresLocalDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// DST starts between notBefore and the same date a year later
	now := time.Date(2025, 3, 13, 12, 0, 0, 0, ny)

	g := newTestGenerator()
	g.Now = func() time.Time { return now }
	b, err := g.Generate(newTestAuthority(t), "dst.internal")
	require.NoError(t, err)

	assert.True(t, b.Leaf.NotBefore.Equal(time.Date(2025, 3, 8, 17, 0, 0, 0, time.UTC)))
	assert.Equal(t, 365*24*time.Hour, b.Leaf.NotAfter.Sub(b.Leaf.NotBefore))
	assert.True(t, b.Leaf.NotAfter.Equal(b.Leaf.NotBefore.AddDate(1, 0, 0)))
}

func TestGenerate_IncludeHost(t *testing.T) {
	ca := newTestAuthority(t)
	g := newTestGenerator()
	g.IncludeHost = true

	b, err := g.Generate(ca, "api.internal")
	require.NoError(t, err)
	assert.Contains(t, b.Leaf.DNSNames, "api.internal")
	_, err = b.Leaf.Verify(x509.VerifyOptions{DNSName: "api.internal", Roots: ca.Pool()})
	require.NoError(t, err)
}

func TestGenerate_FreshKeys(t *testing.T) {
	ca := newTestAuthority(t)
	g := newTestGenerator()
	a, err := g.Generate(ca, "a.test")
	require.NoError(t, err)
	b, err := g.Generate(ca, "a.test")
	require.NoError(t, err)
	assert.False(t, a.Key.Equal(b.Key))
	assert.NotEqual(t, a.Serial, b.Serial)
}

func TestGenerate_Failures(t *testing.T) {
	ca := newTestAuthority(t)
	g := newTestGenerator()

	_, err := g.Generate(ca, "  ")
	assert.True(t, errors.Is(err, ErrGenerate))
	assert.True(t, errors.Is(err, ErrEmptyHost))

	_, err = g.Generate(nil, "a.test")
	assert.True(t, errors.Is(err, ErrGenerate))

	g.Serial = func() (Serial, error) { return Serial{}, ErrSerial }
	b, err := g.Generate(ca, "a.test")
	assert.Nil(t, b)
	assert.True(t, errors.Is(err, ErrGenerate))
	assert.True(t, errors.Is(err, ErrSerial))
}

func TestBundle_Export(t *testing.T) {
	ca := newTestAuthority(t)
	b, err := newTestGenerator().Generate(ca, "export.test")
	require.NoError(t, err)

	pfx, err := b.PKCS12("pw")
	require.NoError(t, err)
	key, cert, chain, err := pkcs12.DecodeChain(pfx, "pw")
	require.NoError(t, err)
	assert.True(t, cert.Equal(b.Leaf))
	assert.True(t, b.Key.Equal(key))
	require.Len(t, chain, 1)
	assert.True(t, chain[0].Equal(ca.Cert))

	certPEM, keyPEM, err := b.PEM()
	require.NoError(t, err)
	assert.Contains(t, string(certPEM), "BEGIN CERTIFICATE")
	assert.Contains(t, string(keyPEM), "BEGIN PRIVATE KEY")

	tc := b.TLS()
	assert.Len(t, tc.Certificate, 2)
	assert.Same(t, b.Leaf, tc.Leaf)
}
