package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"strings"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	// KeyBits is the RSA modulus size of every generated key.
	KeyBits = 2048
	// ClockSkew is how far notBefore is moved into the past.
	ClockSkew = 5 * 24 * time.Hour
)

// Subject holds the fixed distinguished name fields of issued certificates.
type Subject struct {
	Country      string
	State        string
	Locality     string
	Organization string
}

// DefaultSubject is used when no subject is configured.
var DefaultSubject = Subject{
	Country:      "AU",
	State:        "NSW",
	Locality:     "Sydney",
	Organization: "AlwaysOk",
}

// Name builds C, ST, L, O from the subject and sets CN.
func (s Subject) Name(cn string) pkix.Name {
	n := pkix.Name{CommonName: cn}
	if s.Country != "" {
		n.Country = []string{s.Country}
	}
	if s.State != "" {
		n.Province = []string{s.State}
	}
	if s.Locality != "" {
		n.Locality = []string{s.Locality}
	}
	if s.Organization != "" {
		n.Organization = []string{s.Organization}
	}
	return n
}

// Generator issues leaf certificates signed by an Authority.
type Generator struct {
	Subject Subject
	SANs    *SANBuilder
	// IncludeHost adds the requested host to the SAN set.
	IncludeHost bool

	// Rand, Now and Serial default to crypto/rand, time.Now and NextSerial.
	Rand   io.Reader
	Now    func() time.Time
	Serial func() (Serial, error)
}

// Generate builds a fresh key pair and certificate for host. Any failure
// wraps ErrGenerate and no bundle is returned.
func (g *Generator) Generate(ca *Authority, host string) (*Bundle, error) {
	if ca == nil || ca.Cert == nil || ca.Key == nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerate, ErrCALoad)
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("%w: %w", ErrGenerate, ErrEmptyHost)
	}
	rnd := g.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	key, err := rsa.GenerateKey(rnd, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %w", ErrGenerate, err)
	}

	sans, err := g.SANs.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerate, err)
	}
	if g.IncludeHost {
		sans.AddHost(host)
	}

	serialFn := g.Serial
	if serialFn == nil {
		serialFn = NextSerial
	}
	serial, err := serialFn()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerate, err)
	}

	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	// UTC keeps the one-year span exact across DST; certificate times carry whole seconds only
	notBefore := now().UTC().Add(-ClockSkew).Truncate(time.Second)
	notAfter := notBefore.AddDate(1, 0, 0)

	ski := sha1.Sum(x509.MarshalPKCS1PublicKey(&key.PublicKey))
	tmpl := &x509.Certificate{
		SerialNumber:          serial.Int(),
		Subject:               g.Subject.Name(host),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		SubjectKeyId:          ski[:],
		DNSNames:              sans.DNSNames,
		IPAddresses:           sans.IPAddresses,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rnd, tmpl, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %w", ErrGenerate, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerate, err)
	}
	return &Bundle{
		Leaf:   leaf,
		Key:    key,
		Issuer: ca.Cert,
		Serial: serial,
		SANs:   sans,
	}, nil
}

// Bundle is an issued certificate together with its private key. It is
// never modified after Generate returns.
type Bundle struct {
	Leaf   *x509.Certificate
	Key    *rsa.PrivateKey
	Issuer *x509.Certificate
	Serial Serial
	SANs   SANSet
}

// TLS returns the bundle as a tls.Certificate carrying the leaf and the CA.
func (b *Bundle) TLS() *tls.Certificate {
	return &tls.Certificate{
		Certificate: [][]byte{b.Leaf.Raw, b.Issuer.Raw},
		PrivateKey:  b.Key,
		Leaf:        b.Leaf,
	}
}

// PKCS12 exports certificate, key and CA as one PKCS#12 blob.
func (b *Bundle) PKCS12(password string) ([]byte, error) {
	return pkcs12.Modern.Encode(b.Key, b.Leaf, []*x509.Certificate{b.Issuer}, password)
}

// PEM returns the certificate chain and the PKCS#8 private key.
func (b *Bundle) PEM() (certPEM, keyPEM []byte, err error) {
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b.Leaf.Raw})
	certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b.Issuer.Raw})...)
	der, err := x509.MarshalPKCS8PrivateKey(b.Key)
	if err != nil {
		return nil, nil, err
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return certPEM, keyPEM, nil
}
