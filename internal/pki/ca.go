package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Authority is the signing CA. It is immutable once loaded and safe to share
// between concurrent generations.
type Authority struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// CertPEM returns the CA certificate in PEM form, for installing into clients.
func (a *Authority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.Cert.Raw})
}

// Pool returns a pool holding only this CA.
func (a *Authority) Pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(a.Cert)
	return p
}

// Source describes where the CA material lives. A PEM pair takes precedence
// over the PKCS#12 container.
type Source struct {
	File         string
	Passphrase   string
	CertFile     string
	KeyFile      string
	AutoGenerate bool
	Subject      Subject
}

// Loader loads the CA once. Every caller, including concurrent first
// callers, observes the same result; a failure is not retried.
type Loader struct {
	src  Source
	log  logrus.FieldLogger
	load func() (*Authority, error)
}

func NewLoader(src Source, log logrus.FieldLogger) *Loader {
	l := &Loader{src: src, log: log}
	l.load = sync.OnceValues(l.read)
	return l
}

// NewStaticLoader wraps an already loaded authority.
func NewStaticLoader(a *Authority) *Loader {
	return &Loader{load: func() (*Authority, error) { return a, nil }}
}

// Authority returns the loaded CA or an error wrapping ErrCALoad.
func (l *Loader) Authority() (*Authority, error) {
	return l.load()
}

func (l *Loader) read() (*Authority, error) {
	if l.src.CertFile != "" || l.src.KeyFile != "" {
		a, err := LoadPEM(l.src.CertFile, l.src.KeyFile)
		if err != nil {
			return nil, err
		}
		l.logLoaded(a, l.src.CertFile)
		return a, nil
	}
	if l.src.File == "" {
		return nil, fmt.Errorf("%w: empty ca path", ErrCALoad)
	}
	a, err := LoadContainer(l.src.File, l.src.Passphrase)
	if err == nil {
		l.logLoaded(a, l.src.File)
		return a, nil
	}
	if !errors.Is(err, os.ErrNotExist) || !l.src.AutoGenerate {
		return nil, err
	}
	a, err = GenerateAuthority(l.src.Subject, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCALoad, err)
	}
	if err := WriteContainer(l.src.File, a, l.src.Passphrase); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCALoad, err)
	}
	if l.log != nil {
		l.log.WithField("path", l.src.File).Warn("ca container not found, generated a new one")
	}
	return a, nil
}

func (l *Loader) logLoaded(a *Authority, path string) {
	if l.log == nil {
		return
	}
	l.log.WithFields(logrus.Fields{
		"path":      path,
		"subject":   a.Cert.Subject.String(),
		"not_after": a.Cert.NotAfter.Format(time.RFC3339),
	}).Info("certificate authority loaded")
}

// LoadContainer reads a passphrase protected PKCS#12 file holding the CA
// certificate and its RSA private key.
func LoadContainer(path, passphrase string) (*Authority, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCALoad, err)
	}
	return DecodeContainer(data, passphrase)
}

// DecodeContainer parses PKCS#12 data; a wrong passphrase fails here.
func DecodeContainer(data []byte, passphrase string) (*Authority, error) {
	key, cert, _, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCALoad, err)
	}
	return newAuthority(cert, key)
}

// LoadPEM reads a PEM certificate and a PKCS#1 or PKCS#8 PEM key.
func LoadPEM(certFile, keyFile string) (*Authority, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("%w: empty ca cert/key path", ErrCALoad)
	}
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCALoad, err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCALoad, err)
	}
	cb, _ := pem.Decode(certPEM)
	if cb == nil {
		return nil, fmt.Errorf("%w: invalid cert pem", ErrCALoad)
	}
	kb, _ := pem.Decode(keyPEM)
	if kb == nil {
		return nil, fmt.Errorf("%w: invalid key pem", ErrCALoad)
	}
	cert, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCALoad, err)
	}
	var key any
	if kb.Type == "RSA PRIVATE KEY" {
		key, err = x509.ParsePKCS1PrivateKey(kb.Bytes)
	} else {
		key, err = x509.ParsePKCS8PrivateKey(kb.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCALoad, err)
	}
	return newAuthority(cert, key)
}

func newAuthority(cert *x509.Certificate, key any) (*Authority, error) {
	rk, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrCALoad, ErrCAKeyType)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&rk.PublicKey) {
		return nil, fmt.Errorf("%w: %w", ErrCALoad, ErrCAKeyMismatch)
	}
	return &Authority{Cert: cert, Key: rk}, nil
}

// GenerateAuthority creates a self-signed RSA-2048 root valid for ten years.
func GenerateAuthority(subject Subject, now time.Time) (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, err
	}
	serial, err := NextSerial()
	if err != nil {
		return nil, err
	}
	name := subject.Name(subject.Organization + " Root CA")
	tmpl := &x509.Certificate{
		SerialNumber:          serial.Int(),
		Subject:               name,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{Cert: cert, Key: key}, nil
}

// EncodeContainer packs the CA into passphrase protected PKCS#12 data.
func EncodeContainer(a *Authority, passphrase string) ([]byte, error) {
	return pkcs12.Modern.Encode(a.Key, a.Cert, nil, passphrase)
}

// WriteContainer writes the CA container with owner-only permissions.
func WriteContainer(path string, a *Authority, passphrase string) error {
	data, err := EncodeContainer(a, passphrase)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
