// Package probe connects to a TLS endpoint and reports the certificate it serves.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fumiama/terasu"
)

type Options struct {
	Addr       string
	ServerName string
	// Fragment splits the ClientHello, sending its first Fragment bytes in
	// their own TLS record. Zero sends a regular ClientHello.
	Fragment uint8
	// Roots, when set, is used to verify the served chain. The name is not
	// checked since served certificates may not list it.
	Roots   *x509.CertPool
	Timeout time.Duration
}

type Result struct {
	Subject    string
	Issuer     string
	DNSNames   []string
	IPs        []net.IP
	Serial     string
	NotBefore  time.Time
	NotAfter   time.Time
	KeyBits    int
	Version    uint16
	Protocol   string
	ChainLen   int
	Verified   bool
	VerifyErr  error
	Handshaken time.Duration
}

var ErrNoCertificate = errors.New("server presented no certificate")

// Run dials opts.Addr and performs one handshake.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"h2", "http/1.1"},
	})
	defer tlsConn.Close()

	start := time.Now()
	if opts.Fragment > 0 {
		err = terasu.Use(tlsConn).HandshakeContext(ctx, opts.Fragment)
	} else {
		err = tlsConn.HandshakeContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	elapsed := time.Since(start)

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoCertificate
	}
	leaf := state.PeerCertificates[0]
	res := &Result{
		Subject:    leaf.Subject.String(),
		Issuer:     leaf.Issuer.String(),
		DNSNames:   leaf.DNSNames,
		IPs:        leaf.IPAddresses,
		Serial:     fmt.Sprintf("%x", leaf.SerialNumber),
		NotBefore:  leaf.NotBefore,
		NotAfter:   leaf.NotAfter,
		Version:    state.Version,
		Protocol:   state.NegotiatedProtocol,
		ChainLen:   len(state.PeerCertificates),
		Handshaken: elapsed,
	}
	if pk, ok := leaf.PublicKey.(interface{ Size() int }); ok {
		res.KeyBits = pk.Size() * 8
	}
	if opts.Roots != nil {
		inter := x509.NewCertPool()
		for _, c := range state.PeerCertificates[1:] {
			inter.AddCert(c)
		}
		_, res.VerifyErr = leaf.Verify(x509.VerifyOptions{
			Roots:         opts.Roots,
			Intermediates: inter,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		res.Verified = res.VerifyErr == nil
	}
	return res, nil
}
