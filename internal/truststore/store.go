// Package truststore persists issued certificates into a machine-wide
// certificate store so they are visible outside the process.
package truststore

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"alwaysok/internal/pki"
)

// Identity is how the store recognises a record that is already present.
type Identity struct {
	Subject       string
	HasPrivateKey bool
	Thumbprint    string
}

// Record is the persisted copy of an issued certificate.
type Record struct {
	Identity
	Cert     []byte // DER
	Key      []byte // PKCS#8 DER, empty when no key is stored
	NotAfter time.Time
}

// NewRecord builds the record for a bundle, including its private key.
func NewRecord(b *pki.Bundle) (Record, error) {
	var key []byte
	if b.Key != nil {
		der, err := x509.MarshalPKCS8PrivateKey(b.Key)
		if err != nil {
			return Record{}, err
		}
		key = der
	}
	return Record{
		Identity: Identity{
			Subject:       b.Leaf.Subject.String(),
			HasPrivateKey: len(key) > 0,
			Thumbprint:    Thumbprint(b.Leaf.Raw),
		},
		Cert:     b.Leaf.Raw,
		Key:      key,
		NotAfter: b.Leaf.NotAfter,
	}, nil
}

// Thumbprint is the upper-case hex SHA-1 of the DER certificate.
func Thumbprint(der []byte) string {
	sum := sha1.Sum(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Handle is an open read-write session on a store. Implementations must
// tolerate several handles being open at once.
type Handle interface {
	Contains(ctx context.Context, id Identity) (bool, error)
	Add(ctx context.Context, rec Record) error
	Close() error
}

// Store opens handles on a certificate store.
type Store interface {
	Open(ctx context.Context) (Handle, error)
}

// New returns the store for driver: "sqlite", "dir", "memory" or "none".
// "none" yields a nil store.
func New(driver, path string) (Store, error) {
	switch driver {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "dir":
		s, err := NewDirStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
