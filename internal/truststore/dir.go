package truststore

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const lockName = ".lock"

// DirStore keeps one PEM file per certificate, named by thumbprint. An open
// handle holds an exclusive lock on the directory.
type DirStore struct {
	dir string
	mu  sync.Mutex
}

func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrOpenStore)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenStore, err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) Open(context.Context) (Handle, error) {
	s.mu.Lock()
	f, err := os.OpenFile(filepath.Join(s.dir, lockName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrOpenStore, err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: lock: %w", ErrOpenStore, err)
	}
	return &dirHandle{s: s, lock: f}, nil
}

func (s *DirStore) path(thumbprint string) string {
	return filepath.Join(s.dir, thumbprint+".pem")
}

type dirHandle struct {
	s    *DirStore
	lock *os.File
}

func (h *dirHandle) Contains(_ context.Context, id Identity) (bool, error) {
	if h.lock == nil {
		return false, ErrHandleClosed
	}
	data, err := os.ReadFile(h.s.path(id.Thumbprint))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrReadRecord, err)
	}
	var (
		subject string
		hasKey  bool
	)
	for rest := data; ; {
		var b *pem.Block
		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}
		switch b.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return false, fmt.Errorf("%w: %w", ErrReadRecord, err)
			}
			subject = cert.Subject.String()
		case "PRIVATE KEY":
			hasKey = true
		}
	}
	return subject == id.Subject && hasKey == id.HasPrivateKey, nil
}

func (h *dirHandle) Add(_ context.Context, rec Record) error {
	if h.lock == nil {
		return ErrHandleClosed
	}
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: rec.Cert}); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteRecord, err)
	}
	if len(rec.Key) > 0 {
		if err := pem.Encode(&buf, &pem.Block{Type: "PRIVATE KEY", Bytes: rec.Key}); err != nil {
			return fmt.Errorf("%w: %w", ErrWriteRecord, err)
		}
	}
	dst := h.s.path(rec.Thumbprint)
	tmp := dst + "." + uuid.New().String() + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteRecord, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrWriteRecord, err)
	}
	return nil
}

func (h *dirHandle) Close() error {
	if h.lock == nil {
		return nil
	}
	err := unlockFile(h.lock)
	err = errors.Join(err, h.lock.Close())
	h.lock = nil
	h.s.mu.Unlock()
	return err
}
