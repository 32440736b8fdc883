package pki

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
)

// SerialLen is the number of random bytes in every issued serial number.
const SerialLen = 12

// Serial is a fixed-width certificate serial number.
type Serial [SerialLen]byte

// NextSerial draws a serial from crypto/rand.
func NextSerial() (Serial, error) {
	return ReadSerial(rand.Reader)
}

// ReadSerial fills a serial from r. The bytes are read as an unsigned
// big-endian integer, so a set high bit never yields a negative value; the
// DER encoder prepends the zero byte. An all-zero draw is replaced.
func ReadSerial(r io.Reader) (Serial, error) {
	var s Serial
	for {
		if _, err := io.ReadFull(r, s[:]); err != nil {
			return Serial{}, fmt.Errorf("%w: %w", ErrSerial, err)
		}
		if !s.isZero() {
			return s, nil
		}
	}
}

func (s Serial) isZero() bool {
	for _, b := range s {
		if b != 0 {
			return false
		}
	}
	return true
}

// Int returns the serial as the positive integer placed in the certificate.
func (s Serial) Int() *big.Int {
	return new(big.Int).SetBytes(s[:])
}

func (s Serial) String() string {
	return hex.EncodeToString(s[:])
}
