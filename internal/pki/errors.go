package pki

import "errors"

var (
	ErrCALoad         = errors.New("load certificate authority")
	ErrCAKeyMismatch  = errors.New("ca private key does not match certificate")
	ErrCAKeyType      = errors.New("ca private key is not RSA")
	ErrSANEnumeration = errors.New("build subject alternative names")
	ErrSerial         = errors.New("generate serial number")
	ErrGenerate       = errors.New("generate certificate")
	ErrEmptyHost      = errors.New("empty host")
)
