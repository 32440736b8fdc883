package main

import "errors"

var (
	ErrCAExists      = errors.New("ca container already exists (use --force)")
	ErrUnknownFormat = errors.New("unknown output format")
	ErrNoCACert      = errors.New("no certificate found in CA file")
	ErrVerifyFailed  = errors.New("served chain did not verify")
)
