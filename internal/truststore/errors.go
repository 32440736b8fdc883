package truststore

import "errors"

var (
	ErrPublish       = errors.New("publish certificate")
	ErrOpenStore     = errors.New("open trust store")
	ErrHandleClosed  = errors.New("trust store handle closed")
	ErrUnknownDriver = errors.New("unknown trust store driver")
	ErrReadRecord    = errors.New("read trust store record")
	ErrWriteRecord   = errors.New("write trust store record")
	ErrMigrate       = errors.New("migrate trust store")
)
