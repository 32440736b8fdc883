package server

import (
	"io"
	"log"

	"github.com/sirupsen/logrus"
)

// newErrorLog routes net/http errors, failed handshakes included, to logrus.
func newErrorLog(l logrus.FieldLogger) *log.Logger {
	var w io.Writer
	switch v := l.(type) {
	case *logrus.Logger:
		w = v.WriterLevel(logrus.WarnLevel)
	case *logrus.Entry:
		w = v.WriterLevel(logrus.WarnLevel)
	default:
		w = logrus.StandardLogger().WriterLevel(logrus.WarnLevel)
	}
	return log.New(w, "", 0)
}
