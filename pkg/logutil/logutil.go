// Package logutil provides the default logger used across syncbase when
// a caller does not inject one of their own.
package logutil

import (
	"io"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
)

// New returns a logrus-backed loggers.Advanced, matching the default logger
// construction used throughout spirit's migration runner.
func New() loggers.Advanced {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Discard returns a logger that drops everything, for tests that don't want
// log noise on stdout.
func Discard() loggers.Advanced {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
