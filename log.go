package hafnium

import (
	"io"

	"github.com/sirupsen/logrus"
)

// log is the package logger. It stays quiet by default; SetLogger swaps in
// an application-configured one.
var log = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetLogger directs the package's structured logging to the given logger.
// Passing nil restores the discarding default.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		l = newDefaultLogger()
	}
	log = l
}
