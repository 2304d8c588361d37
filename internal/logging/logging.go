// Package logging is the logrus-backed façade every connection and
// stream is constructed with: an explicit value threaded through
// constructors rather than a package-level singleton.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry carrying a fixed "component" field.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger tagged with component. Callers thread this
// value explicitly through constructors (NewDcpProducer, NewActiveStream,
// ...) rather than reaching for a shared instance.
func New(component string) *Logger {
	return &Logger{entry: logrus.WithField("component", component)}
}

// With returns a derived Logger carrying an additional field, growing
// the tag set as objects are constructed one inside another.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Nop returns a Logger that discards everything, for tests that don't
// care about log output.
func Nop() *Logger {
	l := logrus.New()
	l.SetOutput(discard{})
	return &Logger{entry: logrus.NewEntry(l)}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
