// Package logging gives every component the same prefixed, leveled logger
// shape used throughout this codebase: Infof/Warnf/Errorf/Tracef/Fatalf
// free functions backed by a single logrus.Logger instance.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors the small set of levels components ask for by name in
// configuration (e.g. projector.settings.log_level-style keys).
type Level string

const (
	Silent Level = "silent"
	Fatal  Level = "fatal"
	Error  Level = "error"
	Warn   Level = "warn"
	Info   Level = "info"
	Debug  Level = "debug"
	Trace  Level = "trace"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLogLevel changes the process-wide log level at runtime, as happens
// on a settings reload.
func SetLogLevel(lvl Level) {
	switch lvl {
	case Silent:
		log.SetLevel(logrus.PanicLevel)
	case Fatal:
		log.SetLevel(logrus.FatalLevel)
	case Error:
		log.SetLevel(logrus.ErrorLevel)
	case Warn:
		log.SetLevel(logrus.WarnLevel)
	case Info:
		log.SetLevel(logrus.InfoLevel)
	case Debug:
		log.SetLevel(logrus.DebugLevel)
	case Trace:
		log.SetLevel(logrus.TraceLevel)
	}
}

func Tracef(format string, args ...interface{}) { log.Tracef(format, args...) }
func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { log.Fatalf(format, args...) }

// WithFields starts a structured entry, for call sites that want key=value
// fields instead of a formatted prefix string.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return log.WithFields(logrus.Fields(fields))
}
