// Package xlog provides the engine's logging port: a package-level
// logrus.Logger and subject-prefixed helpers that always take the thing
// being acted on as their first argument.
package xlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide sink. Replaceable by a host application
// before the engine runs (e.g. to redirect to a file or to inject
// structured fields); the engine itself never constructs one.
var Logger = logrus.StandardLogger()

// subject renders the optional first argument of a log call: typically a
// sysdef.NodeAddress, a file path, or nil for sequence-global events.
func subject(o interface{}) string {
	if o == nil {
		return "-"
	}
	if s, ok := o.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", o)
}

// Debugf logs at debug level, prefixed with the subject.
func Debugf(o interface{}, format string, args ...interface{}) {
	Logger.WithField("subject", subject(o)).Debugf(format, args...)
}

// Infof logs at info level, prefixed with the subject.
func Infof(o interface{}, format string, args ...interface{}) {
	Logger.WithField("subject", subject(o)).Infof(format, args...)
}

// Errorf logs at error level, prefixed with the subject.
func Errorf(o interface{}, format string, args ...interface{}) {
	Logger.WithField("subject", subject(o)).Errorf(format, args...)
}

// Warnf logs at warn level, prefixed with the subject.
func Warnf(o interface{}, format string, args ...interface{}) {
	Logger.WithField("subject", subject(o)).Warnf(format, args...)
}
