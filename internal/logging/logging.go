// Package logging provides the single shared logrus configuration point for
// every component, mirroring the teacher's util.GetLogger(ctx) convention
// but keyed by component name rather than request context.
package logging

import "github.com/sirupsen/logrus"

// Logger returns a logrus.Entry scoped to component, so every log line it
// produces carries a "component" field without the caller needing to set
// one explicitly.
func Logger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// SetLevel parses level (e.g. "debug", "info", "warn") and applies it to the
// shared logrus logger. Unknown levels fall back to info.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}
