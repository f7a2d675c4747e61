// Package logger builds the structured loggers handed to every component.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a set of structured log fields.
type Fields = logrus.Fields

// New returns a JSON logger entry at the given level. Unknown levels fall
// back to info.
func New(level string) *logrus.Entry {
	return NewWithWriter(level, os.Stderr)
}

func NewWithWriter(level string, w io.Writer) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return logrus.NewEntry(l)
}

// Discard returns a logger that drops everything. Used by tests and as the
// fallback when a component is constructed without one.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// OrDiscard returns log, or a discarding logger if log is nil.
func OrDiscard(log *logrus.Entry) *logrus.Entry {
	if log == nil {
		return Discard()
	}
	return log
}
