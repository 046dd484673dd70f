// Package monitoring holds the process logger. Logs always go to stderr
// because stdout carries the line protocol.
package monitoring

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stderr)
)

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return l
}

// Logf is the package-level diagnostic logger. It defaults to the logrus
// logger at info level but may be replaced by SetLogger. Tests or production
// code can redirect or mute it.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	Logger().Infof(format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger returns the process logger.
func Logger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Replace swaps the process logger and returns a function restoring the
// previous one.
func Replace(l *logrus.Logger) (restore func()) {
	mu.Lock()
	prev := logger
	logger = l
	mu.Unlock()
	return func() {
		mu.Lock()
		logger = prev
		mu.Unlock()
	}
}

// Configure applies a level name to the process logger. "off" and "none"
// discard all output; an unknown name falls back to info.
func Configure(level string) {
	l := Logger()
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "off", "none":
		l.SetOutput(io.Discard)
		return
	case "":
		l.SetLevel(logrus.InfoLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		l.WithField("level", level).Warn("unknown log level, using info")
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return Logger().WithField("component", name)
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	return newLogger(io.Discard)
}
