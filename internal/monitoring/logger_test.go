package monitoring

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op logger
	called = false
	SetLogger(nil)
	Logf("test")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_DefaultGoesToLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf)
	restore := Replace(l)
	defer restore()

	original := Logf
	defer func() { Logf = original }()
	Logf = func(format string, v ...interface{}) { Logger().Infof(format, v...) }

	Logf("rotating %d steps", 88)
	if !strings.Contains(buf.String(), "rotating 88 steps") {
		t.Errorf("log output %q missing message", buf.String())
	}
}

func TestConfigure(t *testing.T) {
	var buf bytes.Buffer
	restore := Replace(newLogger(&buf))
	defer restore()

	Configure("debug")
	if Logger().GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", Logger().GetLevel())
	}

	Configure("bogus")
	if Logger().GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info fallback", Logger().GetLevel())
	}

	Configure("off")
	buf.Reset()
	Logger().Error("should be discarded")
	if buf.Len() != 0 {
		t.Errorf("expected no output after off, got %q", buf.String())
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	restore := Replace(newLogger(&buf))
	defer restore()

	Component("motion").Info("homing")
	if out := buf.String(); !strings.Contains(out, "component=motion") || !strings.Contains(out, "homing") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestReplaceRestores(t *testing.T) {
	before := Logger()
	restore := Replace(Discard())
	if Logger() == before {
		t.Fatal("Replace did not swap the logger")
	}
	restore()
	if Logger() != before {
		t.Error("restore did not bring back the previous logger")
	}
}
