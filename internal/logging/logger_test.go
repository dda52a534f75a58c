package logging

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"DEBUG":    "debug",
		"debug":    "debug",
		"INFO":     "info",
		"WARNING":  "warn",
		"ERROR":    "error",
		"":         "info",
		"bogus":    "info",
		" error ":  "error",
		"CRITICAL": "dpanic",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) must return a usable logger")
	}
	logger := NewComponentLogger("test")
	if OrNop(logger) != logger {
		t.Error("OrNop should pass through non-nil loggers")
	}
}

func TestComponentLoggerDoesNotPanic(t *testing.T) {
	logger := NewComponentLogger("UnitTest")
	logger.Debug("debug %d", 1)
	logger.Info("info %s", "x")
	logger.Warn("warn")
	logger.Error("error %v", nil)
}
