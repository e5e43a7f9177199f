package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("text") != FormatText {
		t.Error("text should parse to FormatText")
	}
	if ParseFormat("whatever") != FormatJSON {
		t.Error("unknown format should default to FormatJSON")
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	l.Infof("route assigned", map[string]any{"resource": "r1", "node": "n1:443"})

	var e Entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal: %v\nraw: %s", err, buf.String())
	}
	if e.Level != "info" || e.Message != "route assigned" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Fields["resource"] != "r1" || e.Fields["node"] != "n1:443" {
		t.Errorf("fields = %v", e.Fields)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})

	l.Info("dropped")
	l.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}

	l.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn entry missing: %q", buf.String())
	}
}

func TestLoggerWithSharesSink(t *testing.T) {
	var buf bytes.Buffer
	parent := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})
	child := parent.With(map[string]any{"component": "proxy"})

	parent.SetLevel(LevelError)
	child.Info("should be filtered")
	if buf.Len() != 0 {
		t.Fatalf("child should follow parent level, got %q", buf.String())
	}

	parent.SetLevel(LevelInfo)
	child.WithCorrelationID("abc").Infof("hello", map[string]any{"attempt": 2})
	out := buf.String()
	for _, want := range []string{"[info] hello", "correlationId=abc", "component=proxy", "attempt=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestLoggerWithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(Config{Level: LevelInfo, Output: &buf})
	_ = parent.With(map[string]any{"k": "v"})

	parent.Info("plain")
	var e Entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if len(e.Fields) != 0 {
		t.Errorf("parent picked up child fields: %v", e.Fields)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing happens")
	if l.GetLevel() <= LevelError {
		t.Errorf("discard logger level = %v", l.GetLevel())
	}
}
