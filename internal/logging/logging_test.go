package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer

	l := Component(New(Config{Level: "debug", Format: "json", Output: &buf}), "queue")
	l.Debug().Int("n", 3).Msg("hello")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if got["component"] != "queue" {
		t.Fatalf("expected component=queue, got %v", got["component"])
	}
	if got["message"] != "hello" {
		t.Fatalf("expected message=hello, got %v", got["message"])
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	l := New(Config{Level: "warn", Output: &buf})
	l.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn, got %q", buf.String())
	}

	l.Warn().Msg("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected warn line, got %q", buf.String())
	}
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer

	l := New(Config{Level: "loud", Output: &buf})
	l.Debug().Msg("dropped")
	l.Info().Msg("kept")

	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected info level, got %q", buf.String())
	}
}
