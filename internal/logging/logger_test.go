package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestLogger_ComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").WithComponent("executor")
	log.Warn("node failed", Fields(FieldNode, "fetch", FieldError, errors.New("boom")))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry[FieldComponent] != "executor" {
		t.Errorf("expected component executor, got %v", entry[FieldComponent])
	}
	if entry[FieldNode] != "fetch" || entry[FieldError] != "boom" {
		t.Errorf("unexpected fields: %v", entry)
	}
	if entry["level"] != "warn" {
		t.Errorf("expected warn level, got %v", entry["level"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "error")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered, got %q", buf.String())
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"bad level", Config{Level: "loud"}, true},
		{"bad format", Config{Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.ApplyDefaults()
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
