package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunInitFreshDirectory(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	// Verify the data tree.
	for _, sub := range []string{
		"data/config/services",
		"data/config/environments",
		"data/config/schemas",
		"data/keys",
		"data/certs",
	} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil {
			t.Errorf("expected directory %s: %v", sub, err)
		} else if !info.IsDir() {
			t.Errorf("%s is not a directory", sub)
		}
	}

	// Verify the bootstrap config was written.
	data, err := os.ReadFile(filepath.Join(dir, "alicia.yaml"))
	if err != nil {
		t.Fatalf("alicia.yaml not created: %v", err)
	}
	if !strings.Contains(string(data), "mqtt:") {
		t.Error("alicia.yaml missing mqtt section")
	}

	if !strings.Contains(buf.String(), "✓") {
		t.Error("output missing ✓ marker for created files")
	}
}

func TestRunInitSkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("first runInit failed: %v", err)
	}

	// Write a sentinel so we can verify the second run leaves it alone.
	sentinel := []byte("# sentinel — do not overwrite\n")
	if err := os.WriteFile(filepath.Join(dir, "alicia.yaml"), sentinel, 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "alicia.yaml"))
	if err != nil {
		t.Fatalf("read alicia.yaml after second run: %v", err)
	}
	if !bytes.Equal(got, sentinel) {
		t.Errorf("alicia.yaml was overwritten: got %q", got)
	}
}

func TestInitConfigParsesAndValidates(t *testing.T) {
	// The scaffolded config must round-trip through the loader cleanly,
	// otherwise init hands the user a broken starting point.
	dir := t.TempDir()
	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	cfg, _, err := loadConfig(filepath.Join(dir, "alicia.yaml"))
	if err != nil {
		t.Fatalf("scaffolded config did not load: %v", err)
	}
	if cfg.MQTT.Host != "localhost" || cfg.MQTT.Port != 1883 {
		t.Errorf("mqtt = %s:%d, want localhost:1883", cfg.MQTT.Host, cfg.MQTT.Port)
	}
	if cfg.TTS.Engine != "piper" || cfg.STT.Engine != "whisper" {
		t.Errorf("engines = %q/%q", cfg.TTS.Engine, cfg.STT.Engine)
	}
}
