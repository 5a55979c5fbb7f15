package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alicia-home/alicia/internal/config"
)

func TestRunVersionText(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out.String(), "alicia") {
		t.Errorf("version output = %q", out.String())
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output missing go_version: %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out.String())
	}
	for _, k := range []string{"version", "go_version", "os", "arch"} {
		if info[k] == "" {
			t.Errorf("version JSON missing %q", k)
		}
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil); err != nil {
		t.Fatalf("run with no args: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: alicia") {
		t.Errorf("usage output = %q", out.String())
	}
	// Every hostable service must appear in the help text.
	for _, name := range serviceNames() {
		if !strings.Contains(out.String(), name) {
			t.Errorf("usage missing service %q", name)
		}
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunRejectsBadOutputFormat(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-o", "xml", "version"})
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Fatalf("err = %v", err)
	}
}

func TestApplyOverlay(t *testing.T) {
	base := config.TTSConfig{Engine: "piper", Voice: "amy", MaxTextLength: 1000}

	merged, err := applyOverlay(base, map[string]any{
		"engine":          "google",
		"max_text_length": 500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if merged.Engine != "google" || merged.MaxTextLength != 500 {
		t.Errorf("merged = %+v", merged)
	}
	// Keys absent from the overlay keep their bootstrap values.
	if merged.Voice != "amy" {
		t.Errorf("voice = %q, want amy", merged.Voice)
	}

	// An empty overlay is a no-op.
	same, err := applyOverlay(base, nil)
	if err != nil {
		t.Fatal(err)
	}
	if same != base {
		t.Errorf("same = %+v", same)
	}
}
