package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("mqtt:\n  host: broker\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/alicia.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's alicia.yaml)
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alicia.yaml")
	os.WriteFile(path, []byte("mqtt:\n  host: broker\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "alicia.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "alicia.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alicia.yaml")
	os.WriteFile(path, []byte("mqtt:\n  host: broker\n  password: ${ALICIA_TEST_PASSWORD}\n"), 0600)
	os.Setenv("ALICIA_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("ALICIA_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_DefaultsSurviveOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alicia.yaml")
	os.WriteFile(path, []byte("mqtt:\n  host: broker\ntts:\n  engine: google\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.TTS.Engine != "google" {
		t.Errorf("tts.engine = %q, want %q", cfg.TTS.Engine, "google")
	}
	// Untouched knobs keep their defaults.
	if cfg.TTS.MaxTextLength != 1000 {
		t.Errorf("tts.max_text_length = %d, want 1000", cfg.TTS.MaxTextLength)
	}
	if cfg.Devices.MaxConcurrentCommands != 10 {
		t.Errorf("device_manager.max_concurrent_commands = %d, want 10", cfg.Devices.MaxConcurrentCommands)
	}
}

func TestLoad_DirDefaultsFollowDataDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alicia.yaml")
	os.WriteFile(path, []byte("mqtt:\n  host: broker\ndata_dir: /var/lib/alicia\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if want := filepath.Join("/var/lib/alicia", "config"); cfg.ConfigSvc.Dir != want {
		t.Errorf("config_service.dir = %q, want %q", cfg.ConfigSvc.Dir, want)
	}
	if want := filepath.Join("/var/lib/alicia", "keys"); cfg.Security.KeysDir != want {
		t.Errorf("security.keys_dir = %q, want %q", cfg.Security.KeysDir, want)
	}
}

func TestValidate_RejectsBadAlgorithm(t *testing.T) {
	cfg := Default()
	cfg.Balancer.Algorithm = "fastest_first"

	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject unknown load balancer algorithm")
	}
}

func TestValidate_RejectsMissingHost(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Host = ""

	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject empty mqtt.host")
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v, want nil", err)
	}
}

func TestMQTTURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  MQTTConfig
		want string
	}{
		{"plain", MQTTConfig{Host: "broker.local", Port: 1883}, "mqtt://broker.local:1883"},
		{"tls", MQTTConfig{Host: "broker.local", Port: 8883, TLS: true}, "ssl://broker.local:8883"},
	}
	for _, tt := range tests {
		if got := tt.cfg.URL(); got != tt.want {
			t.Errorf("%s: URL() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSeconds(t *testing.T) {
	if got := Seconds(0, 30*time.Second); got != 30*time.Second {
		t.Errorf("Seconds(0) = %v, want default 30s", got)
	}
	if got := Seconds(5, 30*time.Second); got != 5*time.Second {
		t.Errorf("Seconds(5) = %v, want 5s", got)
	}
}
