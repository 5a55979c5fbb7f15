package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alicia-home/alicia/internal/defaults"
)

// runInit initializes an alicia working directory. It creates the data
// tree (config overlays, gateway keys, device certificates) and writes the
// example bootstrap config. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing alicia workspace in %s\n", dir)

	// Create the data directory tree. The config service and the security
	// gateway also create their own subtrees on first boot; doing it here
	// makes the layout visible before anything runs.
	for _, sub := range []string{
		filepath.Join("data", "config", "services"),
		filepath.Join("data", "config", "environments"),
		filepath.Join("data", "config", "schemas"),
		filepath.Join("data", "keys"),
		filepath.Join("data", "certs"),
	} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// Write the example config if none exists.
	configPath := filepath.Join(dir, "alicia.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)
	fmt.Fprintf(w, "  ✓ %s\n", filepath.Join(dir, "data"))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit alicia.yaml, then start everything with: alicia serve all")
	fmt.Fprintln(w, "Per-service overlays go under data/config/services/<service>.json.")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
