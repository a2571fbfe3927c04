package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/banter/internal/defaults"
)

// runInit writes a starter config and the prompt files it references
// into dir. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Banter workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// The config holds the chat token and API key.
	files := []struct {
		name    string
		content []byte
		mode    os.FileMode
	}{
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{"system.txt", defaults.SystemPrompt, 0o644},
		{"base.json", defaults.BaseTurns, 0o644},
		{"summary.json", defaults.SummaryTurns, 0o644},
	}
	for _, f := range files {
		if err := writeIfMissing(w, filepath.Join(dir, f.name), f.content, f.mode); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to set the chat URL, nick and API key, then run: banter serve")
	return nil
}

// writeIfMissing writes content to path with mode unless the file
// already exists, reporting either outcome to w.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
