package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("llm:\n  api_key: ${BANTER_TEST_KEY}\n"), 0600)
	t.Setenv("BANTER_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.LLM.APIKey, "secret123")
	}
}

func TestLoad_KeepsDefaultsForOmittedSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("moderation:\n  similarity_threshold: 0.95\n  history_size: 90\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Moderation.SimilarityThreshold != 0.95 {
		t.Errorf("similarity_threshold = %v, want 0.95", cfg.Moderation.SimilarityThreshold)
	}
	if cfg.Moderation.HistorySize != 90 {
		t.Errorf("history_size = %d, want 90", cfg.Moderation.HistorySize)
	}
	if cfg.Moderation.SimilarityMinLength != 85 {
		t.Errorf("similarity_min_length = %d, want default 85", cfg.Moderation.SimilarityMinLength)
	}
	if cfg.Limits.MaxTokens != 1400 {
		t.Errorf("max_tokens = %d, want default 1400", cfg.Limits.MaxTokens)
	}
	if cfg.Chat.CommandPrefix != "!" {
		t.Errorf("command_prefix = %q, want %q", cfg.Chat.CommandPrefix, "!")
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("limits:\n  max_tokens: 5000\ncooldown:\n  mention_sec: -1\n"), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load should reject max_tokens above hard_max_tokens")
	}
	for _, want := range []string{"hard_max_tokens", "cooldown"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestIsAdmin(t *testing.T) {
	cfg := Default()
	cfg.Admins = []string{"tena", "Cake"}
	if !cfg.IsAdmin("tena") {
		t.Error("tena should be admin")
	}
	if cfg.IsAdmin("cake") {
		t.Error("admin match must be exact")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseLogLevel(%q) err = %v, want err %v", tt.in, err, tt.err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
