package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/banter/internal/config"
	"github.com/nugget/banter/internal/moderation"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(t.Context(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: banter") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bogus"}, "unknown command: bogus"},
		{[]string{"--nope"}, "unknown flag: --nope"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"check"}, "usage: banter check"},
		{[]string{"-config", "/nonexistent/banter.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := run(t.Context(), &out, &out, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRunVersion(t *testing.T) {
	var text bytes.Buffer
	if err := run(t.Context(), &text, &text, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text.String(), "Banter") || !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text version = %q", text.String())
	}

	var js bytes.Buffer
	if err := run(t.Context(), &js, &js, []string{"-o=json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("json version: %v (%q)", err, js.String())
	}
	if info["version"] == "" {
		t.Errorf("json version missing version: %v", info)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCheck(t *testing.T) {
	cfg := writeConfig(t, `
moderation:
  extra_phrases: ["forbidden phrase", "/bann?ed/"]
  link_guard_keywords: [destiny]
`)
	tests := []struct {
		text string
		want string
	}{
		{"a perfectly normal reply", "ok"},
		{"you said the forbidden phrase", "rejected: " + moderation.CheckBannedPhrase},
		{"clip it https://destiny.gg/embed", "rejected: " + moderation.CheckLinkGuard},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		args := append([]string{"-config", cfg, "check"}, strings.Fields(tt.text)...)
		if err := run(t.Context(), &out, &out, args); err != nil {
			t.Fatalf("check %q: %v", tt.text, err)
		}
		if got := strings.TrimSpace(out.String()); got != tt.want {
			t.Errorf("check %q = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestRunCheck_JSON(t *testing.T) {
	cfg := writeConfig(t, "moderation:\n  extra_phrases: [\"forbidden phrase\"]\n")
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"-config", cfg, "-o", "json", "check", "the", "forbidden", "phrase"}); err != nil {
		t.Fatal(err)
	}
	var v moderation.Verdict
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v (%q)", err, out.String())
	}
	if !v.Reject || len(v.Checks) != 1 || v.Checks[0] != moderation.CheckBannedPhrase {
		t.Errorf("verdict = %+v", v)
	}
}

func TestRunServe_RequiresChat(t *testing.T) {
	cfg := writeConfig(t, "data_dir: "+t.TempDir()+"\n")
	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"-config", cfg, "serve"})
	if err == nil || !strings.Contains(err.Error(), "chat.url") {
		t.Errorf("serve without chat settings error = %v", err)
	}
}

func TestMQTTStatsAdapterWithoutRecord(t *testing.T) {
	a := &mqttStatsAdapter{model: "gpt-4o-mini"}
	if a.Model() != "gpt-4o-mini" || a.Version() == "" {
		t.Errorf("adapter = %q %q", a.Model(), a.Version())
	}
}

func TestNewLogger(t *testing.T) {
	var text, js bytes.Buffer
	newLogger(&text, config.LevelTrace, "text").Log(t.Context(), config.LevelTrace, "frame")
	if !strings.Contains(text.String(), "level=TRACE") {
		t.Errorf("text output %q missing level=TRACE", text.String())
	}

	newLogger(&js, slog.LevelInfo, "json").Debug("hidden")
	newLogger(&js, slog.LevelInfo, "json").Info("shown")
	if strings.Contains(js.String(), "hidden") || !strings.Contains(js.String(), `"msg":"shown"`) {
		t.Errorf("json output = %q", js.String())
	}
}
