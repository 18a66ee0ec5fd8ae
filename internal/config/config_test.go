package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want UTC", cfg.Timezone)
	}
	if cfg.TickSeconds != 60 {
		t.Errorf("TickSeconds = %d, want 60", cfg.TickSeconds)
	}
	if cfg.UnlockCommand != "unlock" {
		t.Errorf("UnlockCommand = %q, want unlock", cfg.UnlockCommand)
	}
	if _, ok := cfg.Audiences[AudienceProduction]; !ok {
		t.Error("missing production audience")
	}
	if _, ok := cfg.Audiences[AudienceDevelopment]; !ok {
		t.Error("missing development audience")
	}

	// Relative paths are resolved against home.
	prod := cfg.Audiences[AudienceProduction]
	if !filepath.IsAbs(prod.CommandsDir) {
		t.Errorf("CommandsDir not resolved: %q", prod.CommandsDir)
	}
	if cfg.FragmentsDir != filepath.Join(home, "config.d") {
		t.Errorf("FragmentsDir = %q", cfg.FragmentsDir)
	}
}

func TestLoadFrom_FileOverrides(t *testing.T) {
	home := t.TempDir()
	yaml := `
log_level: debug
timezone: Europe/Berlin
tick_seconds: 30
admins: ["100", "200"]
watch:
  mode: poll
  poll_interval_seconds: 5
audiences:
  production:
    chat_id: -100123
    commands_dir: cmds/prod
    tasks_dir: jobs/prod
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Timezone != "Europe/Berlin" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
	if cfg.Location().String() != "Europe/Berlin" {
		t.Errorf("Location = %q", cfg.Location())
	}
	if cfg.Watch.Mode != "poll" || cfg.PollInterval().Seconds() != 5 {
		t.Errorf("watch config not applied: %+v", cfg.Watch)
	}
	prod := cfg.Audiences[AudienceProduction]
	if prod.ChatID != -100123 {
		t.Errorf("ChatID = %d", prod.ChatID)
	}
	if prod.CommandsDir != filepath.Join(home, "cmds/prod") {
		t.Errorf("CommandsDir = %q", prod.CommandsDir)
	}
	if len(cfg.Admins) != 2 {
		t.Errorf("Admins = %v", cfg.Admins)
	}
}

func TestLoadFrom_InvalidTimezone(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("timezone: Mars/Olympus\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("QUARTERMASTER_BOT_TOKEN", "123456789:AAEexampleexampleexampleexample")
	t.Setenv("QUARTERMASTER_LOG_LEVEL", "warn")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.Token == "" {
		t.Errorf("telegram env override not applied: %+v", cfg.Telegram)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestAudienceNames_Sorted(t *testing.T) {
	cfg := Config{Audiences: map[string]AudienceConfig{
		"zeta": {}, "alpha": {}, "mid": {},
	}}
	names := cfg.AudienceNames()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}
