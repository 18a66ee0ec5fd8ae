package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFragment(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	return path
}

func TestFragments_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFragment(t, dir, "rewards.yaml", "daily_bonus: 50\ncurrency: shards\n")

	f := NewFragments()
	if err := f.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	values := f.Get("rewards")
	if values == nil {
		t.Fatal("fragment not installed under derived name")
	}
	if values["currency"] != "shards" {
		t.Errorf("currency = %v", values["currency"])
	}
}

func TestFragments_ReloadReplaces(t *testing.T) {
	dir := t.TempDir()
	path := writeFragment(t, dir, "rewards.yaml", "daily_bonus: 50\n")

	f := NewFragments()
	if err := f.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	writeFragment(t, dir, "rewards.yaml", "daily_bonus: 75\n")
	if err := f.LoadFile(path); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if got := f.Get("rewards")["daily_bonus"]; got != 75 {
		t.Errorf("daily_bonus = %v, want 75", got)
	}
	if len(f.Names()) != 1 {
		t.Errorf("Names = %v, want one entry", f.Names())
	}
}

func TestFragments_UnloadUnknownIsNoop(t *testing.T) {
	f := NewFragments()
	f.Unload("never-loaded")
	if got := f.Names(); len(got) != 0 {
		t.Fatalf("Names = %v, want empty", got)
	}
}

func TestFragments_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "rewards.yaml", "daily_bonus: 50\n")
	writeFragment(t, dir, "greetings.yml", "welcome: hello\n")
	writeFragment(t, dir, "notes.txt", "ignored")

	f := NewFragments()
	if err := f.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	names := f.Names()
	if len(names) != 2 || names[0] != "greetings" || names[1] != "rewards" {
		t.Fatalf("Names = %v", names)
	}
}

func TestFragments_LoadDir_Missing(t *testing.T) {
	f := NewFragments()
	if err := f.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
}

func TestFragments_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFragment(t, dir, "broken.yaml", "a: [unclosed\n")

	f := NewFragments()
	if err := f.LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
	if f.Get("broken") != nil {
		t.Fatal("malformed fragment must not be installed")
	}
}
