package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"callifornia/client/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.PingIntervalMs != 500 {
		t.Errorf("expected ping interval 500ms, got %d", cfg.PingIntervalMs)
	}
	if cfg.RingTimeoutSec != 32 {
		t.Errorf("expected ring timeout 32s, got %d", cfg.RingTimeoutSec)
	}
	if len(cfg.SavedServers) == 0 {
		t.Error("expected at least one default saved server")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		Nickname:       "alice",
		PingIntervalMs: 500,
		RingTimeoutSec: 32,
		SavedServers: []config.ServerEntry{
			{Name: "Home", Addr: "192.168.1.10:4433"},
		},
	}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.Nickname != cfg.Nickname {
		t.Errorf("nickname: want %q got %q", cfg.Nickname, loaded.Nickname)
	}
	if len(loaded.SavedServers) != 1 || loaded.SavedServers[0].Addr != "192.168.1.10:4433" {
		t.Errorf("saved servers: unexpected value %+v", loaded.SavedServers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.RingTimeoutSec == 0 {
		t.Error("expected non-zero ring timeout from defaults")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "callifornia", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.RingTimeoutSec != 32 {
		t.Errorf("expected default ring timeout on corrupt file, got %d", cfg.RingTimeoutSec)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "callifornia", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}
