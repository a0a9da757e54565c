package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"escrowline/internal/config"
)

func TestOpenMigratesWorkspace(t *testing.T) {
	ws := t.TempDir()
	a, err := Open(context.Background(), Options{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close(context.Background())

	if a.Engine.Processor == nil {
		t.Fatalf("processor not wired")
	}
	if _, err := os.Stat(filepath.Join(ws, ".escrowline", "escrowline.db")); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	want := filepath.Join(ws, ".escrowline", "objects")
	if a.Config.Storage.EvidenceRoot != want {
		t.Fatalf("evidence root %q, want %q", a.Config.Storage.EvidenceRoot, want)
	}
	if a.LockDir() != filepath.Join(ws, ".escrowline") {
		t.Fatalf("unexpected lock dir %q", a.LockDir())
	}
}

func TestLoadConfigExplicitPathMustExist(t *testing.T) {
	if _, err := LoadConfig(Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yml")}); err == nil {
		t.Fatalf("expected error for missing config")
	}
	ws := t.TempDir()
	if err := os.WriteFile(config.Path(ws), []byte("platform:\n  fee_bps: 250\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(Options{Workspace: ws})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform.FeeBps != 250 || cfg.Contracts.DefaultDueDays != 14 {
		t.Fatalf("unexpected merged config: %+v", cfg.Platform)
	}
}
