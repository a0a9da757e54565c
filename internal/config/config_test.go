package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Contracts.UnpaidCancelAfter.Duration != 48*time.Hour {
		t.Fatalf("unpaid_cancel_after: %v", cfg.Contracts.UnpaidCancelAfter)
	}
	if cfg.Jobs.ExpireOverdueEvery.Duration != 24*time.Hour {
		t.Fatalf("expire_overdue_every: %v", cfg.Jobs.ExpireOverdueEvery)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("platform:\n  fee_bps: 250\ncontracts:\n  review_window: 24h\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Platform.FeeBps != 250 {
		t.Fatalf("fee_bps: %d", cfg.Platform.FeeBps)
	}
	if cfg.Contracts.ReviewWindow.Duration != 24*time.Hour {
		t.Fatalf("review_window: %v", cfg.Contracts.ReviewWindow)
	}
	if cfg.Platform.Currency != "usd" {
		t.Fatalf("currency default lost: %q", cfg.Platform.Currency)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"fee":      "platform:\n  fee_bps: 10000\n",
		"duration": "contracts:\n  unpaid_cancel_after: nope\n",
		"batch":    "jobs:\n  batch_size: 0\n",
		"due":      "contracts:\n  default_due_days: 0\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestLoadMissingAndOptional(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	cfg, err := LoadOrDefault(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load or default: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "escrowline.yml"), []byte("platform:\n  fee_bps: 500\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform.FeeBps != 500 {
		t.Fatalf("fee_bps: %d", cfg.Platform.FeeBps)
	}
}

func TestYAMLRoundTripKeepsDurations(t *testing.T) {
	out, err := Default().YAML()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "unpaid_cancel_after: 48h0m0s") {
		t.Fatalf("rendered yaml missing duration:\n%s", out)
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("ESCROWLINE_JWT_SECRET", "jwt")
	t.Setenv("ESCROWLINE_WEBHOOK_SECRET", "whsec")
	t.Setenv("ESCROWLINE_PROCESSOR_API_KEY", "sk_test")
	s, err := LoadSecrets()
	if err != nil {
		t.Fatalf("load secrets: %v", err)
	}
	if s.ProcessorBaseURL != "https://api.stripe.com" {
		t.Fatalf("base url default: %q", s.ProcessorBaseURL)
	}
	if err := s.RequireServe(); err != nil {
		t.Fatalf("require serve: %v", err)
	}
	if err := (Secrets{}).RequireServe(); err == nil {
		t.Fatalf("expected missing secret error")
	}
}
