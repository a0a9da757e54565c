package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestPutThenStat(t *testing.T) {
	fs := FS{Root: t.TempDir()}
	ctx := context.Background()
	if err := fs.Put(ctx, "deliverables/o/c/w/shot.png", strings.NewReader("png")); err != nil {
		t.Fatalf("put: %v", err)
	}
	info, err := fs.Stat(ctx, "deliverables/o/c/w/shot.png")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size != 3 || info.Path != "deliverables/o/c/w/shot.png" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if _, err := fs.Stat(ctx, "deliverables/o/c/w/missing.png"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
	if _, err := fs.Stat(ctx, "deliverables/o/c/w"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("directory should not count as object, got %v", err)
	}
}

func TestCleanPathRejectsTraversal(t *testing.T) {
	for _, p := range []string{"", "../etc/passwd", "a/../../b", "a//b", "a\\b", "a/./b"} {
		if _, err := CleanPath(p); err == nil {
			t.Errorf("expected %q to be rejected", p)
		}
	}
	if got, err := CleanPath("/disputes/o/c/x.pdf"); err != nil || got != "disputes/o/c/x.pdf" {
		t.Fatalf("leading slash: %q %v", got, err)
	}
}
