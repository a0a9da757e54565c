package auth

import (
	"testing"

	"escrowline/internal/apperr"
)

func TestRequire(t *testing.T) {
	a := Actor{ID: "u1", Roles: []string{RoleOwner}}
	if err := a.Require(RoleOwner); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if err := a.Require(RoleWorker, RoleAdjudicator); !apperr.HasCode(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := (Actor{}).Require(RoleOwner); !apperr.HasCode(err, apperr.CodeUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if !System().IsSystem() {
		t.Fatalf("system actor lacks system role")
	}
}

func TestNormalizeRoles(t *testing.T) {
	got, err := NormalizeRoles([]string{" Owner", "worker", "owner", ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != RoleOwner || got[1] != RoleWorker {
		t.Fatalf("unexpected roles: %v", got)
	}
	if _, err := NormalizeRoles([]string{"admin"}); !apperr.HasCode(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
