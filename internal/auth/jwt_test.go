package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/123ashny/KENYASHIP/internal/model"
)

const testSecret = "unit-test-jwt-secret-0123456789abcdef"

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier(testSecret, time.Hour)
	tok, err := v.IssueToken("u1", "driver")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "u1" || p.Role != "driver" {
		t.Fatalf("principal = %+v", p)
	}
}

func TestVerifyExpired(t *testing.T) {
	v := NewVerifier(testSecret, -time.Minute)
	tok, err := v.IssueToken("u1", "driver")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	tok, err := NewVerifier(testSecret, time.Hour).IssueToken("u1", "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other := NewVerifier("another-secret-0123456789abcdefghij", time.Hour)
	if _, err := other.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	v := NewVerifier(testSecret, time.Hour)
	for _, tok := range []string{"", "abc", "a.b.c"} {
		if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q): expected ErrInvalidToken, got %v", tok, err)
		}
	}
}

func TestVerifyNormalisesRole(t *testing.T) {
	v := NewVerifier(testSecret, time.Hour)
	tok, err := v.IssueToken("u2", " Dispatcher ")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Role != "dispatcher" {
		t.Fatalf("role = %q", p.Role)
	}
}

func TestHasPermission(t *testing.T) {
	cases := []struct {
		role, perm string
		want       bool
	}{
		{model.RoleAdmin, "anything:at_all", true},
		{model.RoleSystem, "write:delivery_status", true},
		{model.RoleDriver, "write:emergency", true},
		{model.RoleDriver, "read:audit", false},
		{model.RoleDispatcher, "read:audit", true},
		{model.RoleDispatcher, "write:security_alert", false},
		{model.RoleSecurityOfficer, "read:location_history", true},
		{model.RoleCustomer, "read:own_notification", true},
		{model.RoleCustomer, "read:emergency", false},
		{"unknown_role", "read:own_delivery", false},
	}
	for _, c := range cases {
		if got := HasPermission(c.role, c.perm); got != c.want {
			t.Fatalf("HasPermission(%s, %s) = %v, want %v", c.role, c.perm, got, c.want)
		}
	}
}

func TestPermissionsCopy(t *testing.T) {
	perms := Permissions(model.RoleDriver)
	if len(perms) == 0 {
		t.Fatal("driver grants missing")
	}
	perms[0] = "tampered"
	if HasPermission(model.RoleDriver, "tampered") {
		t.Fatal("Permissions must return a copy")
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range Roles() {
		if !ValidRole(r) {
			t.Fatalf("role %q from Roles() not valid", r)
		}
	}
	if ValidRole("superuser") {
		t.Fatal("unknown role accepted")
	}
}
