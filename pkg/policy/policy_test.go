package policy

import (
	"testing"

	"github.com/p3394/exemplar/pkg/principal"
)

func enforcedEngine() *Engine {
	e := NewEngine(DefaultRules())
	e.SetEnforce(true)
	return e
}

func human(role string) *principal.Principal {
	return &principal.Principal{
		URN:  principal.URN("acme", role, "tester"),
		Type: principal.TypeHuman,
	}
}

func TestSystemPrincipalAlwaysAllowed(t *testing.T) {
	e := enforcedEngine()
	res := e.Authorize(Input{
		Principal:            &principal.Principal{URN: principal.SystemURN, Type: principal.TypeSystem},
		RequestedPermissions: []string{"admin:configure"},
	})
	if res.Decision != Allow || res.Rule != "system-principal" {
		t.Errorf("got %+v", res)
	}
}

func TestAdminRoleAllowed(t *testing.T) {
	e := enforcedEngine()
	res := e.Authorize(Input{
		Principal:            human("admin"),
		Assurance:            principal.AssuranceLow,
		RequestedPermissions: []string{"admin:configure"},
	})
	if res.Decision != Allow || res.Rule != "admin-role" {
		t.Errorf("got %+v", res)
	}
}

func TestAnonymousDeniedSensitive(t *testing.T) {
	e := enforcedEngine()
	res := e.Authorize(Input{
		Principal:            &principal.Principal{URN: principal.AnonymousURN, Type: principal.TypeAnonymous},
		RequestedPermissions: []string{"execute:shell"},
	})
	if res.Decision != Deny || res.Rule != "anonymous-sensitive" {
		t.Errorf("got %+v", res)
	}
}

func TestAdminPermissionsNeedHighAssurance(t *testing.T) {
	e := enforcedEngine()
	res := e.Authorize(Input{
		Principal:            human("user"),
		Assurance:            principal.AssuranceMedium,
		RequestedPermissions: []string{"admin:configure"},
		GrantedPermissions:   []string{"admin:configure"},
	})
	if res.Decision != Deny || res.Rule != "admin-needs-high-assurance" {
		t.Errorf("got %+v", res)
	}
	if res.Reason != "HIGH assurance required for admin permissions" {
		t.Errorf("reason = %q", res.Reason)
	}

	res = e.Authorize(Input{
		Principal:            human("user"),
		Assurance:            principal.AssuranceHigh,
		RequestedPermissions: []string{"admin:configure"},
		GrantedPermissions:   []string{"admin:configure"},
	})
	if res.Decision != Allow {
		t.Errorf("HIGH assurance should pass rule 4: got %+v", res)
	}
}

func TestWritePermissionsNeedMediumAssurance(t *testing.T) {
	e := enforcedEngine()
	res := e.Authorize(Input{
		Principal:            human("user"),
		Assurance:            principal.AssuranceLow,
		RequestedPermissions: []string{"write:memory"},
		GrantedPermissions:   []string{"write:memory"},
	})
	if res.Decision != Deny || res.Rule != "write-needs-medium-assurance" {
		t.Errorf("got %+v", res)
	}
}

func TestGrantedCoversRequested(t *testing.T) {
	e := enforcedEngine()
	res := e.Authorize(Input{
		Principal:            human("user"),
		Assurance:            principal.AssuranceMedium,
		RequestedPermissions: []string{"write:memory", "read:status"},
		GrantedPermissions:   []string{"write:*", "read:*"},
	})
	if res.Decision != Allow || res.Rule != "granted-covers-requested" {
		t.Errorf("got %+v", res)
	}
}

func TestAuthenticatedReadOnly(t *testing.T) {
	e := enforcedEngine()
	res := e.Authorize(Input{
		Principal:            human("user"),
		Assurance:            principal.AssuranceLow,
		RequestedPermissions: []string{"read:status"},
	})
	if res.Decision != Allow || res.Rule != "authenticated-read-only" {
		t.Errorf("got %+v", res)
	}
}

func TestDefaultDeny(t *testing.T) {
	e := enforcedEngine()
	res := e.Authorize(Input{
		Principal:            human("user"),
		Assurance:            principal.AssuranceMedium,
		RequestedPermissions: []string{"execute:shell"},
	})
	if res.Decision != Deny || res.Rule != "default-deny" {
		t.Errorf("got %+v", res)
	}
}

func TestEnforcementOffStillComputes(t *testing.T) {
	e := NewEngine(DefaultRules()) // enforcement off

	res := e.Authorize(Input{
		Principal:            &principal.Principal{URN: principal.AnonymousURN, Type: principal.TypeAnonymous},
		RequestedPermissions: []string{"admin:configure"},
	})
	if res.Decision != Deny {
		t.Errorf("decision should still be computed: got %+v", res)
	}
	if !res.Allowed() {
		t.Error("with enforcement off the caller must be told ALLOW")
	}
}

func TestPerChannelEnforcement(t *testing.T) {
	e := NewEngine(DefaultRules())
	e.EnforceChannel("api")

	in := Input{
		Principal:            &principal.Principal{URN: principal.AnonymousURN, Type: principal.TypeAnonymous},
		RequestedPermissions: []string{"write:memory"},
	}

	in.ChannelID = "api"
	if e.Authorize(in).Allowed() {
		t.Error("enforced channel must deny")
	}

	in.ChannelID = "cli"
	if !e.Authorize(in).Allowed() {
		t.Error("non-enforced channel must be told ALLOW")
	}
}

func TestPermissionLevel(t *testing.T) {
	tests := map[string]string{
		"*":              LevelAdmin,
		"admin":          LevelAdmin,
		"admin:config":   LevelAdmin,
		"write:memory":   LevelWrite,
		"execute:shell":  LevelExecute,
		"read:status":    LevelRead,
		"something-else": LevelWrite,
	}
	for perm, want := range tests {
		if got := PermissionLevel(perm); got != want {
			t.Errorf("PermissionLevel(%q) = %q, want %q", perm, got, want)
		}
	}
}
