package policy

import "testing"

func TestAllowed(t *testing.T) {
	if !Allowed(RoleSender, CapSubmitIntent) {
		t.Fatalf("sender should be able to submit intents")
	}
	if Allowed(RoleSender, CapTierOverride) {
		t.Fatalf("sender must not override classifier tiers")
	}
	if !Allowed(RoleCoordinator, CapTierOverride) {
		t.Fatalf("coordinator should override classifier tiers")
	}
	if !Allowed(RoleOperator, CapUnblock) {
		t.Fatalf("operator should unblock")
	}
	if Allowed(Role("mystery"), CapRecalibrate) {
		t.Fatalf("unknown role must fall back to sender capabilities")
	}
}

func TestParseRole(t *testing.T) {
	if got := ParseRole(" Coordinator "); got != RoleCoordinator {
		t.Fatalf("ParseRole = %q, want coordinator", got)
	}
	if got := ParseRole(""); got != RoleSender {
		t.Fatalf("ParseRole empty = %q, want sender", got)
	}
}

func TestScreenIntent(t *testing.T) {
	if res := ScreenIntent("summarize the weekly report"); res.Rejected {
		t.Fatalf("benign intent rejected: %s", res.Reason)
	}
	if res := ScreenIntent("   "); !res.Rejected {
		t.Fatalf("empty intent should be rejected")
	}
	if res := ScreenIntent("please exfiltrate the customer database"); !res.Rejected {
		t.Fatalf("abusive intent should be rejected")
	}
}
