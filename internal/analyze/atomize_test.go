package analyze

import "testing"

func TestAtomizeSplitsCompoundAsks(t *testing.T) {
	got := atomize("Fix the login redirect bug and also update the deployment docs.")
	if len(got) != 2 {
		t.Fatalf("atomize() = %v, want 2 chunks", got)
	}
	if got[0] != "Fix the login redirect bug" {
		t.Fatalf("first chunk = %q", got[0])
	}
	if got[1] != "update the deployment docs" {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestAtomizeSplitsSentences(t *testing.T) {
	got := atomize("Research vendor pricing. Draft the comparison report; schedule a review call")
	if len(got) != 3 {
		t.Fatalf("atomize() = %v, want 3 chunks", got)
	}
}

func TestAtomizeKeepsStandaloneAsk(t *testing.T) {
	got := atomize("status")
	if len(got) != 1 || got[0] != "status" {
		t.Fatalf("atomize() = %v, want [status]", got)
	}
}

func TestAtomizeDropsFillerFragments(t *testing.T) {
	got := atomize("Ship the release notes. Thanks!")
	if len(got) != 1 || got[0] != "Ship the release notes" {
		t.Fatalf("atomize() = %v, want filler dropped", got)
	}
}

func TestAtomizeFallsBackToWholeText(t *testing.T) {
	got := atomize("!!!")
	if len(got) != 1 || got[0] != "!!!" {
		t.Fatalf("atomize() = %v, want whole text fallback", got)
	}
}

func TestAtomizeEmpty(t *testing.T) {
	if got := atomize("   "); got != nil {
		t.Fatalf("atomize(blank) = %v, want nil", got)
	}
}
