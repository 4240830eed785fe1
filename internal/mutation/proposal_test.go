package mutation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"taskboard/api/internal/ai"
)

func TestBugDescriptionTruncatesOnRuneBoundary(t *testing.T) {
	bug := ai.BugProposal{
		Title:            "Checkout crash",
		Description:      strings.Repeat("a", 4970),
		StepsToReproduce: []string{strings.Repeat("é", 40)},
	}

	got := bugDescription(bug)
	if len(got) > MaxDescriptionLength {
		t.Fatalf("expected at most %d bytes, got %d", MaxDescriptionLength, len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8, tail is %q", got[len(got)-8:])
	}
	if !strings.HasSuffix(got, "é") {
		t.Fatalf("expected the cut after a whole rune, tail is %q", got[len(got)-8:])
	}
}

func TestBugDescriptionListsSteps(t *testing.T) {
	got := bugDescription(ai.BugProposal{Description: "Crashes on pay", StepsToReproduce: []string{"Open cart", "Press pay"}})
	want := "Crashes on pay\n\nSteps to reproduce:\n1. Open cart\n2. Press pay"
	if got != want {
		t.Fatalf("bugDescription = %q, want %q", got, want)
	}
}
