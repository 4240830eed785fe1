package tags

import (
	"reflect"
	"testing"
)

func TestReconcileBugUrgentToUrgentUI(t *testing.T) {
	delta := Reconcile([]string{"bug", "urgent"}, []string{"urgent", "ui"})
	if !reflect.DeepEqual(delta.ToAdd, []string{"ui"}) {
		t.Fatalf("ToAdd = %v, want [ui]", delta.ToAdd)
	}
	if !reflect.DeepEqual(delta.ToRemove, []string{"bug"}) {
		t.Fatalf("ToRemove = %v, want [bug]", delta.ToRemove)
	}
}

func TestReconcileIsCaseSensitiveAndDeduplicates(t *testing.T) {
	delta := Reconcile([]string{"Bug", "bug", "bug"}, []string{"bug", " bug ", ""})
	if len(delta.ToAdd) != 0 {
		t.Fatalf("expected nothing to add, got %v", delta.ToAdd)
	}
	if !reflect.DeepEqual(delta.ToRemove, []string{"Bug"}) {
		t.Fatalf("ToRemove = %v, want [Bug]", delta.ToRemove)
	}
}

func TestReconcileNoChange(t *testing.T) {
	delta := Reconcile([]string{"a", "b"}, []string{"b", "a"})
	if !delta.Empty() {
		t.Fatalf("expected empty delta, got %+v", delta)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	current := []string{"bug", "urgent"}
	delta := Reconcile(current, []string{"urgent", "ui"})

	once := Apply(current, delta)
	twice := Apply(once, delta)
	if !reflect.DeepEqual(once, []string{"ui", "urgent"}) {
		t.Fatalf("Apply once = %v", once)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("Apply twice = %v, want %v", twice, once)
	}
	if again := Reconcile(twice, []string{"urgent", "ui"}); !again.Empty() {
		t.Fatalf("expected converged state, got %+v", again)
	}
}

func TestNormalizeKeepsFirstSeenOrder(t *testing.T) {
	got := Normalize([]string{"z", "a", "z", "  ", "b"})
	if !reflect.DeepEqual(got, []string{"z", "a", "b"}) {
		t.Fatalf("Normalize = %v", got)
	}
}
