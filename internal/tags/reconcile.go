// Package tags computes task-tag association deltas. Names are compared by
// exact string equality; "Bug" and "bug" are different tags.
package tags

import (
	"sort"
	"strings"
)

type Delta struct {
	ToAdd    []string `json:"toAdd"`
	ToRemove []string `json:"toRemove"`
}

func (d Delta) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// Normalize trims surrounding space, drops blanks and duplicates, and
// keeps first-seen order.
func Normalize(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Reconcile returns next minus current as ToAdd and current minus next as
// ToRemove, both sorted.
func Reconcile(current, next []string) Delta {
	oldSet := toSet(Normalize(current))
	newSet := toSet(Normalize(next))

	delta := Delta{ToAdd: []string{}, ToRemove: []string{}}
	for name := range newSet {
		if _, ok := oldSet[name]; !ok {
			delta.ToAdd = append(delta.ToAdd, name)
		}
	}
	for name := range oldSet {
		if _, ok := newSet[name]; !ok {
			delta.ToRemove = append(delta.ToRemove, name)
		}
	}
	sort.Strings(delta.ToAdd)
	sort.Strings(delta.ToRemove)
	return delta
}

// Apply applies d to current. Names already present are not added again and
// names already absent are not removed again, so applying the same delta
// twice yields the same set. The result is sorted.
func Apply(current []string, d Delta) []string {
	set := toSet(Normalize(current))
	for _, name := range Normalize(d.ToRemove) {
		delete(set, name)
	}
	for _, name := range Normalize(d.ToAdd) {
		if _, ok := set[name]; !ok {
			set[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}
