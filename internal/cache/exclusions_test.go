package cache

import (
	"testing"
)

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Matches("gut") {
		t.Fatal("nil ExclusionList must never match")
	}
	if el.Len() != 0 {
		t.Fatal("nil ExclusionList Len must be 0")
	}
}

func TestExclusionList_ExactMatch(t *testing.T) {
	el, err := NewExclusionList([]string{"scenario", "innovation"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		pattern string
		want    bool
	}{
		{"scenario", true},
		{"innovation", true},
		{"gut", false},
		{"SCENARIO", false}, // case-sensitive
		{"scenar", false},   // prefix only
		{"fact_check", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.pattern); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.pattern, got, c.want)
		}
	}
}

func TestExclusionList_RegexMatch(t *testing.T) {
	el, err := NewExclusionList(nil, []string{`^custom-`, `_experimental$`})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		pattern string
		want    bool
	}{
		{"custom-review", true},
		{"custom-", true},
		{"gut_experimental", true},
		{"gut", false},
		{"my-custom-thing", false}, // anchored at start
		{"experimental_gut", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.pattern); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.pattern, got, c.want)
		}
	}
}

func TestExclusionList_ExactBeatsRegex(t *testing.T) {
	// Both exact and regex configured; both kinds must keep working.
	el, err := NewExclusionList(
		[]string{"innovation"},
		[]string{`^custom-`},
	)
	if err != nil {
		t.Fatal(err)
	}

	if !el.Matches("innovation") {
		t.Error("exact match missed")
	}
	if !el.Matches("custom-review") {
		t.Error("regex match missed")
	}
	if el.Matches("confidence") {
		t.Error("should not match")
	}
}

func TestExclusionList_InvalidPattern(t *testing.T) {
	_, err := NewExclusionList(nil, []string{`[invalid(`})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestExclusionList_EmptyStringsSkipped(t *testing.T) {
	el, err := NewExclusionList([]string{"", "scenario", ""}, []string{"", `^custom-`})
	if err != nil {
		t.Fatal(err)
	}
	if !el.Matches("scenario") {
		t.Error("should match scenario")
	}
	if !el.Matches("custom-review") {
		t.Error("should match custom-review via regex")
	}
	if el.Len() != 2 { // 1 exact + 1 regex
		t.Errorf("Len = %d, want 2", el.Len())
	}
}
