package quality

import (
	"strings"
	"testing"
)

// prose builds a response of n words ending with a period.
func prose(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = "word"
	}
	return strings.Join(words, " ") + "."
}

func TestScore_RejectsTrivialResponses(t *testing.T) {
	if s := Score("too short"); s >= 0 {
		t.Errorf("short response should be rejected, got %v", s)
	}
	if s := Score(prose(MinTokens)); s <= 0 {
		t.Errorf("response at the token floor should score positively, got %v", s)
	}
}

func TestScore_StructureSignals(t *testing.T) {
	flat := prose(50)
	structured := prose(25) + "\n\n" + prose(25)

	if Score(structured) <= Score(flat) {
		t.Error("paragraph breaks should raise the score")
	}

	cutoff := strings.TrimSuffix(prose(50), ".") // no sentence terminator
	if Score(cutoff) >= Score(flat) {
		t.Error("a truncated answer should score below a complete one")
	}
}

func TestScore_Penalties(t *testing.T) {
	clean := prose(60)
	refusal := "I'm sorry, but " + prose(60)
	errored := "Error: " + prose(60)

	if Score(refusal) >= Score(clean) {
		t.Error("refusal boilerplate should be penalized")
	}
	if Score(errored) >= Score(clean) {
		t.Error("Error: prefix should be penalized")
	}
}

func TestScore_Deterministic(t *testing.T) {
	text := prose(100)
	first := Score(text)
	for i := 0; i < 10; i++ {
		if Score(text) != first {
			t.Fatal("Score must be deterministic")
		}
	}
}

func TestRank_OrdersByScore(t *testing.T) {
	cands := []Candidate{
		{Model: "weak", Text: "nope"},
		{Model: "strong", Text: prose(100) + "\n\n" + prose(100)},
		{Model: "middling", Text: prose(30)},
	}

	ordered, lead := Rank(cands, "")
	if lead == nil || lead.Model != "strong" {
		t.Fatalf("expected 'strong' to lead, got %+v", lead)
	}
	if ordered[len(ordered)-1].Model != "weak" {
		t.Errorf("rejected candidate should rank last, got %v", ordered)
	}
}

func TestRank_StableOnTies(t *testing.T) {
	same := prose(50)
	cands := []Candidate{
		{Model: "a", Text: same},
		{Model: "b", Text: same},
		{Model: "c", Text: same},
	}

	ordered, lead := Rank(cands, "")
	if lead.Model != "a" {
		t.Errorf("ties keep input order: expected lead 'a', got %q", lead.Model)
	}
	for i, want := range []string{"a", "b", "c"} {
		if ordered[i].Model != want {
			t.Errorf("position %d: expected %q, got %q", i, want, ordered[i].Model)
		}
	}
}

func TestRank_HintBreaksTies(t *testing.T) {
	same := prose(50)
	cands := []Candidate{
		{Model: "a", Text: same},
		{Model: "b", Text: same},
		{Model: "c", Text: same},
	}

	ordered, lead := Rank(cands, "b")
	if lead.Model != "b" {
		t.Errorf("hint should win the tie, got %q", lead.Model)
	}
	// Everyone else keeps relative order.
	if ordered[1].Model != "a" || ordered[2].Model != "c" {
		t.Errorf("non-hinted order disturbed: %v", ordered)
	}
}

func TestRank_HintCannotOutrankBetterCandidate(t *testing.T) {
	cands := []Candidate{
		{Model: "strong", Text: prose(200) + "\n\n" + prose(100)},
		{Model: "weak", Text: prose(MinTokens)},
	}

	_, lead := Rank(cands, "weak")
	if lead.Model != "strong" {
		t.Errorf("hint only breaks ties; got lead %q", lead.Model)
	}
}

func TestRank_AbsentHintIgnored(t *testing.T) {
	cands := []Candidate{{Model: "a", Text: prose(50)}}
	_, lead := Rank(cands, "missing-model")
	if lead.Model != "a" {
		t.Errorf("absent hint should be ignored, got %q", lead.Model)
	}
}

func TestRank_Empty(t *testing.T) {
	ordered, lead := Rank(nil, "")
	if ordered != nil || lead != nil {
		t.Error("empty input should rank to nil")
	}
}

func TestTopN(t *testing.T) {
	cands := []Candidate{
		{Model: "a", Text: prose(100)},
		{Model: "b", Text: prose(80)},
		{Model: "c", Text: "nope"}, // rejected
	}

	ordered, _ := Rank(cands, "")

	top := TopN(ordered, 3)
	if len(top) != 2 {
		t.Fatalf("rejected candidates must not be selected, got %v", top)
	}
	if top[0] != "a" || top[1] != "b" {
		t.Errorf("unexpected selection: %v", top)
	}

	if got := TopN(ordered, 1); len(got) != 1 || got[0] != "a" {
		t.Errorf("TopN(1) should return the lead, got %v", got)
	}
}
