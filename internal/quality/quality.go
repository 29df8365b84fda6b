// Package quality ranks candidate model responses with a cheap local
// heuristic. It never calls a model: scoring is pure string analysis, so
// ranking is deterministic and adds no latency to the pipeline.
package quality

import (
	"sort"
	"strings"
)

// Scoring weights. Tunable, but changing them changes lead selection across
// the whole pipeline, so they live here as named constants rather than
// configuration.
const (
	// MinTokens is the floor below which a response is considered trivial
	// and scored as unusable.
	MinTokens = 16

	rejectScore = -1.0

	lengthWeight    = 0.40
	sentenceWeight  = 0.25
	paragraphWeight = 0.15
	baseScore       = 0.20

	refusalPenalty = 0.35
	errorPenalty   = 0.60

	// lengthSaturation is the token count at which the length signal maxes
	// out. Longer answers gain nothing past this point.
	lengthSaturation = 300
)

// refusalMarkers are case-insensitive prefixes/fragments typical of
// apology or refusal boilerplate.
var refusalMarkers = []string{
	"i cannot",
	"i can't",
	"i'm sorry",
	"i am sorry",
	"i apologize",
	"as an ai",
	"i'm unable to",
	"i am unable to",
}

// Candidate pairs a model name with the text it produced.
type Candidate struct {
	Model string
	Text  string
}

// Scored is a candidate with its computed score, as returned by Rank.
type Scored struct {
	Candidate
	Score float64
}

// Score computes the composite quality score for one response text.
// Responses below MinTokens score rejectScore regardless of content.
func Score(text string) float64 {
	tokens := len(strings.Fields(text))
	if tokens < MinTokens {
		return rejectScore
	}

	score := baseScore

	// Length signal, saturating.
	lengthRatio := float64(tokens) / float64(lengthSaturation)
	if lengthRatio > 1 {
		lengthRatio = 1
	}
	score += lengthWeight * lengthRatio

	// Complete-sentence signal: the text ends like prose, not like a cutoff.
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") ||
		strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "```") {
		score += sentenceWeight
	}

	// Paragraph structure.
	if strings.Contains(text, "\n\n") {
		score += paragraphWeight
	}

	lower := strings.ToLower(trimmed)
	for _, marker := range refusalMarkers {
		if strings.Contains(lower, marker) {
			score -= refusalPenalty
			break
		}
	}

	if strings.HasPrefix(trimmed, "Error:") {
		score -= errorPenalty
	}

	return score
}

// Rank orders candidates by score, best first, and returns the lead.
//
// Ordering is deterministic: equal scores keep input order (stable sort).
// hint names a preferred lead model; when it is present in the candidate set
// and ties the top score, it wins the tie. An absent or outranked hint is
// ignored. Rank never mutates its input.
func Rank(candidates []Candidate, hint string) (ordered []Scored, lead *Scored) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ordered = make([]Scored, len(candidates))
	for i, c := range candidates {
		ordered[i] = Scored{Candidate: c, Score: Score(c.Text)}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score > ordered[j].Score
	})

	// Promote the hinted model within the top-score tie group, keeping the
	// relative order of everyone else.
	if hint != "" {
		top := ordered[0].Score
		for i := range ordered {
			if ordered[i].Score != top {
				break
			}
			if ordered[i].Model == hint {
				hinted := ordered[i]
				copy(ordered[1:i+1], ordered[:i])
				ordered[0] = hinted
				break
			}
		}
	}

	return ordered, &ordered[0]
}

// TopN returns up to n models from an already-ranked sequence, skipping
// rejected candidates. Used by subset fanout selection.
func TopN(ordered []Scored, n int) []string {
	if n > len(ordered) {
		n = len(ordered)
	}
	out := make([]string, 0, n)
	for _, s := range ordered[:n] {
		if s.Score <= rejectScore {
			continue
		}
		out = append(out, s.Model)
	}
	return out
}
