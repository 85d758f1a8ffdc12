package extract

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	maxNGram                 = 3
)

// PerceptionOption is a functional option for configuring a [Perception].
type PerceptionOption func(*Perception)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched entity to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) PerceptionOption {
	return func(p *Perception) {
		p.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate exists and matching falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) PerceptionOption {
	return func(p *Perception) {
		p.fuzzyThreshold = threshold
	}
}

// Perception detects which known graph entities a piece of user input
// refers to. Exact name containment is checked first; remaining n-grams
// are matched phonetically (Double Metaphone candidate filtering, then
// Jaro-Winkler ranking) so misspelled or misheard names still resolve.
//
// All methods are safe for concurrent use — the Perception is read-only
// after construction.
type Perception struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewPerception returns a Perception with the supplied options applied.
func NewPerception(opts ...PerceptionOption) *Perception {
	p := &Perception{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Mention is one detected entity reference.
type Mention struct {
	EntityID   string  `json:"entity_id"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Exact      bool    `json:"exact"`
}

// Detect returns the entities from the graph that text mentions, ordered
// by descending confidence. Soft-deleted entities are never matched.
func (p *Perception) Detect(text string, g *graph.Graph) []Mention {
	entities := g.ActiveNodes()
	if len(entities) == 0 || strings.TrimSpace(text) == "" {
		return nil
	}

	lower := strings.ToLower(text)
	found := make(map[string]Mention, 4)

	// Pass 1: exact (case-insensitive, word-boundary) name containment.
	for _, e := range entities {
		name := strings.ToLower(strings.TrimSpace(e.Name))
		if name == "" {
			continue
		}
		if containsWord(lower, name) {
			found[e.ID] = Mention{EntityID: e.ID, Name: e.Name, Confidence: 1, Exact: true}
		}
	}

	// Pass 2: fuzzy match the remaining entities against input n-grams.
	tokens := strings.Fields(lower)
	for _, e := range entities {
		if _, ok := found[e.ID]; ok {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(e.Name))
		if name == "" {
			continue
		}
		score, ok := p.bestMatch(tokens, name)
		if !ok {
			continue
		}
		found[e.ID] = Mention{EntityID: e.ID, Name: e.Name, Confidence: score}
	}

	out := make([]Mention, 0, len(found))
	for _, m := range found {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// bestMatch tries every n-gram (up to maxNGram tokens) of the input against
// the entity name and returns the best accepted score.
func (p *Perception) bestMatch(tokens []string, name string) (float64, bool) {
	nameTokens := strings.Fields(name)
	nameCodes := codesForTokens(nameTokens)

	var best float64
	var matched bool

	for n := 1; n <= maxNGram && n <= len(tokens); n++ {
		for i := 0; i+n <= len(tokens); i++ {
			gram := tokens[i : i+n]
			phonetic := codesOverlap(codesForTokens(gram), nameCodes)
			jw := bestJWScore(gram, nameTokens, strings.Join(gram, " "), name)

			threshold := p.fuzzyThreshold
			if phonetic {
				threshold = p.phoneticThreshold
			}
			if jw >= threshold && jw > best {
				best = jw
				matched = true
			}
		}
	}
	return best, matched
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		pri, sec := matchr.DoubleMetaphone(t)
		if pri != "" {
			codes[pri] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// input n-gram and the entity name using full-string, space-stripped, and
// best pairwise token comparisons.
func bestJWScore(inputTokens, nameTokens []string, inputFull, nameFull string) float64 {
	score := matchr.JaroWinkler(inputFull, nameFull, false)

	if len(inputTokens) > 1 || len(nameTokens) > 1 {
		c1 := strings.Join(inputTokens, "")
		c2 := strings.Join(nameTokens, "")
		if s := matchr.JaroWinkler(c1, c2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(it, nt, false); s > score {
				score = s
			}
		}
	}
	return score
}
