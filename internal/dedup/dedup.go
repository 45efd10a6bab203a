package dedup

import (
	"sort"
	"strings"

	"guestvoice-backend/internal/models"
)

// DefaultThreshold is the minimum Dice similarity for a near-duplicate
const DefaultThreshold = 0.86

// Candidate is a corpus entry plus the vote count used for tie-breaking
type Candidate struct {
	Item      models.FeedbackItem
	VoteCount int64
}

// Match is a corpus item considered a near-duplicate of the probe title
type Match struct {
	Item       models.FeedbackItem `json:"item"`
	Similarity float64             `json:"similarity"`
	VoteCount  int64               `json:"vote_count"`
}

// stopwords carry no signal for duplicate detection and would let filler
// words dilute the bigram overlap between otherwise identical titles.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "at": true, "to": true, "in": true,
	"on": true, "of": true, "for": true, "and": true, "with": true,
	"my": true, "our": true, "is": true, "it": true,
}

// Normalize lowercases the title, collapses whitespace, drops stopwords and
// applies a light suffix stem so "scanning kiosks" and "scan at kiosk"
// reduce to the same token stream before bigram comparison.
func Normalize(title string) string {
	fields := strings.Fields(strings.ToLower(title))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		tokens = append(tokens, stem(f))
	}
	return strings.Join(tokens, " ")
}

// stem strips plural "s" and gerund "ing" endings. Not a full stemmer,
// just enough to align trivial inflections of the same request.
func stem(w string) string {
	if strings.HasSuffix(w, "ing") && len(w) >= 6 {
		w = w[:len(w)-3]
		// undo gemination: "scann" -> "scan"
		if n := len(w); n >= 3 && w[n-1] == w[n-2] && w[n-1] != 's' && w[n-1] != 'l' {
			w = w[:n-1]
		}
		return w
	}
	if strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && len(w) >= 4 {
		return w[:len(w)-1]
	}
	return w
}

// bigrams returns the character-bigram multiset of s
func bigrams(s string) map[string]int {
	runes := []rune(s)
	grams := make(map[string]int, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		grams[string(runes[i:i+2])]++
	}
	return grams
}

// Dice computes the Sørensen–Dice coefficient over character bigrams of
// the normalized inputs. Symmetric, 1.0 for identical strings.
func Dice(a, b string) float64 {
	ga := bigrams(Normalize(a))
	gb := bigrams(Normalize(b))

	var total int
	for _, n := range ga {
		total += n
	}
	for _, n := range gb {
		total += n
	}
	if total == 0 {
		return 0
	}

	var overlap int
	for g, n := range ga {
		if m, ok := gb[g]; ok {
			if m < n {
				overlap += m
			} else {
				overlap += n
			}
		}
	}
	return 2 * float64(overlap) / float64(total)
}

// Rank scores every candidate against the probe title and returns those at
// or above threshold, best first. Equal similarities are broken by higher
// vote count, then by older creation time. Candidates already merged away
// and the probe item itself must be filtered out by the caller's query.
func Rank(title string, candidates []Candidate, excludeID string, threshold float64) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		if c.Item.ID == excludeID {
			continue
		}
		sim := Dice(title, c.Item.Title)
		if sim < threshold {
			continue
		}
		matches = append(matches, Match{Item: c.Item, Similarity: sim, VoteCount: c.VoteCount})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if matches[i].VoteCount != matches[j].VoteCount {
			return matches[i].VoteCount > matches[j].VoteCount
		}
		return matches[i].Item.CreatedAt.Before(matches[j].Item.CreatedAt)
	})

	return matches
}
