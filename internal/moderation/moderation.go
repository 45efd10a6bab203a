package moderation

import (
	"regexp"
	"strings"
	"unicode"

	"guestvoice-backend/internal/models"
)

// Thresholds above which an item is held for human review
const (
	ToxicityThreshold = 0.7
	SpamThreshold     = 0.8
)

// Score of a piece of redacted text, both components in [0,1]
type Score struct {
	Toxicity float64 `json:"toxicity"`
	Spam     float64 `json:"spam"`
}

// Scorer assigns toxicity/spam scores to redacted text. Implementations
// must be pure: same text in, same score out, no side effects. The
// heuristic scorer below is the default; an ML-backed one can be swapped
// in behind this interface.
type Scorer interface {
	Score(text string) Score
}

// HeuristicScorer is a deterministic lexicon and shape based scorer.
type HeuristicScorer struct{}

func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

var toxicTerms = []string{
	"idiot", "stupid", "moron", "hate you", "garbage staff", "useless",
	"incompetent", "pathetic", "worthless", "shut up", "trash people",
}

var spamTerms = []string{
	"buy now", "click here", "free money", "limited offer", "subscribe",
	"promo code", "visit my", "earn cash", "winner", "crypto",
}

var urlRe = regexp.MustCompile(`https?://\S+`)

func (s *HeuristicScorer) Score(text string) Score {
	lower := strings.ToLower(text)

	var toxicity float64
	for _, term := range toxicTerms {
		if strings.Contains(lower, term) {
			toxicity += 0.4
		}
	}

	var spam float64
	for _, term := range spamTerms {
		if strings.Contains(lower, term) {
			spam += 0.35
		}
	}
	spam += 0.3 * float64(len(urlRe.FindAllString(text, -1)))

	// Shouting and repeated punctuation push both components up a notch
	if capsRatio(text) > 0.6 && len(text) > 20 {
		toxicity += 0.2
		spam += 0.2
	}
	if strings.Contains(text, "!!!") {
		spam += 0.15
	}

	return Score{Toxicity: clamp01(toxicity), Spam: clamp01(spam)}
}

func capsRatio(text string) float64 {
	var letters, upper int
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Decide applies the threshold policy: anything toxic, spammy or carrying
// PII is held as auto_pending with the matching signals, everything else
// is approved immediately.
func Decide(score Score, hasPII bool) (models.ModerationStatus, models.SignalSet) {
	var signals models.SignalSet
	if score.Toxicity > ToxicityThreshold {
		signals = signals.With(models.SignalToxicity)
	}
	if score.Spam > SpamThreshold {
		signals = signals.With(models.SignalSpam)
	}
	if hasPII {
		signals = signals.With(models.SignalPII)
	}

	if len(signals) > 0 {
		return models.ModerationAutoPending, signals
	}
	return models.ModerationApproved, nil
}
