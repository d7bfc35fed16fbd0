// Package analyzer derives sentiment, priority, category and keywords from
// message content using word-list heuristics. Results are deterministic:
// the same message always produces the same analysis, so stored results
// never need invalidation.
package analyzer

import (
	"sort"
	"strings"
	"time"

	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/helpers"
	"github.com/ternmail/tern/pkg/metrics"
)

// Sentiment classification values.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// Priority classification values.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Category classification values.
const (
	CategoryWork        = "work"
	CategoryPersonal    = "personal"
	CategoryNewsletter  = "newsletter"
	CategoryPromotional = "promotional"
	CategorySupport     = "support"
	CategoryOther       = "other"
)

var positiveWords = []string{"good", "great", "excellent", "happy", "love", "amazing", "wonderful"}
var negativeWords = []string{"bad", "terrible", "awful", "hate", "horrible", "worst", "disappointed"}

var defaultUrgentKeywords = []string{"urgent", "asap", "emergency", "critical", "immediate"}
var defaultImportantSenders = []string{"ceo", "manager", "director", "admin"}

var categoryKeywords = map[string][]string{
	CategoryWork:        {"meeting", "project", "task", "deadline", "report", "team"},
	CategoryPersonal:    {"family", "friend", "birthday", "vacation", "personal"},
	CategoryNewsletter:  {"newsletter", "subscribe", "unsubscribe", "weekly", "update"},
	CategoryPromotional: {"sale", "discount", "offer", "deal", "buy", "shop"},
	CategorySupport:     {"help", "support", "issue", "problem", "ticket", "error"},
}

// categoryOrder fixes tie-breaking so categorization stays deterministic.
var categoryOrder = []string{
	CategoryWork, CategoryPersonal, CategoryNewsletter, CategoryPromotional, CategorySupport,
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "is": {}, "are": {}, "was": {},
	"were": {}, "be": {}, "been": {}, "have": {}, "has": {}, "had": {},
	"do": {}, "does": {}, "did": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "may": {}, "might": {}, "must": {}, "can": {}, "this": {},
	"that": {}, "these": {}, "those": {},
}

// SentimentResult holds sentiment classification for a message body.
type SentimentResult struct {
	Sentiment  string  `json:"sentiment"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// PriorityResult holds priority classification for a message.
type PriorityResult struct {
	Priority string   `json:"priority"`
	Score    float64  `json:"score"`
	Factors  []string `json:"factors"`
}

// Keyword is a single extracted keyword with its relevance.
type Keyword struct {
	Keyword   string  `json:"keyword"`
	Relevance float64 `json:"relevance"`
	Frequency int     `json:"frequency"`
}

// Result is the complete analysis of one message.
type Result struct {
	Sentiment SentimentResult `json:"sentiment"`
	Priority  PriorityResult  `json:"priorityAnalysis"`
	Category  string          `json:"category"`
	Keywords  []Keyword       `json:"keywords"`
}

// Analyzer analyzes message content. The configured keyword and sender
// lists extend the built-in defaults.
type Analyzer struct {
	urgentKeywords   []string
	importantSenders []string
	maxKeywords      int
}

// New creates an Analyzer from configuration.
func New(cfg config.AnalyzerConfig) *Analyzer {
	maxKeywords := cfg.MaxKeywords
	if maxKeywords <= 0 {
		maxKeywords = 8
	}
	return &Analyzer{
		urgentKeywords:   appendLower(defaultUrgentKeywords, cfg.UrgentKeywords),
		importantSenders: appendLower(defaultImportantSenders, cfg.ImportantSenders),
		maxKeywords:      maxKeywords,
	}
}

func appendLower(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	for _, s := range extra {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Analyze runs the full analysis over a message.
func (a *Analyzer) Analyze(subject, from, content string) Result {
	start := time.Now()
	result := Result{
		Sentiment: a.AnalyzeSentiment(content),
		Priority:  a.AnalyzePriority(subject, from),
		Category:  a.Categorize(subject, content),
		Keywords:  a.ExtractKeywords(content),
	}
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	metrics.AnalysesTotal.WithLabelValues("success").Inc()
	return result
}

// AnalyzeSentiment classifies content as positive, negative or neutral by
// counting occurrences of known polarity words. The score is the signed
// word-count difference scaled into [-1, 1].
func (a *Analyzer) AnalyzeSentiment(content string) SentimentResult {
	lower := strings.ToLower(content)

	var positive, negative int
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			positive++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			negative++
		}
	}

	diff := positive - negative
	switch {
	case diff > 0:
		return SentimentResult{
			Sentiment:  SentimentPositive,
			Score:      clamp(0.6+0.1*float64(diff), 0.6, 1.0),
			Confidence: confidenceFor(diff),
		}
	case diff < 0:
		return SentimentResult{
			Sentiment:  SentimentNegative,
			Score:      clamp(-0.6+0.1*float64(diff), -1.0, -0.6),
			Confidence: confidenceFor(-diff),
		}
	default:
		return SentimentResult{Sentiment: SentimentNeutral, Score: 0, Confidence: 0.7}
	}
}

func confidenceFor(strength int) float64 {
	return clamp(0.7+0.05*float64(strength), 0.7, 0.95)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AnalyzePriority scores a message from its subject and sender. The base
// score is 0.3; urgent subject keywords add 0.4, known important sender
// substrings add 0.3. Scores at or above 0.8 are high, at or above 0.6
// medium, otherwise low. The sender is reduced to its bare address first
// so a display name cannot mask an important sender.
func (a *Analyzer) AnalyzePriority(subject, from string) PriorityResult {
	subjectLower := strings.ToLower(subject)
	fromLower := strings.ToLower(helpers.ExtractAddress(from))

	score := 0.3
	var factors []string

	for _, kw := range a.urgentKeywords {
		if strings.Contains(subjectLower, kw) {
			score += 0.4
			factors = append(factors, "urgent_keywords")
			break
		}
	}
	for _, sender := range a.importantSenders {
		if strings.Contains(fromLower, sender) {
			score += 0.3
			factors = append(factors, "sender_importance")
			break
		}
	}

	if score > 1.0 {
		score = 1.0
	}

	var priority string
	switch {
	case score >= 0.8:
		priority = PriorityHigh
	case score >= 0.6:
		priority = PriorityMedium
	default:
		priority = PriorityLow
	}

	if factors == nil {
		factors = []string{}
	}
	return PriorityResult{Priority: priority, Score: score, Factors: factors}
}

// Categorize assigns the category whose keyword list matches the subject
// and content most often. Messages matching nothing are "other".
func (a *Analyzer) Categorize(subject, content string) string {
	text := strings.ToLower(subject) + " " + strings.ToLower(content)

	best := CategoryOther
	bestScore := 0
	for _, category := range categoryOrder {
		score := 0
		for _, kw := range categoryKeywords[category] {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > bestScore {
			best = category
			bestScore = score
		}
	}
	return best
}

// ExtractKeywords returns the most frequent meaningful words in content.
// Stopwords and words of three characters or fewer are skipped. Relevance is
// the word's share of meaningful words scaled by ten and capped at 1.
func (a *Analyzer) ExtractKeywords(content string) []Keyword {
	words := strings.Fields(strings.ToLower(content))

	freq := make(map[string]int)
	order := make(map[string]int)
	total := 0
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()[]<>")
		if len(w) <= 3 {
			continue
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		if _, seen := freq[w]; !seen {
			order[w] = len(order)
		}
		freq[w]++
		total++
	}

	keywords := make([]Keyword, 0, len(freq))
	for w, f := range freq {
		keywords = append(keywords, Keyword{
			Keyword:   w,
			Relevance: clamp(float64(f)/float64(total)*10, 0, 1),
			Frequency: f,
		})
	}

	// Frequency descending, first occurrence breaks ties
	sort.Slice(keywords, func(i, j int) bool {
		if keywords[i].Frequency != keywords[j].Frequency {
			return keywords[i].Frequency > keywords[j].Frequency
		}
		return order[keywords[i].Keyword] < order[keywords[j].Keyword]
	})

	if len(keywords) > a.maxKeywords {
		keywords = keywords[:a.maxKeywords]
	}
	return keywords
}
