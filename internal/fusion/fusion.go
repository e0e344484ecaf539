// Package fusion reconciles the outputs of two OCR engines for one region.
package fusion

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Strategy selects how two engine outputs are reconciled
type Strategy string

const (
	StrategyCascade        Strategy = "cascade"
	StrategyLevenshtein    Strategy = "levenshtein"
	StrategyConfidenceVote Strategy = "confidence_vote"
)

// closeConfidence is the band within which two confidences count as tied
// for the word-length tiebreak.
const closeConfidence = 0.05

// ParseStrategy validates a configured strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyCascade:
		return StrategyCascade, nil
	case StrategyLevenshtein:
		return StrategyLevenshtein, nil
	case StrategyConfidenceVote:
		return StrategyConfidenceVote, nil
	}
	return "", fmt.Errorf("unknown fusion strategy %q", s)
}

// Config is immutable once a Manager is built from it
type Config struct {
	Strategy         Strategy
	MinConfidence    float64
	ConfidenceMargin float64
	MinSimilarity    float64
	Priority         []string
}

// DefaultConfig returns the fusion defaults
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyConfidenceVote,
		MinConfidence:    0.6,
		ConfidenceMargin: 0.05,
		MinSimilarity:    0.82,
		Priority:         []string{"paddleocr", "easyocr"},
	}
}

// Hints carry region context into the decision
type Hints struct {
	BlockType       string
	PrimaryEngine   string
	SecondaryEngine string
}

// Manager applies one strategy. It holds no mutable state and is safe for
// concurrent use.
type Manager struct {
	cfg Config
}

// NewManager copies cfg; an empty strategy means confidence_vote
func NewManager(cfg Config) *Manager {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyConfidenceVote
	}
	priority := make([]string, len(cfg.Priority))
	for i, p := range cfg.Priority {
		priority[i] = strings.ToLower(p)
	}
	cfg.Priority = priority
	return &Manager{cfg: cfg}
}

// Config returns a copy of the manager configuration
func (m *Manager) Config() Config {
	c := m.cfg
	c.Priority = append([]string(nil), m.cfg.Priority...)
	return c
}

// Fuse picks the text and confidence to keep for a region
func (m *Manager) Fuse(primaryText string, primaryConf float64, secondaryText string, secondaryConf float64, hints Hints) (string, float64) {
	p := strings.TrimSpace(primaryText)
	s := strings.TrimSpace(secondaryText)

	switch {
	case p == "" && s == "":
		return "", 0
	case s == "":
		return p, primaryConf
	case p == "":
		return s, secondaryConf
	}

	switch m.cfg.Strategy {
	case StrategyCascade:
		if primaryConf >= m.cfg.MinConfidence {
			return p, primaryConf
		}
		return s, secondaryConf
	case StrategyLevenshtein:
		return m.levenshteinChoice(p, primaryConf, s, secondaryConf, hints)
	default:
		return m.confidenceVote(p, primaryConf, s, secondaryConf)
	}
}

func (m *Manager) levenshteinChoice(p string, pc float64, s string, sc float64, hints Hints) (string, float64) {
	similarity := Similarity(p, s)
	if similarity >= m.cfg.MinSimilarity {
		text := p
		if utf8.RuneCountInString(s) > utf8.RuneCountInString(p) {
			text = s
		}
		conf := (pc + sc) / 2
		if pc == 0 && sc == 0 {
			conf = similarity
		}
		return text, conf
	}

	primaryName := strings.ToLower(hints.PrimaryEngine)
	secondaryName := strings.ToLower(hints.SecondaryEngine)
	for _, name := range m.cfg.Priority {
		if name == "" {
			continue
		}
		if name == primaryName {
			return p, pc
		}
		if name == secondaryName {
			return s, sc
		}
	}
	return highest(p, pc, s, sc)
}

func (m *Manager) confidenceVote(p string, pc float64, s string, sc float64) (string, float64) {
	if pc >= m.cfg.MinConfidence {
		return p, pc
	}
	if sc >= pc+m.cfg.ConfidenceMargin {
		return s, sc
	}

	best := math.Max(pc, sc)
	pScore, sScore := ScorePatterns(p), ScorePatterns(s)
	if pScore > sScore {
		return p, best
	}
	if sScore > pScore {
		return s, best
	}

	if math.Abs(pc-sc) <= closeConfidence {
		pLen, sLen := wordLength(p), wordLength(s)
		if pLen > sLen {
			return p, best
		}
		if sLen > pLen {
			return s, best
		}
	}
	return highest(p, pc, s, sc)
}

// highest keeps the primary on ties
func highest(p string, pc float64, s string, sc float64) (string, float64) {
	if sc > pc {
		return s, sc
	}
	return p, pc
}

// Similarity is 1 - edit distance / longer rune length, in [0, 1]
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}
