package dispute

import (
	"strings"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/risk"
)

// Base confidence per dispute type.
var typeBase = map[Type]float64{
	TypeScam:               40,
	TypeUnauthorizedCharge: 30,
	TypeItemNotReceived:    20,
	TypeQualityIssue:       10,
}

// Phrases that point at fraud rather than a service complaint.
var fraudKeywords = []string{
	"fraud", "scam", "fake", "stolen", "counterfeit", "phishing",
	"never arrived", "never received", "chargeback", "impersonat",
}

const (
	riskWeight       = 0.3
	evidencePoints   = 5.0
	maxEvidenceBonus = 15.0
	keywordPoints    = 5.0
	maxKeywordBonus  = 20.0
)

// Classification is the classifier's verdict on a new dispute.
type Classification struct {
	Confidence  float64
	Priority    Priority
	AutoFlagged bool
	Indicators  risk.Indicators
}

// Classifier rates how likely a dispute is to be fraud-related.
type Classifier struct {
	high     float64
	critical float64
}

// NewClassifier creates a classifier with the given confidence thresholds.
func NewClassifier(p config.DisputePolicy) *Classifier {
	return &Classifier{high: float64(p.HighConfidence), critical: float64(p.CriticalConfidence)}
}

// Classify scores a dispute. The result depends only on its inputs.
func (c *Classifier) Classify(typ Type, reason string, evidence []Evidence, riskScore float64) Classification {
	var ind risk.Indicators

	score := typeBase[typ] + riskWeight*riskScore
	score += min(float64(len(evidence))*evidencePoints, maxEvidenceBonus)

	hits := keywordHits(reason)
	for _, e := range evidence {
		hits += keywordHits(e.Note)
	}
	if hits > 0 {
		ind = ind.Add(risk.IndicatorDisputeKeywords)
	}
	score += min(float64(hits)*keywordPoints, maxKeywordBonus)
	score = max(0, min(100, score))

	priority := PriorityNormal
	switch {
	case score >= c.critical || typ == TypeScam:
		priority = PriorityCritical
	case score >= c.high:
		priority = PriorityHigh
	}

	return Classification{
		Confidence:  score,
		Priority:    priority,
		AutoFlagged: priority == PriorityHigh || priority == PriorityCritical,
		Indicators:  ind,
	}
}

func keywordHits(text string) int {
	text = strings.ToLower(text)
	n := 0
	for _, k := range fraudKeywords {
		if strings.Contains(text, k) {
			n++
		}
	}
	return n
}
