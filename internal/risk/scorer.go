package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/reputation"
)

// Factor weights (sum to 1.0).
const (
	weightCounterparty = 0.20
	weightDisputes     = 0.30
	weightAmount       = 0.15
	weightVerification = 0.20
	weightSanctions    = 0.15
)

// VerificationSummary condenses the verification results seen so far.
type VerificationSummary struct {
	Flagged int
	Pending int
	Blocked bool
}

// Input is everything the scorer looks at.
type Input struct {
	TransactionID string
	Amount        decimal.Decimal
	Buyer         reputation.Snapshot
	Seller        reputation.Snapshot
	Verification  VerificationSummary
}

// Scorer computes assessments. It holds only thresholds and is safe for
// concurrent use.
type Scorer struct {
	largeAmount     decimal.Decimal
	veryLargeAmount decimal.Decimal
	now             func() time.Time
}

// NewScorer creates a scorer with the given amount thresholds.
func NewScorer(largeAmount, veryLargeAmount decimal.Decimal) *Scorer {
	return &Scorer{largeAmount: largeAmount, veryLargeAmount: veryLargeAmount, now: time.Now}
}

// WithClock overrides the time source used for EvaluatedAt.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Score evaluates in.
func (s *Scorer) Score(in Input) *Assessment {
	var ind Indicators
	factors := map[string]float64{}

	factors["counterparty"], ind = counterpartyFactor(in, ind)
	factors["disputes"], ind = disputeFactor(in.Seller, ind)
	factors["amount"], ind = s.amountFactor(in.Amount, ind)
	factors["verification"], ind = verificationFactor(in.Verification, ind)
	factors["sanctions"], ind = sanctionFactor(in.Seller, ind)

	score := 100 * (factors["counterparty"]*weightCounterparty +
		factors["disputes"]*weightDisputes +
		factors["amount"]*weightAmount +
		factors["verification"]*weightVerification +
		factors["sanctions"]*weightSanctions)
	score = math.Round(math.Max(0, math.Min(100, score))*10) / 10

	return &Assessment{
		TransactionID:   in.TransactionID,
		Score:           score,
		EscalationLevel: LevelFor(score),
		Indicators:      ind,
		Factors:         factors,
		EvaluatedAt:     s.now().UTC(),
	}
}

// counterpartyFactor: a seller with no completions = 0.8, fewer than five = 0.4.
// A first-time buyer adds half of that.
func counterpartyFactor(in Input, ind Indicators) (float64, Indicators) {
	f := novelty(in.Seller.CompletedTransactions)
	if b := novelty(in.Buyer.CompletedTransactions) / 2; b > f {
		f = b
	}
	if in.Seller.CompletedTransactions == 0 {
		ind = ind.Add(IndicatorNewCounterparty)
	}
	return f, ind
}

func novelty(completed int) float64 {
	switch {
	case completed == 0:
		return 0.8
	case completed < 5:
		return 0.4
	default:
		return 0
	}
}

// disputeFactor scales with the seller's valid-dispute ratio and saturates at 0.2.
func disputeFactor(seller reputation.Snapshot, ind Indicators) (float64, Indicators) {
	ratio := seller.ValidDisputeRatio()
	f := math.Min(ratio/0.2, 1)
	if ratio >= 0.2 {
		ind = ind.Add(IndicatorHighDisputeRate)
	}
	if seller.DisputesAgainst >= 3 {
		f = math.Max(f, 0.6)
		ind = ind.Add(IndicatorRepeatDisputes)
	}
	return f, ind
}

func (s *Scorer) amountFactor(amount decimal.Decimal, ind Indicators) (float64, Indicators) {
	switch {
	case amount.GreaterThanOrEqual(s.veryLargeAmount):
		return 1, ind.Add(IndicatorVeryLargeAmount)
	case amount.GreaterThanOrEqual(s.largeAmount):
		return 0.5, ind.Add(IndicatorLargeAmount)
	default:
		return 0, ind
	}
}

func verificationFactor(v VerificationSummary, ind Indicators) (float64, Indicators) {
	switch {
	case v.Blocked:
		return 1, ind.Add(IndicatorVerificationBlocked)
	case v.Flagged > 0:
		return 0.7, ind.Add(IndicatorVerificationFlagged)
	case v.Pending > 0:
		return 0.2, ind
	default:
		return 0, ind
	}
}

func sanctionFactor(seller reputation.Snapshot, ind Indicators) (float64, Indicators) {
	var f float64
	switch {
	case seller.SanctionLevel >= 4:
		f = 1
	case seller.SanctionLevel >= 3:
		f = 0.7
	case seller.SanctionLevel >= 1:
		f = 0.3
	}
	if f > 0 {
		ind = ind.Add(IndicatorActiveSanction)
	}
	return f, ind
}
