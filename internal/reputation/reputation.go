// Package reputation maintains the per-user reputation snapshot that drives
// buffer sizing and risk scoring.
//
// A snapshot changes only by applying typed events (a transaction completed,
// a dispute was opened or resolved, the sanction level moved). Each event
// carries an ID and is applied at most once.
package reputation

import (
	"errors"
	"math"
	"time"
)

var (
	ErrNotFound     = errors.New("reputation: snapshot not found")
	ErrInvalidEvent = errors.New("reputation: invalid event")
)

// Tier represents reputation levels.
type Tier string

const (
	TierNew         Tier = "new"         // 0-19
	TierEmerging    Tier = "emerging"    // 20-39
	TierEstablished Tier = "established" // 40-59
	TierTrusted     Tier = "trusted"     // 60-79
	TierElite       Tier = "elite"       // 80-100
)

var tierRank = map[Tier]int{
	TierNew:         0,
	TierEmerging:    1,
	TierEstablished: 2,
	TierTrusted:     3,
	TierElite:       4,
}

// AtLeast reports whether t ranks at or above other.
func (t Tier) AtLeast(other Tier) bool {
	return tierRank[t] >= tierRank[other]
}

// Fast-release and extended-buffer thresholds.
const (
	FastReleaseMinCompleted = 20
	FastReleaseMaxRatio     = 0.02
	ExtendedBufferRatio     = 0.10
)

// Snapshot is a user's current reputation.
type Snapshot struct {
	UserID                 string    `json:"userId"`
	SellerTier             Tier      `json:"sellerTier"`
	Score                  float64   `json:"score"`
	CompletedTransactions  int       `json:"completedTransactions"`
	SuccessfulTransactions int       `json:"successfulTransactions"`
	DisputesAgainst        int       `json:"disputesAgainst"`
	ValidDisputes          int       `json:"validDisputes"`
	SanctionLevel          int       `json:"sanctionLevel"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// New returns the snapshot of a user with no history.
func New(userID string) Snapshot {
	return Snapshot{UserID: userID, SellerTier: TierNew}
}

// ValidDisputeRatio is valid disputes per completed transaction. A user with
// valid disputes but no completions is treated as ratio 1.
func (s Snapshot) ValidDisputeRatio() float64 {
	if s.CompletedTransactions == 0 {
		if s.ValidDisputes > 0 {
			return 1
		}
		return 0
	}
	return float64(s.ValidDisputes) / float64(s.CompletedTransactions)
}

// FastReleaseEligible reports whether the seller qualifies for the shortest buffer.
func (s Snapshot) FastReleaseEligible() bool {
	return s.CompletedTransactions >= FastReleaseMinCompleted &&
		s.ValidDisputeRatio() <= FastReleaseMaxRatio &&
		s.SanctionLevel == 0
}

// RequiresExtendedBuffer reports whether the seller must get the longest buffer.
func (s Snapshot) RequiresExtendedBuffer() bool {
	return s.SanctionLevel > 0 || s.ValidDisputeRatio() >= ExtendedBufferRatio
}

// Weights for score components (must sum to 1.0).
type Weights struct {
	Activity    float64
	Success     float64
	Cleanliness float64
}

// DefaultWeights favours delivery record over volume.
var DefaultWeights = Weights{
	Activity:    0.40,
	Success:     0.35,
	Cleanliness: 0.25,
}

// Calculator derives the score and tier from snapshot counters.
type Calculator struct {
	weights Weights
}

func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights}
}

// Score returns a 0-100 score. Users with no completions score 0.
func (c *Calculator) Score(s Snapshot) float64 {
	if s.CompletedTransactions == 0 {
		return 0
	}
	// 0 = 0, 10 = 35, 100+ = 100
	activity := math.Min(100, 50*math.Log10(float64(s.CompletedTransactions)+1))
	success := float64(s.SuccessfulTransactions) / float64(s.CompletedTransactions) * 100
	clean := (1 - math.Min(s.ValidDisputeRatio()/0.2, 1)) * 100

	score := c.weights.Activity*activity +
		c.weights.Success*success +
		c.weights.Cleanliness*clean
	score -= float64(s.SanctionLevel) * 10

	score = math.Max(0, math.Min(100, score))
	return math.Round(score*10) / 10
}

// Refresh recomputes Score and SellerTier in place.
func (c *Calculator) Refresh(s *Snapshot) {
	s.Score = c.Score(*s)
	s.SellerTier = tierFor(s.Score)
}

func tierFor(score float64) Tier {
	switch {
	case score >= 80:
		return TierElite
	case score >= 60:
		return TierTrusted
	case score >= 40:
		return TierEstablished
	case score >= 20:
		return TierEmerging
	default:
		return TierNew
	}
}
