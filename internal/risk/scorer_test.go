package risk

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/reputation"
)

func testScorer() *Scorer {
	return NewScorer(decimal.NewFromInt(5000), decimal.NewFromInt(25000))
}

func history(completed, disputes, valid, sanction int) reputation.Snapshot {
	s := reputation.New("u")
	s.CompletedTransactions = completed
	s.SuccessfulTransactions = completed - valid
	s.DisputesAgainst = disputes
	s.ValidDisputes = valid
	s.SanctionLevel = sanction
	return s
}

func TestLevelFor_Boundaries(t *testing.T) {
	cases := []struct {
		score float64
		level int
	}{
		{0, 0}, {39.9, 0}, {40, 1}, {64.9, 1}, {65, 2}, {84.9, 2}, {85, 3}, {100, 3},
	}
	for _, c := range cases {
		assert.Equal(t, c.level, LevelFor(c.score), "score %v", c.score)
	}
}

func TestScore_EstablishedSellerSmallAmount(t *testing.T) {
	a := testScorer().Score(Input{
		TransactionID: "txn_1",
		Amount:        decimal.NewFromInt(100),
		Buyer:         history(10, 0, 0, 0),
		Seller:        history(50, 0, 0, 0),
	})
	assert.Zero(t, a.Score)
	assert.Equal(t, LevelNone, a.EscalationLevel)
	assert.Empty(t, a.Indicators)
}

func TestScore_NewSellerLargeAmount(t *testing.T) {
	a := testScorer().Score(Input{
		Amount: decimal.NewFromInt(6000),
		Buyer:  history(0, 0, 0, 0),
		Seller: history(0, 0, 0, 0),
	})
	// 0.8*20 + 0.5*15 = 23.5
	assert.InDelta(t, 23.5, a.Score, 1e-9)
	assert.True(t, a.Indicators.Has(IndicatorNewCounterparty))
	assert.True(t, a.Indicators.Has(IndicatorLargeAmount))
}

func TestScore_WorstCaseIsCritical(t *testing.T) {
	a := testScorer().Score(Input{
		Amount:       decimal.NewFromInt(30000),
		Buyer:        history(0, 0, 0, 0),
		Seller:       history(0, 5, 3, 4),
		Verification: VerificationSummary{Blocked: true},
	})
	// seller novelty caps at 0.8: 16 + 30 + 15 + 20 + 15
	assert.InDelta(t, 96, a.Score, 1e-9)
	assert.Equal(t, LevelCritical, a.EscalationLevel)
	for _, i := range []Indicator{
		IndicatorHighDisputeRate, IndicatorRepeatDisputes, IndicatorVeryLargeAmount,
		IndicatorVerificationBlocked, IndicatorActiveSanction,
	} {
		assert.True(t, a.Indicators.Has(i), "missing %s", i)
	}
}

func TestScore_IsDeterministic(t *testing.T) {
	in := Input{Amount: decimal.NewFromInt(7000), Seller: history(4, 3, 1, 1), Verification: VerificationSummary{Flagged: 1}}
	s := testScorer()
	a, b := s.Score(in), s.Score(in)
	assert.Equal(t, a.Score, b.Score)
	assert.Equal(t, a.Indicators, b.Indicators)
	assert.GreaterOrEqual(t, a.Score, 0.0)
	assert.LessOrEqual(t, a.Score, 100.0)
}

func TestIndicators_SetSemantics(t *testing.T) {
	var s Indicators
	s = s.Add(IndicatorLargeAmount).Add(IndicatorActiveSanction).Add(IndicatorLargeAmount)
	assert.Equal(t, Indicators{IndicatorActiveSanction, IndicatorLargeAmount}, s)

	m := s.Merge(Indicators{IndicatorEscrowOperationFailed})
	assert.Len(t, m, 3)
	assert.Len(t, s, 2, "merge must not mutate receiver")

	raw, err := json.Marshal(Indicators(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestMemoryStore_ListByTransaction(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	s := testScorer()
	for _, amt := range []int64{10, 6000, 30000} {
		a := s.Score(Input{TransactionID: "txn_1", Amount: decimal.NewFromInt(amt), Seller: history(10, 0, 0, 0), Buyer: history(10, 0, 0, 0)})
		require.NoError(t, st.Record(ctx, a))
	}
	got, err := st.ListByTransaction(ctx, "txn_1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Indicators.Has(IndicatorVeryLargeAmount), "most recent first")
}
