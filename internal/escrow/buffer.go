package escrow

import (
	"time"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/reputation"
)

// Buffer bounds in hours.
const (
	MinBufferHours = 24
	MaxBufferHours = 72
)

// BufferPlan is the sizing decided when a transaction enters buffer_period.
type BufferPlan struct {
	BufferHours        int
	DisputeWindowHours int
	Start              time.Time
	End                time.Time
	DisputeDeadline    time.Time
}

// PlanBuffer sizes the buffer for seller at start. The dispute window is
// binding: the buffer never ends before disputes close.
func PlanBuffer(p config.BufferPolicy, seller reputation.Snapshot, start time.Time) BufferPlan {
	hours := p.BaseHours
	switch {
	case seller.FastReleaseEligible():
		hours = p.FastReleaseHours
	case seller.SellerTier.AtLeast(reputation.TierEstablished):
		hours = p.EstablishedHours
	}
	if seller.RequiresExtendedBuffer() {
		hours = p.ExtendedHours
	}
	hours = max(MinBufferHours, min(MaxBufferHours, hours))

	window := p.DisputeWindowHours
	if window <= 0 {
		window = MinBufferHours
	}
	window = min(window, MaxBufferHours)
	hours = max(hours, window)

	return BufferPlan{
		BufferHours:        hours,
		DisputeWindowHours: window,
		Start:              start,
		End:                start.Add(time.Duration(hours) * time.Hour),
		DisputeDeadline:    start.Add(time.Duration(window) * time.Hour),
	}
}

func (b BufferPlan) apply(t *Transaction) {
	start, end, deadline := b.Start, b.End, b.DisputeDeadline
	t.BufferPeriodHours = b.BufferHours
	t.DisputeWindowHours = b.DisputeWindowHours
	t.BufferStartTime = &start
	t.BufferEndTime = &end
	t.DisputeDeadline = &deadline
	t.BufferRemaining = 0
}
