package detector

import (
	"testing"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	buy := domain.Opportunity{MarketID: "m1", Kind: domain.KindBundleArbBuy, Edge: 0.02}
	mm := domain.Opportunity{MarketID: "m2", Kind: domain.KindMarketMaking, Edge: 0.04}

	tr.Observe("m1", []domain.Opportunity{buy}, t0)
	tr.Observe("m2", []domain.Opportunity{mm}, t0)
	tr.Observe("m1", []domain.Opportunity{buy}, t0.Add(time.Second))

	active := tr.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "m2", active[0].MarketID, "sorted by edge")

	stats := tr.Stats()
	assert.Equal(t, 2, stats.Detected, "re-observing does not double count")
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 0, stats.Closed)

	tr.Observe("m1", nil, t0.Add(3*time.Second))
	tr.Observe("m2", nil, t0.Add(time.Second))

	stats = tr.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 2, stats.Closed)
	assert.Equal(t, 3*time.Second, stats.MaxDuration)
	assert.Equal(t, 2*time.Second, stats.AvgDuration)
	assert.Empty(t, tr.Active())
}
