package allocator

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/platform"
)

const (
	pA = platform.Platform("a")
	pB = platform.Platform("b")
	pC = platform.Platform("c")
)

var abc = []platform.Platform{pA, pB, pC}

func mix532() map[platform.Platform]float64 {
	return map[platform.Platform]float64{pA: 50, pB: 30, pC: 20}
}

func TestSplitSumsExactly(t *testing.T) {
	t.Parallel()

	head := map[platform.Platform]int{pA: 100, pB: 100, pC: 100}
	got := Split(7, abc, mix532(), head)

	assert.Equal(t, 3, got[pA])
	assert.Equal(t, 2, got[pB])
	// Remainder goes to the platform with the most room left (c: 99 after its floor share).
	assert.Equal(t, 2, got[pC])
	assert.Equal(t, 7, got[pA]+got[pB]+got[pC])
}

func TestSplitBindingHeadroomRedistributes(t *testing.T) {
	t.Parallel()

	head := map[platform.Platform]int{pA: 1, pB: 10, pC: 10}
	got := Split(7, abc, mix532(), head)

	require.Equal(t, 1, got[pA], "a must not exceed its headroom")
	require.Equal(t, 7, got[pA]+got[pB]+got[pC])
	assert.LessOrEqual(t, got[pB], 10)
	assert.LessOrEqual(t, got[pC], 10)
	// Remaining 6: floor shares b=3, c=2; the leftover unit goes to c, which has more room.
	assert.Equal(t, 3, got[pB])
	assert.Equal(t, 3, got[pC])
}

func TestSplitTieBreakUsesOrder(t *testing.T) {
	t.Parallel()

	mix := map[platform.Platform]float64{pA: 1, pB: 1, pC: 1}
	head := map[platform.Platform]int{pA: 5, pB: 5, pC: 5}
	got := Split(2, abc, mix, head)
	assert.Equal(t, map[platform.Platform]int{pA: 1, pB: 1, pC: 0}, got)
}

func TestSplitZeroMixGetsNothing(t *testing.T) {
	t.Parallel()

	mix := map[platform.Platform]float64{pA: 100, pB: 0, pC: 0}
	head := map[platform.Platform]int{pA: 3, pB: 10, pC: 10}
	got := Split(3, abc, mix, head)
	assert.Equal(t, 3, got[pA])
	assert.Zero(t, got[pB])
	assert.Zero(t, got[pC])
}

func TestSplitRandomizedInvariants(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		mix := map[platform.Platform]float64{}
		head := map[platform.Platform]int{}
		total := 0
		for _, p := range abc {
			mix[p] = float64(r.Intn(100) + 1)
			head[p] = r.Intn(8)
			total += head[p]
		}
		quota := 0
		if total > 0 {
			quota = r.Intn(total + 1)
		}
		got := Split(quota, abc, mix, head)
		sum := 0
		for _, p := range abc {
			require.LessOrEqual(t, got[p], head[p], "iteration %d platform %s", i, p)
			require.GreaterOrEqual(t, got[p], 0)
			sum += got[p]
		}
		require.Equal(t, quota, sum, "iteration %d", i)
	}
}

func TestShortfall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name               string
		target             int
		rate, floor        float64
		days, sentThisWeek int
		want               int
	}{
		{"behind midweek", 2, 0.1, 0.01, 3, 5, 4}, // need 20/week, 9 by day 3
		{"on track", 2, 0.1, 0.01, 3, 9, 0},
		{"floor applies", 1, 0, 0.05, 7, 0, 20},
		{"zero target", 0, 0.1, 0.01, 7, 0, 0},
		{"days clamped", 1, 0.5, 0.01, 12, 0, 2},
		{"default floor", 1, 0, 0, 1, 0, 15}, // 100/week, ceil(100/7)
	}
	for _, tt := range tests {
		got := Shortfall(tt.target, tt.rate, tt.floor, tt.days, tt.sentThisWeek)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestTickQuota(t *testing.T) {
	t.Parallel()

	s := Settings{PerTick: 3, DailyCap: 40, TicksPerDay: 10, BoostStep: 1}

	assert.Equal(t, 3, TickQuota(s, 0, 1))
	assert.Equal(t, 4, TickQuota(s, 5, 1), "boost by one step")

	s.DailyCap = 20 // bound = max(3, 2) = 3
	assert.Equal(t, 3, TickQuota(s, 5, 1), "boost bounded")

	s.DailyCap = 40
	assert.Equal(t, 6, TickQuota(s, 5, 1.4))
	assert.Equal(t, 6, TickQuota(s, 5, 3.0), "multiplier clamped to 1.4")
	assert.Equal(t, 2, TickQuota(s, 0, 0.1), "multiplier clamped to 0.6")
	assert.Equal(t, 3, TickQuota(s, 0, 0), "zero multiplier means neutral")

	s.PerTick = 0
	assert.Zero(t, TickQuota(s, 5, 1))
}

func TestHeadroom(t *testing.T) {
	t.Parallel()

	c := Caps{DailyMessages: 10, WeeklyMessages: 30, WeeklyConnects: 5}
	assert.Equal(t, 7, Headroom(c, Usage{SentToday: 3, SentThisWeek: 10}))
	assert.Equal(t, 2, Headroom(c, Usage{SentToday: 3, SentThisWeek: 28}))
	assert.Equal(t, 1, Headroom(c, Usage{SentToday: 3, SentThisWeek: 10, ConnectsThisWeek: 4, PendingConnects: true}))
	assert.Equal(t, 7, Headroom(c, Usage{SentToday: 3, SentThisWeek: 10, ConnectsThisWeek: 4}), "connect cap ignored without pending connects")
	assert.Zero(t, Headroom(c, Usage{SentToday: 12}))
}

func TestAllocateRespectsDailyCaps(t *testing.T) {
	t.Parallel()

	s := Settings{
		Order:       abc,
		Mix:         mix532(),
		DailyCap:    20,
		PerTick:     7,
		TicksPerDay: 10,
		Caps: map[platform.Platform]Caps{
			pA: {DailyMessages: 8, WeeklyMessages: 50},
			pB: {DailyMessages: 8, WeeklyMessages: 50},
			pC: {DailyMessages: 8, WeeklyMessages: 50},
		},
	}
	snap := Snapshot{
		Usage: map[platform.Platform]Usage{
			pA: {SentToday: 7, SentThisWeek: 7},
			pB: {SentToday: 2, SentThisWeek: 2},
		},
		SentToday:   9,
		DaysElapsed: 1,
	}
	got := Allocate(s, snap)

	require.Equal(t, 7, got.Quota)
	require.Equal(t, got.Quota, got.Total())
	assert.Equal(t, 1, got.PerPlatform[pA])
	for _, p := range abc {
		assert.LessOrEqual(t, snap.Usage[p].SentToday+got.PerPlatform[p], s.Caps[p].DailyMessages)
	}
}

func TestAllocateGlobalDailyCapBinds(t *testing.T) {
	t.Parallel()

	s := Settings{
		Order:    abc,
		Mix:      mix532(),
		DailyCap: 10,
		PerTick:  5,
		Caps: map[platform.Platform]Caps{
			pA: {DailyMessages: 10, WeeklyMessages: 50},
			pB: {DailyMessages: 10, WeeklyMessages: 50},
			pC: {DailyMessages: 10, WeeklyMessages: 50},
		},
	}
	got := Allocate(s, Snapshot{SentToday: 8, DaysElapsed: 2})
	assert.Equal(t, 5, got.Requested)
	assert.Equal(t, 2, got.Quota)
	assert.Equal(t, 2, got.Total())

	got = Allocate(s, Snapshot{SentToday: 12, DaysElapsed: 2})
	assert.Zero(t, got.Quota)
	assert.Zero(t, got.Total())
}

func TestNormalizeMix(t *testing.T) {
	t.Parallel()

	m := NormalizeMix(abc, map[platform.Platform]float64{pA: 1, pB: 1, pC: 2})
	assert.InDelta(t, 25, m[pA], 1e-9)
	assert.InDelta(t, 50, m[pC], 1e-9)

	u := NormalizeMix(abc, nil)
	assert.InDelta(t, 100.0/3, u[pB], 1e-9)
}
