// Package allocator decides how many sends a tick may release and how they
// are split across platforms.
//
// Everything here is pure: callers gather a Snapshot from the store of record
// and pass it in together with Settings. Nothing is cached between ticks.
package allocator

import (
	"math"
	"sort"

	"outreach/internal/platform"
)

const (
	// MinHotHour and MaxHotHour bound the hour-of-day multiplier.
	MinHotHour = 0.6
	MaxHotHour = 1.4

	// DefaultBookingRateFloor keeps the shortfall projection finite.
	DefaultBookingRateFloor = 0.01

	floatEps = 1e-9
)

// Caps are per-platform ceilings. A zero cap allows nothing.
type Caps struct {
	DailyMessages  int
	WeeklyMessages int
	WeeklyConnects int
}

// Usage is what has already been sent on one platform. Counts include both
// connects and messages; connects are additionally tracked on their own.
type Usage struct {
	SentToday        int
	SentThisWeek     int
	ConnectsThisWeek int
	// PendingConnects makes the weekly connect cap part of the headroom.
	PendingConnects bool
}

// Settings are the configured knobs, read once per tick.
type Settings struct {
	// Order is the configured platform order; it is the stable tie-break.
	Order []platform.Platform
	Mix   map[platform.Platform]float64
	Caps  map[platform.Platform]Caps

	DailyCap    int
	PerTick     int
	TicksPerDay int
	BoostStep   int

	WeeklyTargetAppointments int
	BookingRate              float64
	BookingRateFloor         float64
}

// Snapshot is the state gathered at the call boundary.
type Snapshot struct {
	Usage        map[platform.Platform]Usage
	SentToday    int
	SentThisWeek int
	// DaysElapsed counts the current day, 1 (first day of week) to 7.
	DaysElapsed int
	// HotHour is the reply-rate multiplier for the current hour. Zero means 1.
	HotHour float64
}

// Allocation is the tick budget.
type Allocation struct {
	// Quota is the capped tick quota; it equals the sum of PerPlatform.
	Quota       int
	PerPlatform map[platform.Platform]int
	Shortfall   int

	// Requested is the quota before caps were applied.
	Requested int
	Headroom  map[platform.Platform]int
}

// Total sums the per-platform allocation.
func (a Allocation) Total() int {
	n := 0
	for _, v := range a.PerPlatform {
		n += v
	}
	return n
}

// Allocate runs the full pipeline: shortfall, tick quota, caps and split.
func Allocate(s Settings, snap Snapshot) Allocation {
	order := platformsOf(s)
	mix := NormalizeMix(order, s.Mix)

	headroom := make(map[platform.Platform]int, len(order))
	sumHeadroom := 0
	for _, p := range order {
		h := Headroom(s.Caps[p], snap.Usage[p])
		headroom[p] = h
		if mix[p] > 0 {
			sumHeadroom += h
		}
	}

	shortfall := Shortfall(s.WeeklyTargetAppointments, s.BookingRate, s.BookingRateFloor, snap.DaysElapsed, snap.SentThisWeek)
	requested := TickQuota(s, shortfall, snap.HotHour)

	quota := requested
	if rem := s.DailyCap - snap.SentToday; quota > rem {
		quota = rem
	}
	if quota > sumHeadroom {
		quota = sumHeadroom
	}
	if quota < 0 {
		quota = 0
	}

	return Allocation{
		Quota:       quota,
		PerPlatform: Split(quota, order, mix, headroom),
		Shortfall:   shortfall,
		Requested:   requested,
		Headroom:    headroom,
	}
}

// Shortfall projects how far behind the weekly target the week is.
//
//	neededThisWeek = ceil(target / max(rate, floor))
//	neededToday    = ceil(neededThisWeek * daysElapsed / 7)
//	shortfall      = max(0, neededToday - sentThisWeek)
func Shortfall(target int, rate, floor float64, daysElapsed, sentThisWeek int) int {
	if target <= 0 {
		return 0
	}
	if floor <= 0 {
		floor = DefaultBookingRateFloor
	}
	if rate < floor || math.IsNaN(rate) {
		rate = floor
	}
	if daysElapsed < 1 {
		daysElapsed = 1
	}
	if daysElapsed > 7 {
		daysElapsed = 7
	}

	neededThisWeek := int(math.Ceil(float64(target)/rate - floatEps))
	neededToday := (neededThisWeek*daysElapsed + 6) / 7
	if d := neededToday - sentThisWeek; d > 0 {
		return d
	}
	return 0
}

// TickQuota computes the uncapped per-tick quota.
//
// A positive shortfall adds BoostStep, bounded by max(PerTick, DailyCap/TicksPerDay);
// the hot-hour multiplier is clamped to [MinHotHour, MaxHotHour] and the result rounded.
func TickQuota(s Settings, shortfall int, hot float64) int {
	if s.PerTick <= 0 {
		return 0
	}
	q := s.PerTick
	if shortfall > 0 {
		step := s.BoostStep
		if step <= 0 {
			step = 1
		}
		bound := s.PerTick
		if s.TicksPerDay > 0 {
			if b := s.DailyCap / s.TicksPerDay; b > bound {
				bound = b
			}
		}
		q += step
		if q > bound {
			q = bound
		}
	}
	return int(math.Round(float64(q) * ClampHotHour(hot)))
}

// ClampHotHour maps a multiplier into [MinHotHour, MaxHotHour]. Zero or NaN means 1.
func ClampHotHour(m float64) float64 {
	if m == 0 || math.IsNaN(m) {
		return 1
	}
	return math.Max(MinHotHour, math.Min(MaxHotHour, m))
}

// Headroom is the remaining allowance on one platform.
func Headroom(c Caps, u Usage) int {
	h := c.DailyMessages - u.SentToday
	if w := c.WeeklyMessages - u.SentThisWeek; w < h {
		h = w
	}
	if u.PendingConnects {
		if wc := c.WeeklyConnects - u.ConnectsThisWeek; wc < h {
			h = wc
		}
	}
	if h < 0 {
		return 0
	}
	return h
}

// NormalizeMix rescales mix weights over order so they sum to 100.
// Negative weights count as zero. If every weight is zero the mix is uniform.
func NormalizeMix(order []platform.Platform, mix map[platform.Platform]float64) map[platform.Platform]float64 {
	out := make(map[platform.Platform]float64, len(order))
	total := 0.0
	for _, p := range order {
		w := mix[p]
		if w < 0 || math.IsNaN(w) {
			w = 0
		}
		out[p] = w
		total += w
	}
	if total <= 0 {
		if len(order) == 0 {
			return out
		}
		for _, p := range order {
			out[p] = 100 / float64(len(order))
		}
		return out
	}
	for _, p := range order {
		out[p] = out[p] * 100 / total
	}
	return out
}

// Split divides quota across platforms proportionally to mix.
//
// Floor shares are taken first. A platform whose share reaches its headroom
// is clamped to that headroom and the rest is split again among the others.
// The remainder is handed out one unit at a time to the platform with the most
// remaining headroom, ties broken by order. The result never exceeds any
// platform's headroom and sums to quota whenever quota fits in total headroom.
func Split(quota int, order []platform.Platform, mix map[platform.Platform]float64, headroom map[platform.Platform]int) map[platform.Platform]int {
	out := make(map[platform.Platform]int, len(order))
	room := make(map[platform.Platform]int, len(order))
	active := make([]platform.Platform, 0, len(order))
	for _, p := range order {
		out[p] = 0
		if mix[p] > 0 && headroom[p] > 0 {
			room[p] = headroom[p]
			active = append(active, p)
		}
	}

	left := quota
	for left > 0 && len(active) > 0 {
		total := 0.0
		for _, p := range active {
			total += mix[p]
		}

		shares := make(map[platform.Platform]int, len(active))
		clamped := false
		for _, p := range active {
			share := int(math.Floor(float64(left)*mix[p]/total + floatEps))
			if share >= room[p] {
				out[p] += room[p]
				left -= room[p]
				room[p] = 0
				clamped = true
				continue
			}
			shares[p] = share
		}
		if clamped {
			active = withRoom(active, room)
			continue
		}

		for _, p := range active {
			out[p] += shares[p]
			room[p] -= shares[p]
			left -= shares[p]
		}
		for left > 0 {
			p, ok := mostRoom(active, room)
			if !ok {
				break
			}
			out[p]++
			room[p]--
			left--
		}
		break
	}
	return out
}

func withRoom(ps []platform.Platform, room map[platform.Platform]int) []platform.Platform {
	out := ps[:0]
	for _, p := range ps {
		if room[p] > 0 {
			out = append(out, p)
		}
	}
	return out
}

func mostRoom(ps []platform.Platform, room map[platform.Platform]int) (platform.Platform, bool) {
	best := platform.Platform("")
	bestRoom := 0
	for _, p := range ps {
		if room[p] > bestRoom {
			best, bestRoom = p, room[p]
		}
	}
	return best, bestRoom > 0
}

// platformsOf returns the configured order, falling back to the sorted keys
// of Caps and Mix when no order is set.
func platformsOf(s Settings) []platform.Platform {
	if len(s.Order) > 0 {
		return s.Order
	}
	seen := map[platform.Platform]struct{}{}
	for p := range s.Caps {
		seen[p] = struct{}{}
	}
	for p := range s.Mix {
		seen[p] = struct{}{}
	}
	out := make([]platform.Platform, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
