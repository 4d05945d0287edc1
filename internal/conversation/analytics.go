package conversation

import (
	"context"
	"time"

	"outreach/internal/platform"
)

// HourStats counts outbound messages and inbound replies per hour of day.
type HourStats struct {
	Sent    [24]int
	Replies [24]int
}

const (
	minHotHour = 0.6
	maxHotHour = 1.4

	// minHourSamples is the outbound volume an hour needs before its reply
	// rate is trusted.
	minHourSamples = 5
)

// BuildHourStats buckets messages by their hour in loc.
func BuildHourStats(msgs []Message, loc *time.Location) HourStats {
	if loc == nil {
		loc = time.UTC
	}
	var hs HourStats
	for _, m := range msgs {
		h := m.At.In(loc).Hour()
		switch m.Direction {
		case DirectionOut:
			hs.Sent[h]++
		case DirectionIn:
			hs.Replies[h]++
		}
	}
	return hs
}

// HotHourMultiplier compares the hour's reply rate with the overall rate and
// maps it into [0.6, 1.4]. Hours without enough samples are neutral.
func HotHourMultiplier(hs HourStats, hour int) float64 {
	if hour < 0 || hour > 23 {
		return 1
	}
	sent, replies := 0, 0
	for h := 0; h < 24; h++ {
		sent += hs.Sent[h]
		replies += hs.Replies[h]
	}
	if sent == 0 || replies == 0 || hs.Sent[hour] < minHourSamples {
		return 1
	}
	overall := float64(replies) / float64(sent)
	rate := float64(hs.Replies[hour]) / float64(hs.Sent[hour])
	m := rate / overall
	if m < minHotHour {
		return minHotHour
	}
	if m > maxHotHour {
		return maxHotHour
	}
	return m
}

// BookingRate is booked threads per outbound message in msgs.
// It returns 0 when nothing was sent.
func BookingRate(msgs []Message) float64 {
	type key struct {
		contact string
		p       platform.Platform
	}
	booked := make(map[key]struct{})
	sent := 0
	for _, m := range msgs {
		switch {
		case m.Direction == DirectionOut:
			sent++
		case m.Direction == DirectionIn && m.State == StateBooked:
			booked[key{m.Contact, m.Platform}] = struct{}{}
		}
	}
	if sent == 0 {
		return 0
	}
	return float64(len(booked)) / float64(sent)
}

// Analytics is what the allocator reads from conversation history.
type Analytics struct {
	Hours       HourStats
	BookingRate float64
}

// Analytics reads history since the given instant and summarizes it.
func (m *Machine) Analytics(ctx context.Context, since time.Time, loc *time.Location) (Analytics, error) {
	msgs, err := m.store.MessagesSince(ctx, since)
	if err != nil {
		return Analytics{}, err
	}
	return Analytics{Hours: BuildHourStats(msgs, loc), BookingRate: BookingRate(msgs)}, nil
}
