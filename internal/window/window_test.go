package window

import (
	"testing"
	"time"
)

// 2024-06-03 is a Monday.
func at(t *testing.T, loc *time.Location, day, hour, min int) time.Time {
	t.Helper()
	return time.Date(2024, time.June, day, hour, min, 0, 0, loc)
}

func TestCanPerformGating(t *testing.T) {
	t.Parallel()

	p := Default()
	tests := []struct {
		name   string
		now    time.Time
		action Action
		want   bool
	}{
		{"send inside", at(t, time.UTC, 3, 10, 0), Send, true},
		{"send at start", at(t, time.UTC, 3, 9, 0), Send, true},
		{"send at end is closed", at(t, time.UTC, 3, 17, 0), Send, false},
		{"send before hours", at(t, time.UTC, 3, 8, 59), Send, false},
		{"connect at night", at(t, time.UTC, 3, 23, 0), Connect, false},
		{"poll at night allowed", at(t, time.UTC, 3, 23, 0), Poll, true},
		{"enqueue at night denied", at(t, time.UTC, 3, 23, 0), Enqueue, false},
		{"send on saturday", at(t, time.UTC, 8, 10, 0), Send, false},
		{"draft on saturday", at(t, time.UTC, 8, 10, 0), Draft, true},
	}
	for _, tt := range tests {
		if got := p.CanPerform(tt.action, tt.now); got != tt.want {
			t.Fatalf("%s: CanPerform(%s) = %v, want %v", tt.name, tt.action, got, tt.want)
		}
	}
}

func TestSendIgnoresOverride(t *testing.T) {
	t.Parallel()

	p := Default()
	p.AllowOutside = map[Action]bool{Send: true, Connect: true}
	night := at(t, time.UTC, 3, 2, 0)
	if p.CanPerform(Send, night) || p.CanPerform(Connect, night) {
		t.Fatal("send/connect must stay gated outside the window")
	}
}

func TestTimezoneApplied(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+5", 5*3600)
	p := Default()
	p.Location = loc
	// 05:00 UTC is 10:00 local.
	if !p.CanPerform(Send, at(t, time.UTC, 3, 5, 0)) {
		t.Fatal("expected window open at 10:00 local")
	}
	// 13:00 UTC is 18:00 local.
	if p.CanPerform(Send, at(t, time.UTC, 3, 13, 0)) {
		t.Fatal("expected window closed at 18:00 local")
	}
}

func TestOvernightWindow(t *testing.T) {
	t.Parallel()

	p := Default()
	p.Start = 22 * 60
	p.End = 2 * 60
	// Friday 23:00 is open; Saturday 01:00 belongs to Friday.
	if !p.InWindow(at(t, time.UTC, 7, 23, 0)) || !p.InWindow(at(t, time.UTC, 8, 1, 0)) {
		t.Fatal("expected overnight window open")
	}
	// Monday 01:00 belongs to Sunday, which is off.
	if p.InWindow(at(t, time.UTC, 3, 1, 0)) {
		t.Fatal("expected Monday early hours closed")
	}
}

func TestNextOpen(t *testing.T) {
	t.Parallel()

	p := Default()
	fri := at(t, time.UTC, 7, 18, 0)
	want := at(t, time.UTC, 10, 9, 0)
	if got := p.NextOpen(fri); !got.Equal(want) {
		t.Fatalf("NextOpen = %v, want %v", got, want)
	}
	inside := at(t, time.UTC, 3, 10, 0)
	if got := p.NextOpen(inside); !got.Equal(inside) {
		t.Fatalf("NextOpen inside = %v", got)
	}
	p.Workdays = [7]bool{}
	if got := p.NextOpen(fri); !got.IsZero() {
		t.Fatalf("NextOpen without workdays = %v", got)
	}
}

func TestNextOpenAllDay(t *testing.T) {
	t.Parallel()

	p := Default()
	p.Start, p.End = 9*60, 9*60
	sat := at(t, time.UTC, 8, 10, 0)
	want := at(t, time.UTC, 10, 0, 0)
	if got := p.NextOpen(sat); !got.Equal(want) {
		t.Fatalf("NextOpen all-day = %v, want %v", got, want)
	}
	if !p.InWindow(want) {
		t.Fatalf("window closed at its own opening %v", want)
	}
}

func TestNextOpenAcrossDST(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	p := Default()
	p.Location = loc
	p.Workdays = [7]bool{time.Sunday: true}
	// Clocks go forward at 02:00 on Sunday 2024-03-10.
	sat := time.Date(2024, time.March, 9, 20, 0, 0, 0, loc)
	want := time.Date(2024, time.March, 10, 9, 0, 0, 0, loc)
	got := p.NextOpen(sat)
	if !got.Equal(want) {
		t.Fatalf("NextOpen = %v, want %v", got, want)
	}
	if !p.InWindow(got) {
		t.Fatalf("window closed at its own opening %v", got)
	}
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	c, err := ParseClock("09:30")
	if err != nil || c != 9*60+30 || c.String() != "09:30" {
		t.Fatalf("ParseClock = %v, %v", c, err)
	}
	for _, bad := range []string{"9", "24:00", "aa:bb", "12:60"} {
		if _, err := ParseClock(bad); err == nil {
			t.Fatalf("ParseClock(%q) expected error", bad)
		}
	}

	days, err := ParseWorkdays([]string{"mon", "Tuesday", "5"})
	if err != nil {
		t.Fatal(err)
	}
	if !days[time.Monday] || !days[time.Tuesday] || !days[time.Friday] || days[time.Sunday] {
		t.Fatalf("unexpected workdays %v", days)
	}
	if _, err := ParseWorkdays([]string{"funday"}); err == nil {
		t.Fatal("expected error for unknown day")
	}
}
