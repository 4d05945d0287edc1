package conversation

import "testing"

func TestNextTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from State
		sig  Signal
		want State
	}{
		{StateIntro, SignalDecline, StateProbe1},
		{StateIntro, SignalBooking, StateProbe1},
		{StateIntro, SignalSoft, StateProbe1},
		{StateProbe1, SignalDecline, StateObjection},
		{StateProbe1, SignalBooking, StateOffer},
		{StateProbe1, SignalSoft, StateProbe2},
		{StateProbe2, SignalDecline, StateObjection},
		{StateProbe2, SignalBooking, StateOffer},
		{StateProbe2, SignalSoft, StateOffer},
		{StateObjection, SignalDecline, StateObjection},
		{StateObjection, SignalBooking, StateProbe2},
		{StateObjection, SignalSoft, StateProbe2},
		{StateOffer, SignalDecline, StateOffer},
		{StateOffer, SignalBooking, StateOffer},
		{StateOffer, SignalConfirm, StateBooked},
		{StateOffer, SignalSoft, StateOffer},
		{StateIntro, SignalConfirm, StateProbe1},
		{StateProbe1, SignalConfirm, StateOffer},
		{StateProbe2, SignalConfirm, StateOffer},
		{StateObjection, SignalConfirm, StateProbe2},
	}
	for _, tt := range tests {
		if got := Next(tt.from, tt.sig); got != tt.want {
			t.Fatalf("Next(%s, %s) = %s, want %s", tt.from, tt.sig, got, tt.want)
		}
	}
}

func TestBookedIsAbsorbing(t *testing.T) {
	t.Parallel()

	for _, sig := range []Signal{SignalDecline, SignalBooking, SignalConfirm, SignalSoft, Signal("garbage")} {
		if got := Next(StateBooked, sig); got != StateBooked {
			t.Fatalf("Next(booked, %s) = %s", sig, got)
		}
	}
}

func TestDeclineFromProbe1IsDeterministic(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		c := Classify("Sorry, I'm busy and not interested.")
		if got := Next(StateProbe1, c.Signal); got != StateObjection {
			t.Fatalf("iteration %d: got %s", i, got)
		}
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()

	if s, err := ParseState("offer"); err != nil || s != StateOffer {
		t.Fatalf("ParseState(offer) = %s, %v", s, err)
	}
	if _, err := ParseState("done"); err == nil {
		t.Fatal("expected error")
	}
}
