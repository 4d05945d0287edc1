package conversation

import (
	"regexp"
	"strings"
	"unicode"
)

// Classification is the deterministic reading of one inbound text.
type Classification struct {
	Sentiment Sentiment
	Signal    Signal
	Path      Path
}

// Canonical keyword sets. Phrases match on whole words after lowercasing and
// stripping punctuation.
//
// "busy", "not now" and "later" always count as decline. Confirmation
// phrases are the only text that closes an offer.
var (
	declinePhrases = []string{
		"not interested", "no thanks", "no thank you", "busy", "not now", "later",
		"unsubscribe", "please stop", "stop messaging", "stop contacting", "remove me",
		"dont contact", "do not contact", "not a fit", "no need", "pass on this",
		"pass for now", "have to pass", "will pass on",
	}
	confirmPhrases = []string{
		"booked", "confirmed", "see you",
	}
	bookingPhrases = []string{
		"book", "book a call", "schedule", "calendar", "calendly",
		"lets meet", "let us meet", "set up a call", "hop on a call", "what time",
		"available at", "free at", "works for me",
	}
	positivePhrases = []string{
		"yes", "sure", "interested", "sounds good", "great", "thanks", "thank you",
		"love", "happy to", "tell me more", "curious", "keen",
	}
	pathPhrases = []struct {
		path    Path
		phrases []string
	}{
		{PathReferral, []string{"refer", "introduce", "intro", "know someone", "colleague", "friend who"}},
		{PathRecruit, []string{"job", "role", "position", "hiring", "resume", "cv", "join your team", "recruiter"}},
		{PathClient, []string{"pricing", "price", "quote", "budget", "project", "proposal", "services", "hire you"}},
	}

	// An explicit time ("3pm", "10:30", "at 9") or weekday-with-time counts as booking.
	timePattern = regexp.MustCompile(`\b([01]?\d|2[0-3])(:[0-5]\d)?\s?(am|pm)\b|\b([01]?\d|2[0-3]):[0-5]\d\b|\bat [01]?\d\b`)
)

// Classify reads text. Confirmation wins over a booking request, booking
// wins over decline so that "busy today but tomorrow at 3pm works" is a
// booking, and decline wins over positive so that "not interested, thanks"
// is a decline.
func Classify(text string) Classification {
	lower := strings.ToLower(text)
	norm := normalize(lower)

	c := Classification{Sentiment: Neutral, Signal: SignalSoft}
	switch {
	case containsAny(norm, confirmPhrases):
		c.Signal = SignalConfirm
		c.Sentiment = Positive
	case timePattern.MatchString(lower) || containsAny(norm, bookingPhrases):
		c.Signal = SignalBooking
		c.Sentiment = Positive
	case containsAny(norm, declinePhrases):
		c.Signal = SignalDecline
		c.Sentiment = Negative
	case containsAny(norm, positivePhrases):
		c.Sentiment = Positive
	}

	for _, pp := range pathPhrases {
		if containsAny(norm, pp.phrases) {
			c.Path = pp.path
			break
		}
	}
	return c
}

// normalize lowercases, drops apostrophes and collapses everything that is not
// a letter or digit into single spaces, padded on both sides.
func normalize(lower string) string {
	var b strings.Builder
	b.Grow(len(lower) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range lower {
		switch {
		case r == '\'' || r == '’':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

func containsAny(norm string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(norm, " "+p+" ") {
			return true
		}
	}
	return false
}
