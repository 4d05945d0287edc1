package platform

import "testing"

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Platform
		err  bool
	}{
		{in: "professional", want: Professional},
		{in: " LinkedIn ", want: Professional},
		{in: "instagram", want: Photo},
		{in: "twitter", want: Social},
		{in: "mastodon", want: Platform("mastodon")},
		{in: "  ", err: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.err {
			if err == nil {
				t.Fatalf("Parse(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	if k, _ := ParseKind(""); k != KindMessage {
		t.Fatalf("empty kind = %q, want message", k)
	}
	if k, _ := ParseKind("Connect"); k != KindConnect {
		t.Fatalf("Connect = %q", k)
	}
	if _, err := ParseKind("like"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
