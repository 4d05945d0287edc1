// Package platform names the outbound channels and action kinds the engine
// dispatches to.
package platform

import (
	"fmt"
	"strings"
)

// Platform identifies one outbound channel family.
type Platform string

const (
	Professional Platform = "professional"
	Photo        Platform = "photo"
	Social       Platform = "social"
	Telegram     Platform = "telegram"
)

// Known lists the platforms in their default configured order.
var Known = []Platform{Professional, Photo, Social, Telegram}

func (p Platform) String() string { return string(p) }

// Parse normalizes a configured platform name.
// Unknown names are accepted as long as they are non-empty so a deployment can
// register extra drivers without touching this package.
func Parse(raw string) (Platform, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("platform: empty name")
	}
	switch s {
	case "linkedin":
		return Professional, nil
	case "instagram":
		return Photo, nil
	case "x", "twitter":
		return Social, nil
	}
	return Platform(s), nil
}

// Kind is the action a queue item performs.
type Kind string

const (
	KindConnect Kind = "connect"
	KindMessage Kind = "message"
)

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "message", "dm":
		return KindMessage, nil
	case "connect", "invite":
		return KindConnect, nil
	default:
		return "", fmt.Errorf("platform: unknown kind %q", raw)
	}
}
