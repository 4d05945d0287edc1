package dispatch

import (
	"context"
	"errors"
	"strings"

	"outreach/internal/queue"
)

// ErrUnresolved means the contact store has no usable recipient for an item.
var ErrUnresolved = errors.New("dispatch: recipient unresolved")

// ContactResolver maps a queue item to the driver-level recipient reference.
type ContactResolver interface {
	Resolve(ctx context.Context, it queue.Item) (string, error)
}

type ResolverFunc func(ctx context.Context, it queue.Item) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, it queue.Item) (string, error) { return f(ctx, it) }

// ItemResolver uses the item's own recipient, falling back to the "handle"
// payload meta field.
type ItemResolver struct{}

func (ItemResolver) Resolve(_ context.Context, it queue.Item) (string, error) {
	if r := strings.TrimSpace(it.Recipient); r != "" {
		return r, nil
	}
	if h := strings.TrimSpace(it.Payload.Meta["handle"]); h != "" {
		return h, nil
	}
	return "", ErrUnresolved
}

// AliasResolver rewrites recipients through a static alias table before
// falling back to Next (ItemResolver when nil).
type AliasResolver struct {
	Aliases map[string]string
	Next    ContactResolver
}

func (a AliasResolver) Resolve(ctx context.Context, it queue.Item) (string, error) {
	next := a.Next
	if next == nil {
		next = ItemResolver{}
	}
	r, err := next.Resolve(ctx, it)
	if err != nil {
		return "", err
	}
	if v, ok := a.Aliases[r]; ok {
		if v = strings.TrimSpace(v); v == "" {
			return "", ErrUnresolved
		}
		return v, nil
	}
	return r, nil
}
