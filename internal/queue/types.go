// Package queue is the durable work list of outbound actions.
//
// Items move ready/approved -> processing (claimed) -> sent | error. A claim
// is a conditional update, so only one caller can move an item out of
// ready/approved. Stale claims can be released back to ready after a crash.
package queue

import (
	"context"
	"errors"
	"time"

	"outreach/internal/platform"
)

type Status string

const (
	StatusReady      Status = "ready"
	StatusApproved   Status = "approved"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusError      Status = "error"
)

// Claimable reports whether a worker may pick the item up.
func (s Status) Claimable() bool { return s == StatusReady || s == StatusApproved }

// Terminal reports whether the item is finished.
func (s Status) Terminal() bool { return s == StatusSent || s == StatusError }

// ReasonStaleClaim is recorded on items released by ReleaseStale.
const ReasonStaleClaim = "stale_claim"

var (
	ErrNotFound    = errors.New("queue: item not found")
	ErrNotClaimed  = errors.New("queue: item is not claimed")
	ErrDuplicateID = errors.New("queue: duplicate item id")
	ErrInvalidItem = errors.New("queue: invalid item")
)

type Payload struct {
	Text string            `json:"text"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Item is one pending or completed outbound action.
type Item struct {
	ID          string
	Platform    platform.Platform
	Kind        platform.Kind
	Recipient   string
	Payload     Payload
	Status      Status
	ScheduledAt time.Time
	Error       string
	Owner       string
	Campaign    string

	// DueAt is the first time the item was due. Deferrals move ScheduledAt
	// but never DueAt, which orders the due list.
	DueAt     time.Time
	ClaimedAt time.Time
	// Attempts counts claims; Failures counts failed sends of this item.
	Attempts  int
	Failures  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SentLogEntry is an append-only record of one successful send.
type SentLogEntry struct {
	QueueItemID string
	Platform    platform.Platform
	Kind        platform.Kind
	Owner       string
	At          time.Time
}

// Store is the queue storage contract.
//
// MarkSent, MarkError and Reschedule require the item to be claimed and return
// ErrNotClaimed otherwise.
type Store interface {
	Enqueue(ctx context.Context, it Item) (Item, error)
	Get(ctx context.Context, id string) (Item, error)

	// FetchDue returns up to limit claimable items with ScheduledAt <= now,
	// ordered by DueAt so deferred items keep their place.
	FetchDue(ctx context.Context, p platform.Platform, now time.Time, limit int) ([]Item, error)
	// Claim moves a due claimable item to processing. It reports false when
	// another caller got there first or the item is no longer due.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)

	MarkSent(ctx context.Context, id string, now time.Time) error
	MarkError(ctx context.Context, id, reason string, now time.Time) error
	// Reschedule returns a claimed item to ready, eligible again at `at`.
	Reschedule(ctx context.Context, id string, at time.Time, reason string) error
	// MarkFailed is Reschedule that also counts a failed send against the item.
	MarkFailed(ctx context.Context, id string, at time.Time, reason string) error

	AppendSentLog(ctx context.Context, e SentLogEntry) error
	// CountSentSince counts sent-log entries for p since the instant.
	// An empty kind counts every kind.
	CountSentSince(ctx context.Context, p platform.Platform, kind platform.Kind, since time.Time) (int, error)
	// CountPending counts claimable items of the given kind on p, due or not.
	CountPending(ctx context.Context, p platform.Platform, kind platform.Kind) (int, error)

	// ReleaseStale returns processing items claimed before olderThan to ready.
	ReleaseStale(ctx context.Context, olderThan, now time.Time) (int, error)

	// Stats counts items by status.
	Stats(ctx context.Context) (map[Status]int, error)
}

// Normalize fills defaults and validates an item before it is stored.
func Normalize(it Item, now time.Time, newID func() string) (Item, error) {
	if it.Platform == "" {
		return it, errors.Join(ErrInvalidItem, errors.New("platform is required"))
	}
	if it.Kind == "" {
		it.Kind = platform.KindMessage
	}
	if it.Status == "" {
		it.Status = StatusReady
	}
	if !it.Status.Claimable() {
		return it, errors.Join(ErrInvalidItem, errors.New("status must be ready or approved"))
	}
	if it.ID == "" {
		it.ID = newID()
	}
	if it.ScheduledAt.IsZero() {
		it.ScheduledAt = now
	}
	it.DueAt = it.ScheduledAt
	it.CreatedAt = now
	it.UpdatedAt = now
	it.ClaimedAt = time.Time{}
	it.Attempts = 0
	it.Failures = 0
	it.Error = ""
	return it, nil
}
