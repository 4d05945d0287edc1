package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"outreach/internal/platform"
	logx "outreach/pkg/logx"
)

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Thread is one (contact, platform) conversation.
type Thread struct {
	Contact     string
	Platform    platform.Platform
	Owner       string
	State       State
	Sentiment   Sentiment
	Path        Path
	LastEventAt time.Time
	CreatedAt   time.Time
}

// Message is one entry of a thread's append-only history.
type Message struct {
	Contact   string
	Platform  platform.Platform
	Direction Direction
	Text      string
	// State is the thread state after this message was applied.
	State     State
	Sentiment Sentiment
	At        time.Time
}

var ErrInvalidContact = errors.New("conversation: contact and platform are required")

// Store persists threads and history. History is never rewritten.
type Store interface {
	GetThread(ctx context.Context, contact string, p platform.Platform) (Thread, bool, error)
	UpsertThread(ctx context.Context, th Thread) error
	AppendMessage(ctx context.Context, msg Message) error
	History(ctx context.Context, contact string, p platform.Platform) ([]Message, error)
	MessagesSince(ctx context.Context, since time.Time) ([]Message, error)
}

// Inbound is a reply received from a contact.
type Inbound struct {
	Contact  string
	Platform platform.Platform
	Owner    string
	Text     string
	At       time.Time
}

// Outbound is a message we sent to a contact.
type Outbound struct {
	Contact  string
	Platform platform.Platform
	Owner    string
	Text     string
	At       time.Time
}

// Transition describes what HandleInbound did.
type Transition struct {
	Thread         Thread
	From           State
	To             State
	Classification Classification
	Created        bool
}

type Machine struct {
	store Store
	log   logx.Logger

	// mu serializes read-modify-write on threads.
	mu sync.Mutex
}

func NewMachine(store Store, log logx.Logger) *Machine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Machine{store: store, log: log}
}

func (m *Machine) load(ctx context.Context, contact string, p platform.Platform, owner string, at time.Time) (Thread, bool, error) {
	th, ok, err := m.store.GetThread(ctx, contact, p)
	if err != nil {
		return Thread{}, false, fmt.Errorf("conversation: load thread: %w", err)
	}
	if ok {
		if th.Owner == "" {
			th.Owner = owner
		}
		return th, false, nil
	}
	return Thread{
		Contact:   contact,
		Platform:  p,
		Owner:     owner,
		State:     StateIntro,
		Sentiment: Neutral,
		CreatedAt: at,
	}, true, nil
}

// HandleInbound classifies in, advances the thread and appends the message.
func (m *Machine) HandleInbound(ctx context.Context, in Inbound) (Transition, error) {
	contact := strings.TrimSpace(in.Contact)
	if contact == "" || in.Platform == "" {
		return Transition{}, ErrInvalidContact
	}
	if in.At.IsZero() {
		in.At = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	th, created, err := m.load(ctx, contact, in.Platform, in.Owner, in.At)
	if err != nil {
		return Transition{}, err
	}

	c := Classify(in.Text)
	from := th.State
	th.State = Next(from, c.Signal)
	th.Sentiment = c.Sentiment
	if th.Path == PathNone && c.Path != PathNone {
		th.Path = c.Path
	}
	th.LastEventAt = in.At

	if err := m.store.AppendMessage(ctx, Message{
		Contact:   contact,
		Platform:  in.Platform,
		Direction: DirectionIn,
		Text:      in.Text,
		State:     th.State,
		Sentiment: c.Sentiment,
		At:        in.At,
	}); err != nil {
		return Transition{}, fmt.Errorf("conversation: append inbound: %w", err)
	}
	if err := m.store.UpsertThread(ctx, th); err != nil {
		return Transition{}, fmt.Errorf("conversation: upsert thread: %w", err)
	}

	m.log.Debug("conversation advanced",
		logx.String("contact", contact),
		logx.String("platform", string(in.Platform)),
		logx.String("from", string(from)),
		logx.String("to", string(th.State)),
		logx.String("signal", string(c.Signal)),
		logx.String("path", string(th.Path)),
	)
	return Transition{Thread: th, From: from, To: th.State, Classification: c, Created: created}, nil
}

// RecordOutbound notes a sent message. The thread is created in intro on
// first contact; the state itself only moves on inbound replies.
func (m *Machine) RecordOutbound(ctx context.Context, out Outbound) (Thread, error) {
	contact := strings.TrimSpace(out.Contact)
	if contact == "" || out.Platform == "" {
		return Thread{}, ErrInvalidContact
	}
	if out.At.IsZero() {
		out.At = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	th, _, err := m.load(ctx, contact, out.Platform, out.Owner, out.At)
	if err != nil {
		return Thread{}, err
	}
	th.LastEventAt = out.At

	if err := m.store.AppendMessage(ctx, Message{
		Contact:   contact,
		Platform:  out.Platform,
		Direction: DirectionOut,
		Text:      out.Text,
		State:     th.State,
		Sentiment: Neutral,
		At:        out.At,
	}); err != nil {
		return Thread{}, fmt.Errorf("conversation: append outbound: %w", err)
	}
	if err := m.store.UpsertThread(ctx, th); err != nil {
		return Thread{}, fmt.Errorf("conversation: upsert thread: %w", err)
	}
	return th, nil
}

// Thread returns the current thread, if any.
func (m *Machine) Thread(ctx context.Context, contact string, p platform.Platform) (Thread, bool, error) {
	return m.store.GetThread(ctx, contact, p)
}

func (m *Machine) History(ctx context.Context, contact string, p platform.Platform) ([]Message, error) {
	return m.store.History(ctx, contact, p)
}
