package dispatch

import (
	"context"
	"fmt"
	"strings"

	"outreach/internal/conversation"
	"outreach/internal/eventbus"
	"outreach/internal/platform"
	"outreach/internal/window"
	logx "outreach/pkg/logx"
)

const DefaultPollLimit = 50

// InboundHandler advances conversation state for one reply.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in conversation.Inbound) (conversation.Transition, error)
}

// PollOutcome counts what one inbox poll did.
type PollOutcome struct {
	Platform    platform.Platform `json:"platform"`
	Gated       bool              `json:"gated,omitempty"`
	Received    int               `json:"received"`
	Transitions int               `json:"transitions"`
	Booked      int               `json:"booked"`
	Failed      int               `json:"failed"`
}

// TransitionEvent is the bus payload for a conversation step.
type TransitionEvent struct {
	Contact   string                 `json:"contact"`
	Platform  platform.Platform      `json:"platform"`
	Owner     string                 `json:"owner,omitempty"`
	From      conversation.State     `json:"from"`
	To        conversation.State     `json:"to"`
	Signal    conversation.Signal    `json:"signal"`
	Sentiment conversation.Sentiment `json:"sentiment"`
	Created   bool                   `json:"created,omitempty"`
}

// Poll reads new replies for one platform and feeds them to handler.
// Polling is allowed outside the work window unless the policy says otherwise.
func (e *Engine) Poll(ctx context.Context, p platform.Platform, handler InboundHandler) (PollOutcome, error) {
	out := PollOutcome{Platform: p}
	cfg := e.Config()
	now := e.deps.Clock()
	if !cfg.Window.CanPerform(window.Poll, now) {
		out.Gated = true
		return out, nil
	}
	d, err := e.deps.Drivers.Get(p)
	if err != nil {
		return out, err
	}
	limit := cfg.PollLimit
	if limit <= 0 {
		limit = DefaultPollLimit
	}
	replies, err := d.Poll(ctx, limit)
	if err != nil {
		return out, fmt.Errorf("poll %s: %w", p, err)
	}
	out.Received = len(replies)

	log := e.log.With(logx.String("platform", string(p)))
	for _, r := range replies {
		if strings.TrimSpace(r.Contact) == "" {
			out.Failed++
			continue
		}
		at := r.At
		if at.IsZero() {
			at = now
		}
		tr, err := handler.HandleInbound(ctx, conversation.Inbound{
			Contact:  r.Contact,
			Platform: p,
			Owner:    r.Owner,
			Text:     r.Text,
			At:       at,
		})
		if err != nil {
			out.Failed++
			log.Warn("handle inbound failed", logx.String("contact", r.Contact), logx.Err(err))
			continue
		}
		out.Transitions++
		if tr.To == conversation.StateBooked && tr.From != conversation.StateBooked {
			out.Booked++
		}
		e.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeTransition, Data: TransitionEvent{
			Contact:   r.Contact,
			Platform:  p,
			Owner:     tr.Thread.Owner,
			From:      tr.From,
			To:        tr.To,
			Signal:    tr.Classification.Signal,
			Sentiment: tr.Classification.Sentiment,
			Created:   tr.Created,
		}})
	}
	if out.Received > 0 {
		log.Info("inbox polled",
			logx.Int("received", out.Received),
			logx.Int("transitions", out.Transitions),
			logx.Int("booked", out.Booked),
			logx.Int("failed", out.Failed),
		)
	}
	return out, nil
}

// PollAll polls every registered platform. A failing platform does not stop
// the others; the first error is returned.
func (e *Engine) PollAll(ctx context.Context, handler InboundHandler) ([]PollOutcome, error) {
	var (
		outs  []PollOutcome
		first error
	)
	for _, p := range e.deps.Drivers.Platforms() {
		o, err := e.Poll(ctx, p, handler)
		if err != nil {
			e.log.Warn("poll failed", logx.String("platform", string(p)), logx.Err(err))
			if first == nil {
				first = err
			}
		}
		outs = append(outs, o)
	}
	return outs, first
}
