package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"outreach/internal/platform"
	kit "outreach/internal/transport"
	logx "outreach/pkg/logx"
)

const defaultInboxBuffer = 256

// Telegram sends direct messages through a bot transport. Recipients are
// chat ids, optionally suffixed with ":<thread id>".
type Telegram struct {
	a     kit.Adapter
	owner string
	log   logx.Logger

	updates chan kit.Update

	mu      sync.Mutex
	started bool
	closed  bool
}

func NewTelegram(a kit.Adapter, owner string, log logx.Logger) *Telegram {
	return &Telegram{
		a:       a,
		owner:   owner,
		log:     log.With(logx.String("driver", "telegram")),
		updates: make(chan kit.Update, defaultInboxBuffer),
	}
}

func (t *Telegram) Platform() platform.Platform { return platform.Telegram }

func (t *Telegram) Init(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return nil
	}
	if err := t.a.Start(ctx, t.updates); err != nil {
		return classifyTelegram(err)
	}
	t.started = true
	return nil
}

// ParseChatTarget parses "<chat id>" or "<chat id>:<thread id>".
func ParseChatTarget(recipient string) (kit.ChatTarget, error) {
	raw := strings.TrimSpace(recipient)
	chat, thread, hasThread := strings.Cut(raw, ":")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return kit.ChatTarget{}, NewError("missing_handle", fmt.Errorf("invalid chat id %q", recipient))
	}
	to := kit.ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil {
			return kit.ChatTarget{}, NewError("missing_handle", fmt.Errorf("invalid thread id %q", recipient))
		}
		to.ThreadID = tid
	}
	return to, nil
}

func (t *Telegram) Send(ctx context.Context, recipient, text string) (Outcome, error) {
	t.mu.Lock()
	started, closed := t.started, t.closed
	t.mu.Unlock()
	if closed {
		return Outcome{}, ErrClosed
	}
	if !started {
		return Outcome{}, ErrNotInitialized
	}
	to, err := ParseChatTarget(recipient)
	if err != nil {
		return Outcome{}, err
	}
	ref, err := t.a.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		return Outcome{}, classifyTelegram(err)
	}
	return Outcome{
		OK:        true,
		OutcomeID: fmt.Sprintf("%d:%d", ref.ChatID, ref.MessageID),
		At:        time.Now().UTC(),
	}, nil
}

// Poll drains buffered private messages without blocking.
func (t *Telegram) Poll(ctx context.Context, limit int) ([]Inbound, error) {
	if limit <= 0 {
		limit = defaultInboxBuffer
	}
	var out []Inbound
	for len(out) < limit {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case up := <-t.updates:
			m := up.Message
			if m == nil || strings.TrimSpace(m.Text) == "" {
				continue
			}
			out = append(out, Inbound{
				Contact:    strconv.FormatInt(m.ChatID, 10),
				Owner:      t.owner,
				Text:       m.Text,
				At:         m.At,
				ExternalID: fmt.Sprintf("%d:%d", m.ChatID, m.ID),
			})
		default:
			return out, nil
		}
	}
	return out, nil
}

func (t *Telegram) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return t.a.Stop(ctx)
}

// classifyTelegram attaches retry signatures to bot API errors.
func classifyTelegram(err error) error {
	var flood tele.FloodError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tele.ErrUnauthorized):
		return NewError("auth_invalid", err)
	case errors.Is(err, tele.ErrChatNotFound), errors.Is(err, tele.ErrBlockedByUser):
		return NewError("missing_recipient", err)
	case errors.As(err, &flood):
		return NewError("rate_limited", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError("timeout", err)
	default:
		return err
	}
}
