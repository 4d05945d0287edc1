package driver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"outreach/internal/platform"
	logx "outreach/pkg/logx"
)

// DryRun logs sends instead of performing them. Inbound replies can be
// injected to exercise the conversation flow without a live account.
type DryRun struct {
	p   platform.Platform
	log logx.Logger
	now func() time.Time

	mu     sync.Mutex
	inited bool
	closed bool
	sent   []Sent
	inbox  []Inbound
	// failNext makes the next Send calls fail with these errors, in order.
	failNext []error
}

// Sent records one dry-run send.
type Sent struct {
	Recipient string
	Text      string
	OutcomeID string
	At        time.Time
}

func NewDryRun(p platform.Platform, log logx.Logger) *DryRun {
	return &DryRun{
		p:   p,
		log: log.With(logx.String("driver", "dryrun"), logx.String("platform", string(p))),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (d *DryRun) Platform() platform.Platform { return d.p }

func (d *DryRun) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.inited = true
	d.log.Info("dry-run session opened")
	return nil
}

func (d *DryRun) Send(ctx context.Context, recipient, text string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Outcome{}, ErrClosed
	}
	if !d.inited {
		return Outcome{}, ErrNotInitialized
	}
	if len(d.failNext) > 0 {
		err := d.failNext[0]
		d.failNext = d.failNext[1:]
		return Outcome{}, err
	}
	if strings.TrimSpace(recipient) == "" {
		return Outcome{}, NewError("missing_handle", nil)
	}

	out := Outcome{OK: true, OutcomeID: uuid.NewString(), At: d.now()}
	d.sent = append(d.sent, Sent{Recipient: recipient, Text: text, OutcomeID: out.OutcomeID, At: out.At})
	d.log.Info("dry-run send", logx.String("recipient", recipient), logx.Int("chars", len(text)), logx.String("outcome_id", out.OutcomeID))
	return out, nil
}

func (d *DryRun) Poll(ctx context.Context, limit int) ([]Inbound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > len(d.inbox) {
		limit = len(d.inbox)
	}
	out := append([]Inbound(nil), d.inbox[:limit]...)
	d.inbox = d.inbox[limit:]
	return out, nil
}

func (d *DryRun) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		d.log.Info("dry-run session closed", logx.Int("sent", len(d.sent)))
	}
	return nil
}

// Inject queues replies for the next Poll.
func (d *DryRun) Inject(in ...Inbound) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range in {
		if m.At.IsZero() {
			m.At = d.now()
		}
		if m.ExternalID == "" {
			m.ExternalID = uuid.NewString()
		}
		d.inbox = append(d.inbox, m)
	}
}

// FailNext makes upcoming Send calls return errs in order.
func (d *DryRun) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = append(d.failNext, errs...)
}

// Sent returns a copy of every send so far.
func (d *DryRun) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}
