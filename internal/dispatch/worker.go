package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outreach/internal/conversation"
	"outreach/internal/driver"
	"outreach/internal/eventbus"
	"outreach/internal/pacing"
	"outreach/internal/platform"
	"outreach/internal/queue"
	"outreach/internal/retry"
	"outreach/internal/window"
	logx "outreach/pkg/logx"
)

const (
	DefaultDriverTimeout = 45 * time.Second

	// finalizeTimeout bounds store writes that must land even during shutdown.
	finalizeTimeout = 5 * time.Second

	reasonBackoff   = "backoff"
	reasonCancelled = "cancelled"
)

// OutboundRecorder receives successfully sent messages.
type OutboundRecorder interface {
	RecordOutbound(ctx context.Context, out conversation.Outbound) (conversation.Thread, error)
}

// WorkerOutcome counts what one worker run did.
//
// Every claimed item consumes quota, whatever happened to it afterwards.
type WorkerOutcome struct {
	Platform platform.Platform `json:"platform"`
	Quota    int               `json:"quota"`
	Gated    bool              `json:"gated,omitempty"`

	Fetched    int `json:"fetched"`
	LostClaims int `json:"lost_claims"`
	Attempted  int `json:"attempted"`
	Sent       int `json:"sent"`
	Errored    int `json:"errored"`
	Deferred   int `json:"deferred"`
	Failed     int `json:"failed"`

	Err error `json:"-"`
}

// Worker drains due items for one platform through one driver session.
// Items are handled sequentially.
type Worker struct {
	Platform platform.Platform
	Store    queue.Store
	Driver   driver.Driver
	Window   window.Policy
	Pacer    *pacing.Pacer
	Tracker  *retry.Tracker
	Alerter  *retry.Alerter
	Resolver ContactResolver
	Outbound OutboundRecorder
	Bus      eventbus.Bus
	Log      logx.Logger

	DriverTimeout time.Duration
	// Clock stamps sends and backoff. Defaults to time.Now.
	Clock func() time.Time
}

func (w *Worker) clock() time.Time {
	if w.Clock != nil {
		return w.Clock()
	}
	return time.Now()
}

func (w *Worker) publish(typ string, data any) {
	if w.Bus != nil {
		w.Bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// ItemEvent is the bus payload for per-item outcomes.
type ItemEvent struct {
	ItemID    string            `json:"item_id"`
	Platform  platform.Platform `json:"platform"`
	Kind      platform.Kind     `json:"kind"`
	Owner     string            `json:"owner,omitempty"`
	Campaign  string            `json:"campaign,omitempty"`
	OutcomeID string            `json:"outcome_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Until     time.Time         `json:"until,omitempty"`
}

func itemEvent(it queue.Item) ItemEvent {
	return ItemEvent{ItemID: it.ID, Platform: it.Platform, Kind: it.Kind, Owner: it.Owner, Campaign: it.Campaign}
}

// Run processes up to quota due items. It never returns early because of a
// single item's failure; Err is set only when the due list could not be read.
func (w *Worker) Run(ctx context.Context, quota int, now time.Time) WorkerOutcome {
	out := WorkerOutcome{Platform: w.Platform, Quota: quota}
	log := w.Log.With(logx.String("platform", string(w.Platform)))

	if !w.Window.CanPerform(window.Send, now) {
		out.Gated = true
		log.Debug("send gated by window", logx.Time("next_open", w.Window.NextOpen(now)))
		return out
	}
	if quota <= 0 {
		return out
	}

	items, err := w.Store.FetchDue(ctx, w.Platform, now, quota)
	if err != nil {
		out.Err = fmt.Errorf("fetch due %s: %w", w.Platform, err)
		log.Warn("fetch due failed", logx.Err(err))
		return out
	}
	out.Fetched = len(items)

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		ok, err := w.Store.Claim(ctx, it.ID, now)
		if err != nil {
			log.Warn("claim failed", logx.String("item", it.ID), logx.Err(err))
			continue
		}
		if !ok {
			out.LostClaims++
			continue
		}
		out.Attempted++
		w.process(ctx, log.With(logx.String("item", it.ID)), it, now, &out)
	}

	log.Info("worker run done",
		logx.Int("quota", quota),
		logx.Int("attempted", out.Attempted),
		logx.Int("sent", out.Sent),
		logx.Int("errored", out.Errored),
		logx.Int("deferred", out.Deferred),
		logx.Int("failed", out.Failed),
	)
	return out
}

// finalizeCtx keeps store writes alive when the run context was cancelled,
// so a claimed item is never abandoned in processing.
func finalizeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func (w *Worker) process(ctx context.Context, log logx.Logger, it queue.Item, now time.Time, out *WorkerOutcome) {
	fctx, cancel := finalizeCtx(ctx)
	defer cancel()

	recipient, err := w.resolve(ctx, it)
	if err != nil {
		w.markError(fctx, log, it, retry.SigMissingRecipient, out)
		return
	}
	if strings.TrimSpace(it.Payload.Text) == "" && it.Kind != platform.KindConnect {
		w.markError(fctx, log, it, retry.SigMissingText, out)
		return
	}

	scope := retry.Scope(it.Owner, string(it.Platform))
	if ok, until := w.Tracker.Allow(scope, now); !ok {
		if err := w.Store.Reschedule(fctx, it.ID, until, reasonBackoff); err != nil {
			log.Error("release deferred item failed", logx.Err(err))
			return
		}
		out.Deferred++
		ev := itemEvent(it)
		ev.Reason, ev.Until = reasonBackoff, until
		w.publish(eventbus.TypeItemDeferred, ev)
		return
	}

	if w.Pacer != nil {
		if _, err := w.Pacer.Wait(ctx, it.Payload.Text); err != nil {
			w.release(fctx, log, it)
			return
		}
	}

	timeout := w.DriverTimeout
	if timeout <= 0 {
		timeout = DefaultDriverTimeout
	}
	sctx, scancel := context.WithTimeout(ctx, timeout)
	res, err := w.Driver.Send(sctx, recipient, it.Payload.Text)
	scancel()
	if err == nil && !res.OK {
		err = errors.New("driver reported not ok")
	}

	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			w.release(fctx, log, it)
			return
		}
		w.fail(fctx, log, it, scope, err, out)
		return
	}
	w.succeed(fctx, log, it, scope, recipient, res, out)
}

func (w *Worker) resolve(ctx context.Context, it queue.Item) (string, error) {
	r := w.Resolver
	if r == nil {
		r = ItemResolver{}
	}
	ref, err := r.Resolve(ctx, it)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(ref) == "" {
		return "", ErrUnresolved
	}
	return ref, nil
}

func (w *Worker) markError(ctx context.Context, log logx.Logger, it queue.Item, reason string, out *WorkerOutcome) {
	if err := w.Store.MarkError(ctx, it.ID, reason, w.clock()); err != nil {
		log.Error("mark error failed", logx.String("reason", reason), logx.Err(err))
		return
	}
	out.Errored++
	log.Warn("item marked error", logx.String("reason", reason))
	ev := itemEvent(it)
	ev.Reason = reason
	w.publish(eventbus.TypeItemErrored, ev)
}

// release hands a claimed item back untouched, for shutdown mid-item.
func (w *Worker) release(ctx context.Context, log logx.Logger, it queue.Item) {
	if err := w.Store.Reschedule(ctx, it.ID, it.ScheduledAt, reasonCancelled); err != nil {
		log.Error("release on cancel failed", logx.Err(err))
	}
}

func (w *Worker) fail(ctx context.Context, log logx.Logger, it queue.Item, scope string, err error, out *WorkerOutcome) {
	class, sig := retry.Classify(err)
	if class == retry.MissingData {
		w.markError(ctx, log, it, sig, out)
		return
	}

	now := w.clock()
	st := w.Tracker.Failure(scope, sig, now)
	log.Warn("send failed",
		logx.String("class", class.String()),
		logx.String("signature", sig),
		logx.Int("failures", st.Failures),
		logx.Int("item_failures", it.Failures+1),
		logx.Time("next_eligible", st.NextEligibleAt),
		logx.Err(err),
	)

	if class == retry.Serious {
		if _, aerr := w.Alerter.Alert(ctx, retry.Alert{
			Signature: sig,
			Owner:     it.Owner,
			Platform:  string(it.Platform),
			ItemID:    it.ID,
			Failures:  st.Failures,
			Err:       err,
		}, now); aerr != nil {
			log.Warn("ops alert failed", logx.Err(aerr))
		}
	}

	// The scope's count paces the owner; only the item's own failures end it.
	if it.Failures+1 >= w.Tracker.Config().MaxFailures {
		w.markError(ctx, log, it, sig, out)
		return
	}
	if rerr := w.Store.MarkFailed(ctx, it.ID, st.NextEligibleAt, sig); rerr != nil {
		log.Error("reschedule failed", logx.Err(rerr))
		return
	}
	out.Failed++
	ev := itemEvent(it)
	ev.Reason, ev.Until = sig, st.NextEligibleAt
	w.publish(eventbus.TypeItemFailed, ev)
}

func (w *Worker) succeed(ctx context.Context, log logx.Logger, it queue.Item, scope, recipient string, res driver.Outcome, out *WorkerOutcome) {
	at := res.At
	if at.IsZero() {
		at = w.clock()
	}
	w.Tracker.Success(scope)

	if err := w.Store.MarkSent(ctx, it.ID, at); err != nil {
		// The send happened; the claim stays until stale-claim recovery.
		log.Error("mark sent failed", logx.Err(err))
		return
	}
	if err := w.Store.AppendSentLog(ctx, queue.SentLogEntry{
		QueueItemID: it.ID,
		Platform:    it.Platform,
		Kind:        it.Kind,
		Owner:       it.Owner,
		At:          at,
	}); err != nil {
		log.Error("append sent log failed", logx.Err(err))
	}
	out.Sent++

	if w.Outbound != nil && it.Kind == platform.KindMessage {
		if _, err := w.Outbound.RecordOutbound(ctx, conversation.Outbound{
			Contact:  recipient,
			Platform: it.Platform,
			Owner:    it.Owner,
			Text:     it.Payload.Text,
			At:       at,
		}); err != nil {
			log.Warn("record outbound failed", logx.Err(err))
		}
	}

	log.Info("item sent", logx.String("outcome_id", res.OutcomeID))
	ev := itemEvent(it)
	ev.OutcomeID = res.OutcomeID
	w.publish(eventbus.TypeItemSent, ev)
}
