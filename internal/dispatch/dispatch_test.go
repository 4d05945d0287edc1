package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"outreach/internal/allocator"
	"outreach/internal/conversation"
	"outreach/internal/driver"
	"outreach/internal/eventbus"
	"outreach/internal/platform"
	"outreach/internal/queue"
	"outreach/internal/retry"
	"outreach/internal/window"
	logx "outreach/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Monday, inside the default 09:00-17:00 window.
var monday = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recNotifier) Notify(_ context.Context, subject, _ string, _ retry.Meta) error {
	r.mu.Lock()
	r.subjects = append(r.subjects, subject)
	r.mu.Unlock()
	return nil
}

func (r *recNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}

type analyticsFunc func(ctx context.Context, since time.Time, loc *time.Location) (conversation.Analytics, error)

func (f analyticsFunc) Analytics(ctx context.Context, since time.Time, loc *time.Location) (conversation.Analytics, error) {
	return f(ctx, since, loc)
}

type harness struct {
	store    *queue.MemoryStore
	drv      *driver.DryRun
	tracker  *retry.Tracker
	notifier *recNotifier
	machine  *conversation.Machine
	bus      eventbus.Bus
	clock    *fixedClock
	engine   *Engine
}

func settings(perTick, dailyCap int) allocator.Settings {
	return allocator.Settings{
		Order: []platform.Platform{platform.Professional},
		Mix:   map[platform.Platform]float64{platform.Professional: 1},
		Caps: map[platform.Platform]allocator.Caps{
			platform.Professional: {DailyMessages: 100, WeeklyMessages: 500, WeeklyConnects: 100},
		},
		DailyCap:    dailyCap,
		PerTick:     perTick,
		TicksPerDay: 20,
		BoostStep:   1,
	}
}

func newHarness(t *testing.T, s allocator.Settings, retryCfg retry.Config) *harness {
	t.Helper()
	h := &harness{
		store:    queue.NewMemoryStore(),
		drv:      driver.NewDryRun(platform.Professional, logx.Nop()),
		tracker:  retry.NewTracker(retryCfg),
		notifier: &recNotifier{},
		machine:  conversation.NewMachine(conversation.NewMemoryStore(), logx.Nop()),
		bus:      eventbus.New(),
		clock:    &fixedClock{t: monday},
	}
	require.NoError(t, h.drv.Init(context.Background()))
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(h.drv))

	eng, err := NewEngine(Config{Allocator: s, Window: window.Default()}, Deps{
		Store:     h.store,
		Drivers:   reg,
		Tracker:   h.tracker,
		Alerter:   retry.NewAlerter(h.notifier, 0),
		Outbound:  h.machine,
		Analytics: h.machine,
		Bus:       h.bus,
		Log:       logx.Nop(),
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)
	h.engine = eng
	return h
}

func (h *harness) enqueue(t *testing.T, it queue.Item) queue.Item {
	t.Helper()
	if it.Platform == "" {
		it.Platform = platform.Professional
	}
	if it.ScheduledAt.IsZero() {
		it.ScheduledAt = monday.Add(-time.Hour)
	}
	out, err := h.store.Enqueue(context.Background(), it)
	require.NoError(t, err)
	return out
}

func (h *harness) worker() *Worker {
	return h.engine.worker(h.engine.Config(), platform.Professional, h.drv)
}

func TestTickClaimsNoMoreThanQuota(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(3, 100), retry.Config{})
	for i := 0; i < 5; i++ {
		h.enqueue(t, queue.Item{Recipient: fmt.Sprintf("lead-%d", i), Payload: queue.Payload{Text: "hi there"}})
	}

	out, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, out.Allocation.Quota)
	w := out.Workers[platform.Professional]
	assert.Equal(t, 3, w.Attempted)
	assert.Equal(t, 3, w.Sent)
	assert.Len(t, h.drv.Sent(), 3)

	stats, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats[queue.StatusSent])
	assert.Equal(t, 2, stats[queue.StatusReady])

	n, err := h.store.CountSentSince(context.Background(), platform.Professional, "", monday.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, ok, err := h.machine.Thread(context.Background(), "lead-0", platform.Professional)
	require.NoError(t, err)
	assert.True(t, ok, "outbound message recorded on the thread")
}

func TestTickRespectsDailyUsage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(5, 4), retry.Config{})
	for i := 0; i < 3; i++ {
		require.NoError(t, h.store.AppendSentLog(context.Background(), queue.SentLogEntry{
			QueueItemID: fmt.Sprintf("old-%d", i),
			Platform:    platform.Professional,
			Kind:        platform.KindMessage,
			At:          monday.Add(-30 * time.Minute),
		}))
	}
	for i := 0; i < 5; i++ {
		h.enqueue(t, queue.Item{Recipient: fmt.Sprintf("lead-%d", i), Payload: queue.Payload{Text: "hello"}})
	}

	out, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Allocation.Quota)
	assert.Equal(t, 3, out.Snapshot.SentToday)
	assert.Equal(t, 1, out.Workers[platform.Professional].Sent)
}

func TestTickGatedOutsideWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(3, 100), retry.Config{})
	h.enqueue(t, queue.Item{Recipient: "lead", Payload: queue.Payload{Text: "hello"}})
	h.clock.Set(time.Date(2024, 6, 8, 11, 0, 0, 0, time.UTC)) // Saturday

	out, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Gated)
	assert.Empty(t, h.drv.Sent())
}

func TestTickSkipsWhenAnalyticsFail(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(3, 100), retry.Config{})
	h.engine.deps.Analytics = analyticsFunc(func(context.Context, time.Time, *time.Location) (conversation.Analytics, error) {
		return conversation.Analytics{}, errors.New("history unavailable")
	})
	h.enqueue(t, queue.Item{Recipient: "lead", Payload: queue.Payload{Text: "hello"}})

	_, err := h.engine.Tick(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.drv.Sent())
}

func TestTickPublishesCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(2, 100), retry.Config{})
	ch, unsub := h.bus.Subscribe(32)
	defer unsub()
	h.enqueue(t, queue.Item{Recipient: "lead", Payload: queue.Payload{Text: "hello"}})

	_, err := h.engine.Tick(context.Background())
	require.NoError(t, err)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Contains(t, types, eventbus.TypeItemSent)
	assert.Equal(t, eventbus.TypeTickCompleted, types[len(types)-1])
}

func TestWorkerMissingData(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(5, 100), retry.Config{})
	noRecipient := h.enqueue(t, queue.Item{Payload: queue.Payload{Text: "hello"}})
	noText := h.enqueue(t, queue.Item{Recipient: "lead-a"})
	connect := h.enqueue(t, queue.Item{Recipient: "lead-b", Kind: platform.KindConnect})

	out := h.worker().Run(context.Background(), 5, monday)
	assert.Equal(t, 3, out.Attempted)
	assert.Equal(t, 2, out.Errored)
	assert.Equal(t, 1, out.Sent)

	ctx := context.Background()
	got, err := h.store.Get(ctx, noRecipient.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusError, got.Status)
	assert.Equal(t, retry.SigMissingRecipient, got.Error)

	got, err = h.store.Get(ctx, noText.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusError, got.Status)
	assert.Equal(t, retry.SigMissingText, got.Error)

	got, err = h.store.Get(ctx, connect.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSent, got.Status)
	assert.Empty(t, h.tracker.Snapshot(), "missing data never enters backoff")
}

func TestWorkerDefersWhileBackingOff(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(5, 100), retry.Config{Base: time.Minute})
	it := h.enqueue(t, queue.Item{Recipient: "lead", Owner: "ana", Payload: queue.Payload{Text: "hello"}})
	st := h.tracker.Failure(retry.Scope("ana", string(platform.Professional)), retry.SigTimeout, monday)

	out := h.worker().Run(context.Background(), 5, monday)
	assert.Equal(t, 1, out.Attempted)
	assert.Equal(t, 1, out.Deferred)
	assert.Empty(t, h.drv.Sent())

	got, err := h.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusReady, got.Status)
	assert.True(t, got.ScheduledAt.Equal(st.NextEligibleAt))
	assert.Equal(t, reasonBackoff, got.Error)
}

func TestWorkerSeriousFailureAlertsThenErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(5, 100), retry.Config{Base: time.Minute, MaxFailures: 2})
	it := h.enqueue(t, queue.Item{Recipient: "lead", Owner: "ana", Payload: queue.Payload{Text: "hello"}})
	authErr := driver.NewError(retry.SigAuthInvalid, nil)
	h.drv.FailNext(authErr, authErr)

	out := h.worker().Run(context.Background(), 1, monday)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 1, h.notifier.count())

	got, err := h.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusReady, got.Status)
	assert.Equal(t, monday.Add(time.Minute), got.ScheduledAt)
	assert.Equal(t, retry.SigAuthInvalid, got.Error)

	later := monday.Add(2 * time.Minute)
	h.clock.Set(later)
	out = h.worker().Run(context.Background(), 1, later)
	assert.Equal(t, 1, out.Errored)
	assert.Equal(t, 1, h.notifier.count(), "second alert inside the throttle window is suppressed")

	got, err = h.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusError, got.Status)
	assert.Equal(t, retry.SigAuthInvalid, got.Error)
}

func TestWorkerScopeFailuresDoNotEndFreshItems(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(5, 100), retry.Config{Base: time.Minute, MaxFailures: 3})
	scope := retry.Scope("ana", string(platform.Professional))
	for i := 0; i < 3; i++ {
		h.tracker.Failure(scope, retry.SigTimeout, monday)
	}

	a := h.enqueue(t, queue.Item{Recipient: "lead-a", Owner: "ana", Payload: queue.Payload{Text: "hello"}})
	b := h.enqueue(t, queue.Item{Recipient: "lead-b", Owner: "ana", Payload: queue.Payload{Text: "hello"}})
	h.drv.FailNext(driver.NewError(retry.SigTimeout, nil))

	later := monday.Add(10 * time.Minute)
	h.clock.Set(later)
	out := h.worker().Run(context.Background(), 5, later)
	assert.Equal(t, 2, out.Attempted)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 1, out.Deferred, "the other item waits out the owner's backoff")
	assert.Zero(t, out.Errored)

	failures := 0
	for _, id := range []string{a.ID, b.ID} {
		got, err := h.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusReady, got.Status)
		failures += got.Failures
	}
	assert.Equal(t, 1, failures, "one failed send, charged to one item")
}

func TestWorkerTransientFailureThenSuccessResets(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(5, 100), retry.Config{Base: time.Minute})
	it := h.enqueue(t, queue.Item{Recipient: "lead", Owner: "ana", Payload: queue.Payload{Text: "hello"}})
	h.drv.FailNext(driver.NewError(retry.SigRateLimited, nil))

	out := h.worker().Run(context.Background(), 1, monday)
	assert.Equal(t, 1, out.Failed)
	assert.Zero(t, h.notifier.count())

	later := monday.Add(time.Minute)
	h.clock.Set(later)
	out = h.worker().Run(context.Background(), 1, later)
	assert.Equal(t, 1, out.Sent)

	got, err := h.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSent, got.Status)
	assert.Empty(t, h.tracker.Snapshot())
}

func TestRecoverReleasesStaleClaims(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(5, 100), retry.Config{})
	it := h.enqueue(t, queue.Item{Recipient: "lead", Payload: queue.Payload{Text: "hello"}})
	ok, err := h.store.Claim(context.Background(), it.ID, monday.Add(-20*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.engine.Recover(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusReady, got.Status)
}

func TestPollAdvancesConversations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settings(5, 100), retry.Config{})
	ch, unsub := h.bus.Subscribe(8)
	defer unsub()
	h.drv.Inject(
		driver.Inbound{Contact: "lead-1", Text: "who is this?", At: monday},
		driver.Inbound{Contact: " ", Text: "ghost"},
	)

	out, err := h.engine.Poll(context.Background(), platform.Professional, h.machine)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Received)
	assert.Equal(t, 1, out.Transitions)
	assert.Equal(t, 1, out.Failed)

	ev := <-ch
	require.Equal(t, eventbus.TypeTransition, ev.Type)
	tr, ok := ev.Data.(TransitionEvent)
	require.True(t, ok)
	assert.Equal(t, conversation.StateIntro, tr.From)
	assert.Equal(t, conversation.StateProbe1, tr.To)
	assert.True(t, tr.Created)

	_, err = h.engine.Poll(context.Background(), platform.Photo, h.machine)
	assert.ErrorIs(t, err, driver.ErrUnknownPlatform)
}

func TestBounds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		now  time.Time
		days int
		week time.Time
	}{
		{monday, 1, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 6, 6, 23, 59, 0, 0, time.UTC), 4, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 6, 9, 8, 0, 0, 0, time.UTC), 7, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		day, week, days := Bounds(tt.now, time.UTC)
		assert.Equal(t, tt.days, days, tt.now)
		assert.Equal(t, tt.week, week, tt.now)
		assert.Equal(t, tt.now.Day(), day.Day())
	}
}

func TestResolvers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, err := ItemResolver{}.Resolve(ctx, queue.Item{Payload: queue.Payload{Meta: map[string]string{"handle": "@lead"}}})
	require.NoError(t, err)
	assert.Equal(t, "@lead", r)

	_, err = ItemResolver{}.Resolve(ctx, queue.Item{})
	assert.ErrorIs(t, err, ErrUnresolved)

	a := AliasResolver{Aliases: map[string]string{"lead": "12345", "gone": ""}}
	r, err = a.Resolve(ctx, queue.Item{Recipient: "lead"})
	require.NoError(t, err)
	assert.Equal(t, "12345", r)
	_, err = a.Resolve(ctx, queue.Item{Recipient: "gone"})
	assert.ErrorIs(t, err, ErrUnresolved)
}
