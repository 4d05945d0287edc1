package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/config"
	"outreach/internal/platform"
	"outreach/internal/queue"
	logx "outreach/pkg/logx"
)

const testConfig = `
timezone: UTC
workdays: [mon, tue, wed, thu, fri]
work_start: "09:00"
work_end: "17:00"
daily_cap: 50
per_tick: 3
ticks_per_day: 20
boost_step: 1
platform_mix: {linkedin: 100}
caps:
  linkedin: {daily_messages: 100, weekly_messages: 500, weekly_connects: 100}
storage: {driver: memory}
`

var (
	monday   = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	saturday = time.Date(2024, 6, 8, 10, 0, 0, 0, time.UTC)
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outreach.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestApp(t *testing.T, at time.Time) *App {
	t.Helper()
	nop := logx.Nop()
	a, err := New(Options{
		ConfigPath:  writeConfig(t, testConfig),
		Clock:       func() time.Time { return at },
		NoPacing:    true,
		LogOverride: &nop,
	})
	require.NoError(t, err)
	return a
}

func TestRunTickDispatchesWithinQuota(t *testing.T) {
	a := newTestApp(t, monday)
	defer a.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := a.Enqueue(ctx, queue.Item{
			Platform:    platform.Professional,
			Recipient:   "contact-" + string(rune('a'+i)),
			Payload:     queue.Payload{Text: "hello there"},
			ScheduledAt: monday.Add(-time.Hour),
		}, false)
		require.NoError(t, err)
	}

	out, err := a.RunTick(ctx)
	require.NoError(t, err)
	assert.False(t, out.Gated)
	assert.Equal(t, 3, out.Allocation.Quota)
	assert.Equal(t, 3, out.Totals().Sent)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Queue[queue.StatusSent])
	assert.Equal(t, 2, st.Queue[queue.StatusReady])
	assert.True(t, st.WindowOpen)
	require.NotNil(t, st.LastTick)
	assert.Equal(t, []platform.Platform{platform.Professional}, st.Drivers)

	polls, err := a.RunPoll(ctx)
	require.NoError(t, err)
	require.Len(t, polls, 1)
	assert.Zero(t, polls[0].Received)
}

func TestEnqueueHonorsWindow(t *testing.T) {
	a := newTestApp(t, saturday)
	defer a.Close()
	ctx := context.Background()

	it := queue.Item{Platform: platform.Professional, Recipient: "bob", Payload: queue.Payload{Text: "hi"}}
	_, err := a.Enqueue(ctx, it, false)
	require.ErrorIs(t, err, ErrOutsideWindow)

	stored, err := a.Enqueue(ctx, it, true)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)

	out, err := a.RunTick(ctx)
	require.NoError(t, err)
	assert.True(t, out.Gated)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.WindowOpen)
	assert.True(t, st.NextOpen.Equal(time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)), "next open %s", st.NextOpen)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Options{ConfigPath: writeConfig(t, "per_tick: -1\n")})
	require.Error(t, err)

	_, err = New(Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestApplyReloadSwapsEngineConfig(t *testing.T) {
	a := newTestApp(t, monday)
	defer a.Close()

	cfg, err := config.Decode("outreach.yaml", []byte(testConfig+"work_end: \"12:00\"\n"))
	require.Error(t, err, "duplicate keys are rejected")

	cfg, err = config.Decode("outreach.yaml", []byte(`
timezone: UTC
per_tick: 1
platform_mix: {linkedin: 100}
`))
	require.NoError(t, err)
	st, err := cfg.Resolve()
	require.NoError(t, err)

	a.applyReload(context.Background(), a.cfgm.Get(), &config.Loaded{Config: cfg, Settings: st})
	assert.Equal(t, 1, a.engine.Config().Allocator.PerTick)
}

func TestValidateReloadNeedsTokenForTelegram(t *testing.T) {
	a := newTestApp(t, monday)
	defer a.Close()

	cfg := &config.Config{
		Telegram: config.TelegramConfig{Token: "123:abc"},
		Drivers:  map[string]config.DriverConfig{"telegram": {Kind: config.DriverTelegram}},
	}
	st, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Error(t, a.validateReload(context.Background(), &config.Loaded{Config: cfg, Settings: st}))
}

func TestStartStop(t *testing.T) {
	a := newTestApp(t, monday)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))
	select {
	case <-a.Done():
		t.Fatal("app stopped right after start")
	default:
	}

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Jobs, 4)
	require.NotNil(t, st.Supervisor)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	<-a.Done()
	assert.NoError(t, a.Err())
}
