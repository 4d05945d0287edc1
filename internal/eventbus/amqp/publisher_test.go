package amqp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/eventbus"
	logx "outreach/pkg/logx"
)

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakeChannel struct {
	mu     sync.Mutex
	out    []published
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

func TestPublishEncodesEnvelope(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	p := newPublisher(Config{RoutingKey: "outreach."}, ch, logx.Nop())

	require.NoError(t, p.Publish(context.Background(), eventbus.Event{Type: eventbus.TypeItemSent, Data: map[string]string{"id": "q1"}}))
	require.Len(t, ch.out, 1)

	got := ch.out[0]
	assert.Equal(t, "outreach.events", got.exchange)
	assert.Equal(t, "outreach.dispatch.sent", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.NotEmpty(t, got.msg.MessageId)

	var e eventbus.Event
	require.NoError(t, json.Unmarshal(got.msg.Body, &e))
	assert.Equal(t, got.msg.MessageId, e.ID)
	assert.Equal(t, eventbus.TypeItemSent, e.Type)
}

func TestForwardStopsOnCancel(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	p := newPublisher(Config{}, ch, logx.Nop())
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Forward(ctx, bus, 4) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeTickCompleted})
		return ch.count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
	assert.Equal(t, eventbus.TypeTickCompleted, ch.out[0].key)
}
