package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndStampsEvents(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeItemSent, Data: "x"})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, TypeItemSent, e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Time.IsZero())
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Equal(t, uint64(1), Dropped(b))

	e := <-ch
	assert.Equal(t, "a", e.Type)

	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok, "channel closed after unsubscribe")
	b.Publish(Event{Type: "c"})
}

func TestNopBus(t *testing.T) {
	t.Parallel()

	b := Nop()
	b.Publish(Event{Type: "x"})
	ch, unsub := b.Subscribe(1)
	defer unsub()
	_, ok := <-ch
	assert.False(t, ok)
}
