package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: GroupRemoved, Data: int64(7)})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, GroupRemoved, e.Type)
		assert.Equal(t, int64(7), e.Data)
		assert.False(t, e.Time.IsZero())
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	unsub()
	unsub()

	var got []string
	for e := range ch {
		got = append(got, e.Type)
	}
	require.Equal(t, []string{"a"}, got)

	// publishing after unsubscribe must not panic
	b.Publish(Event{Type: "c"})
}
