package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesLatest(t *testing.T) {
	f := New[int]()
	f.Publish(1)
	f.Publish(2)

	sub := f.Subscribe()
	defer sub.Close()

	assert.Equal(t, 2, <-sub.C())
}

func TestPublishReplacesUnread(t *testing.T) {
	f := New[int]()
	sub := f.Subscribe()
	defer sub.Close()

	for i := 1; i <= 10; i++ {
		f.Publish(i)
	}

	assert.Equal(t, 10, <-sub.C())
	select {
	case v := <-sub.C():
		t.Fatalf("unexpected extra value %d", v)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	f := New[string]()
	sub := f.Subscribe()
	require.Equal(t, 1, f.Len())

	sub.Close()
	assert.Equal(t, 0, f.Len())
	_, ok := <-sub.C()
	assert.False(t, ok)

	// closing twice is harmless
	sub.Close()
}

func TestCloseFeed(t *testing.T) {
	f := New[int]()
	sub := f.Subscribe()
	f.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)

	f.Publish(3)
	late := f.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestLatest(t *testing.T) {
	f := New[int]()
	_, ok := f.Latest()
	assert.False(t, ok)

	f.Publish(7)
	v, ok := f.Latest()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}
