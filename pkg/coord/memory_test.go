package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, ConnectKey("m1"), "host-a", 0))

	value, ok, err := store.Get(ctx, ConnectKey("m1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "host-a", value)

	_, ok, err = store.Get(ctx, ConnectKey("m2"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, SeqKey("s1"), "host-a", 20*time.Millisecond))

	_, ok, err := store.Get(ctx, SeqKey("s1"))
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, ok, err = store.Get(ctx, SeqKey("s1"))
	require.NoError(t, err)
	assert.False(t, ok, "key should expire after TTL")
}

func TestMemoryStoreRefresh(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, ConnectKey("m1"), "host-a", 30*time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	ok, err := store.Refresh(ctx, ConnectKey("m1"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok, err = store.Get(ctx, ConnectKey("m1"))
	require.NoError(t, err)
	assert.True(t, ok, "refreshed key should survive the original TTL")

	// Refresh of a missing key reports gone
	ok, err = store.Refresh(ctx, ConnectKey("m9"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStorePubSub(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, DeviceChannel("m1"), BusChannel)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, DeviceChannel("m1"), []byte("hello")))
	require.NoError(t, store.Publish(ctx, DeviceChannel("m2"), []byte("other")))
	require.NoError(t, store.Publish(ctx, BusChannel, []byte("broadcast")))

	var got []Message
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case msg := <-sub.Messages():
			got = append(got, msg)
		case <-timeout:
			t.Fatal("timed out waiting for messages")
		}
	}

	assert.Equal(t, DeviceChannel("m1"), got[0].Channel)
	assert.Equal(t, "hello", string(got[0].Payload))
	assert.Equal(t, BusChannel, got[1].Channel)
}

func TestMemoryStoreUnsubscribe(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, BusChannel)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// Publishing after close must not panic or block
	require.NoError(t, store.Publish(ctx, BusChannel, []byte("late")))

	_, open := <-sub.Messages()
	assert.False(t, open, "channel should be closed after unsubscribe")
}
