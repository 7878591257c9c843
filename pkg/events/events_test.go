package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{
		Type:      EventTunnelPending,
		Org:       "org-1",
		TunnelNum: 4,
		Message:   "interface lost its address",
	})

	select {
	case event := <-sub:
		assert.Equal(t, EventTunnelPending, event.Type)
		assert.Equal(t, 4, event.TunnelNum)
		assert.False(t, event.Timestamp.IsZero(), "timestamp should be stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}
