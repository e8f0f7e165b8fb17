package events

import (
	"testing"
	"time"

	"github.com/cuemby/mapservice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func receive(t *testing.T, mb *Mailbox) *Event {
	t.Helper()
	select {
	case ev := <-mb.C():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for event on %s", mb.ID())
		return nil
	}
}

func assertEmpty(t *testing.T, mb *Mailbox) {
	t.Helper()
	select {
	case ev := <-mb.C():
		t.Fatalf("unexpected event on %s: %v", mb.ID(), ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("map_created")
	require.NoError(t, err)
	assert.Equal(t, KindMapCreated, k)

	for _, name := range []string{"map-private/map_created", "map_created_x", "", "new"} {
		_, err := ParseKind(name)
		assert.Error(t, err, name)
	}
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := newStartedBroker(t)

	ui, err := b.Subscribe(KindNewRequest, "ui")
	require.NoError(t, err)
	shell, err := b.Subscribe(KindNewRequest, "shell")
	require.NoError(t, err)

	n := b.Publish(&Event{Kind: KindNewRequest, Payload: types.Payload{"appid": "app.1"}})
	assert.Equal(t, 2, n)

	for _, mb := range []*Mailbox{ui, shell} {
		ev := receive(t, mb)
		assert.Equal(t, KindNewRequest, ev.Kind)
		assert.Equal(t, "app.1", ev.Payload["appid"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := newStartedBroker(t)

	first, err := b.Subscribe(KindNewRequest, "ui")
	require.NoError(t, err)
	second, err := b.Subscribe(KindNewRequest, "ui")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, b.SubscriberCount(KindNewRequest))

	b.Publish(&Event{Kind: KindNewRequest})
	receive(t, first)
	assertEmpty(t, first)
}

func TestUnsubscribe(t *testing.T) {
	b := newStartedBroker(t)

	mb, err := b.Subscribe(KindNewRequest, "ui")
	require.NoError(t, err)

	b.Unsubscribe(KindNewRequest, "ui")
	b.Unsubscribe(KindNewRequest, "ui")
	b.Unsubscribe(KindMapCreated, "never-subscribed")
	assert.False(t, b.Subscribed(KindNewRequest, "ui"))

	assert.Equal(t, 0, b.Publish(&Event{Kind: KindNewRequest}))
	assertEmpty(t, mb)
}

func TestLateSubscriberGetsNoReplay(t *testing.T) {
	b := newStartedBroker(t)

	early, err := b.Subscribe(KindMapCreated, "early")
	require.NoError(t, err)

	b.Publish(&Event{Kind: KindMapCreated, Payload: types.Payload{"uuid": "abc-123"}})

	late, err := b.Subscribe(KindMapCreated, "late")
	require.NoError(t, err)

	receive(t, early)
	assertEmpty(t, late)
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := newStartedBroker(t)
	assert.Equal(t, 0, b.Publish(&Event{Kind: KindMapCreated}))
}

func TestKindsAreMatchedExactly(t *testing.T) {
	b := newStartedBroker(t)

	mb, err := b.Subscribe(KindMapCreated, "gateway")
	require.NoError(t, err)

	b.Publish(&Event{Kind: KindNewRequest})
	assertEmpty(t, mb)

	_, err = b.Subscribe(Kind("map"), "gateway")
	assert.Error(t, err)
}

func TestSubscriptionOrder(t *testing.T) {
	b := newStartedBroker(t)

	for _, id := range []string{"c", "a", "b"} {
		_, err := b.Subscribe(KindNewRequest, id)
		require.NoError(t, err)
	}
	_, err := b.Subscribe(KindNewRequest, "a")
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a", "b"}, b.Subscribers(KindNewRequest))
}

func TestSendTargetsOneMailbox(t *testing.T) {
	b := newStartedBroker(t)

	app1 := b.Mailbox("app.1")
	app2 := b.Mailbox("app.2")

	ok := b.Send("app.1", &Event{Kind: KindMapSurface, Payload: types.Payload{"map_surface": "abc-123"}})
	assert.True(t, ok)

	ev := receive(t, app1)
	assert.Equal(t, "abc-123", ev.Payload["map_surface"])
	assertEmpty(t, app2)
}

func TestCloseRemovesMailbox(t *testing.T) {
	b := newStartedBroker(t)

	mb, err := b.Subscribe(KindNewRequest, "ui")
	require.NoError(t, err)

	b.Close("ui")
	assert.Equal(t, 0, b.SubscriberCount(KindNewRequest))

	_, open := <-mb.C()
	assert.False(t, open)

	fresh := b.Mailbox("ui")
	assert.NotSame(t, mb, fresh)
	b.Close("unknown")
}

func TestReleaseKeepsSubscribedMailboxes(t *testing.T) {
	b := newStartedBroker(t)

	mb, err := b.Subscribe(KindNewRequest, "ui")
	require.NoError(t, err)
	b.Mailbox("gateway")
	assert.Equal(t, []string{"gateway", "ui"}, b.Sessions())

	assert.False(t, b.Release("ui"), "still subscribed")
	assert.True(t, b.Release("gateway"))
	assert.Equal(t, []string{"ui"}, b.Sessions())

	b.Unsubscribe(KindNewRequest, "ui")
	assert.True(t, b.Release("ui"))
	assert.Empty(t, b.Sessions())

	_, open := <-mb.C()
	assert.False(t, open)
	assert.False(t, b.Release("ui"))
}

func TestStoppedBrokerDropsPublish(t *testing.T) {
	b := NewBroker()
	_, err := b.Subscribe(KindNewRequest, "ui")
	require.NoError(t, err)

	b.Stop()
	b.Stop()

	for i := 0; i < eventBufferSize+1; i++ {
		b.Publish(&Event{Kind: KindNewRequest})
	}
}
