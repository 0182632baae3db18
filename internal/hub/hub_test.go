package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/observability"
)

// stalledPublisher blocks every publish until release is closed.
type stalledPublisher struct {
	entered chan string
	release chan struct{}
}

func (p *stalledPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	select {
	case p.entered <- routingKey:
	default:
	}
	<-p.release
	return nil
}

func TestHubAddAndRemoveSubscriber(t *testing.T) {
	h := NewHub(4, nil)

	sub := h.Subscribe(MessagesTopic("a_b"), ConnInfo{UserID: "a"})
	require.Equal(t, 1, h.Count(MessagesTopic("a_b")))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Count(MessagesTopic("a_b")))
	_, ok := h.rooms.Load(MessagesTopic("a_b"))
	assert.False(t, ok, "expected room to be removed")
	assert.NoError(t, sub.Err())
}

func TestHubPublishPreservesOrder(t *testing.T) {
	h := NewHub(16, nil)
	first := h.Subscribe("topic", ConnInfo{})
	second := h.Subscribe("topic", ConnInfo{})
	defer first.Close()
	defer second.Close()

	for i := 0; i < 10; i++ {
		require.Equal(t, 2, h.Publish("topic", i))
	}

	for _, sub := range []*Subscription{first, second} {
		for i := 0; i < 10; i++ {
			assert.Equal(t, i, <-sub.Events())
		}
	}
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	h := NewHub(1, nil)
	assert.Equal(t, 0, h.Publish("nobody", "event"))
}

func TestHubDetachesSlowSubscriber(t *testing.T) {
	h := NewHub(2, nil)
	slow := h.Subscribe("topic", ConnInfo{ConnID: "slow"})
	fast := h.Subscribe("topic", ConnInfo{ConnID: "fast"})
	defer fast.Close()

	h.Publish("topic", 1)
	<-fast.Events()
	h.Publish("topic", 2)
	<-fast.Events()
	h.Publish("topic", 3)

	select {
	case <-slow.Done():
	default:
		t.Fatal("expected slow subscriber to be detached")
	}
	assert.ErrorIs(t, slow.Err(), ErrOverflow)
	assert.Equal(t, 1, h.Count("topic"))
	assert.Equal(t, 3, <-fast.Events())
}

func TestHubTopicsAreIndependent(t *testing.T) {
	h := NewHub(4, nil)
	a := h.Subscribe(TypingTopic("x"), ConnInfo{})
	b := h.Subscribe(TypingTopic("y"), ConnInfo{})
	defer a.Close()
	defer b.Close()

	h.Publish(TypingTopic("x"), "only x")

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 0)
}

func TestHubConcurrentSubscribeAndClose(t *testing.T) {
	h := NewHub(8, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			topic := fmt.Sprintf("t%d", i%3)
			sub := h.Subscribe(topic, ConnInfo{})
			h.Publish(topic, i)
			sub.Close()
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, h.Count(fmt.Sprintf("t%d", i)))
	}
}

func TestHubOverflowDoesNotWaitForBroker(t *testing.T) {
	publisher := &stalledPublisher{entered: make(chan string, 1), release: make(chan struct{})}
	observability.SetPublisher(publisher)
	t.Cleanup(func() {
		close(publisher.release)
		observability.SetPublisher(nil)
	})

	h := NewHub(1, nil)
	sub := h.Subscribe(TypingTopic("a_b"), ConnInfo{UserID: "a"})
	h.Publish(TypingTopic("a_b"), 1)

	returned := make(chan int, 1)
	go func() { returned <- h.Publish(TypingTopic("a_b"), 2) }()
	select {
	case delivered := <-returned:
		assert.Zero(t, delivered)
	case <-time.After(time.Second):
		t.Fatal("publish waited for the broker")
	}
	assert.ErrorIs(t, sub.Err(), ErrOverflow)

	select {
	case key := <-publisher.entered:
		assert.Equal(t, "ws_events.typing", key)
	case <-time.After(time.Second):
		t.Fatal("overflow event never reached the broker")
	}
}
