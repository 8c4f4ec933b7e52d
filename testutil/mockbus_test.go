package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDelivers(t *testing.T) {
	bus := NewMockBus()
	defer bus.Close()

	var got atomic.Int32
	_, err := bus.Subscribe(context.Background(), "askflow.services.wind",
		func(_ context.Context, data []byte) error {
			assert.Equal(t, []byte("q"), data)
			got.Add(1)
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "askflow.services.wind", []byte("q")))
	bus.Flush()
	assert.Equal(t, int32(1), got.Load())
}

func TestWildcardSubscription(t *testing.T) {
	bus := NewMockBus()
	defer bus.Close()

	var got atomic.Int32
	_, err := bus.Subscribe(context.Background(), "askflow.answers.>",
		func(context.Context, []byte) error {
			got.Add(1)
			return nil
		})
	require.NoError(t, err)

	bus.Publish(context.Background(), "askflow.answers.corr-1", []byte("a"))
	bus.Publish(context.Background(), "askflow.services.wind", []byte("q"))
	bus.Flush()
	assert.Equal(t, int32(1), got.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMockBus()
	defer bus.Close()

	var got atomic.Int32
	unsub, err := bus.Subscribe(context.Background(), "s",
		func(context.Context, []byte) error {
			got.Add(1)
			return nil
		})
	require.NoError(t, err)

	unsub()
	bus.Publish(context.Background(), "s", []byte("x"))
	bus.Flush()
	assert.Zero(t, got.Load())
}

func TestDuplicateInjection(t *testing.T) {
	bus := NewMockBus(WithDuplicateEvery(2))
	defer bus.Close()

	var got atomic.Int32
	_, err := bus.Subscribe(context.Background(), "s",
		func(context.Context, []byte) error {
			got.Add(1)
			return nil
		})
	require.NoError(t, err)

	bus.Publish(context.Background(), "s", []byte("1"))
	bus.Publish(context.Background(), "s", []byte("2")) // delivered twice
	bus.Flush()
	assert.Equal(t, int32(3), got.Load())
}

func TestRedeliveryOnHandlerError(t *testing.T) {
	bus := NewMockBus(WithMaxRedeliveries(5))
	defer bus.Close()

	var attempts atomic.Int32
	_, err := bus.Subscribe(context.Background(), "s",
		func(context.Context, []byte) error {
			if attempts.Add(1) < 3 {
				return fmt.Errorf("not ready")
			}
			return nil
		})
	require.NoError(t, err)

	bus.Publish(context.Background(), "s", []byte("x"))
	require.Eventually(t, func() bool { return attempts.Load() == 3 },
		time.Second, 10*time.Millisecond)
}

func TestReorderedPairs(t *testing.T) {
	bus := NewMockBus(WithReorderedPairs())
	defer bus.Close()

	var order []string
	done := make(chan struct{}, 2)
	_, err := bus.Subscribe(context.Background(), "s",
		func(_ context.Context, data []byte) error {
			order = append(order, string(data))
			done <- struct{}{}
			return nil
		})
	require.NoError(t, err)

	bus.Publish(context.Background(), "s", []byte("first"))
	bus.Publish(context.Background(), "s", []byte("second"))

	<-done
	<-done
	// Pair order is swapped but the handler runs serially per pair
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestPublishedAssertions(t *testing.T) {
	bus := NewMockBus()
	defer bus.Close()

	bus.Publish(context.Background(), "a", []byte("1"))
	bus.Publish(context.Background(), "b", []byte("2"))
	bus.Publish(context.Background(), "a", []byte("3"))

	assert.Len(t, bus.Published(), 3)
	assert.Equal(t, []string{"1", "3"}, bus.PublishedTo("a"))
	assert.Empty(t, bus.PublishedTo("c"))
}

func TestSubjectMatches(t *testing.T) {
	assert.True(t, subjectMatches("a.b", "a.b"))
	assert.True(t, subjectMatches("a.>", "a.b.c"))
	assert.False(t, subjectMatches("a.>", "a"))
	assert.False(t, subjectMatches("a.b", "a.c"))
}
