package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus[int]()
	defer bus.Close()

	var mu sync.Mutex
	var got []int
	bus.Subscribe(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		bus.Publish(i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, time.Second, 5*time.Millisecond)

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus[string]()

	var mu sync.Mutex
	var first, second []string
	unsubscribe := bus.Subscribe(func(v string) {
		mu.Lock()
		first = append(first, v)
		mu.Unlock()
	})
	bus.Subscribe(func(v string) {
		mu.Lock()
		second = append(second, v)
		mu.Unlock()
	})

	bus.Publish("a")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 1 && len(second) == 1
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	bus.Publish("b")
	bus.Close()

	assert.Equal(t, []string{"a"}, first)
	assert.Equal(t, []string{"a", "b"}, second)
}

func TestBusHandlerMayPublish(t *testing.T) {
	bus := NewBus[int]()

	var mu sync.Mutex
	var got []int
	bus.Subscribe(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		if v < 3 {
			bus.Publish(v + 1)
		}
	})
	bus.Publish(0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, 5*time.Millisecond)
	bus.Close()

	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestBusCloseDrainsAndDropsLater(t *testing.T) {
	bus := NewBus[int]()

	var count int
	bus.Subscribe(func(int) { count++ })
	bus.Publish(1)
	bus.Publish(2)
	bus.Close()
	assert.Equal(t, 2, count)

	bus.Publish(3)
	bus.Close()
	assert.Equal(t, 2, count)
}
