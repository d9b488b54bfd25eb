package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesAllListeners(t *testing.T) {
	s := NewStream[int]()

	var a, b []int
	s.Subscribe(func(v int) { a = append(a, v) })
	s.Subscribe(func(v int) { b = append(b, v) })

	s.Emit(1)
	s.Emit(2)

	assert.Equal(t, []int{1, 2}, a)
	assert.Equal(t, []int{1, 2}, b)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewStream[string]()

	var got []string
	unsubscribe := s.Subscribe(func(v string) { got = append(got, v) })

	s.Emit("first")
	unsubscribe()
	unsubscribe() // twice is harmless
	s.Emit("second")

	assert.Equal(t, []string{"first"}, got)
}

func TestNextMatchesPredicate(t *testing.T) {
	s := NewStream[int]()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	type result struct {
		v   int
		err error
	}
	results := make(chan result, 1)
	go func() {
		v, err := s.Next(ctx, func(v int) bool { return v >= 2 })
		results <- result{v, err}
	}()

	// Give Next a moment to subscribe.
	time.Sleep(10 * time.Millisecond)
	s.Emit(1)
	s.Emit(2)

	r := <-results
	require.NoError(t, r.err)
	assert.Equal(t, 2, r.v)
}

func TestNextTimesOut(t *testing.T) {
	s := NewStream[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Next(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmitRunsListenersInSubscriptionOrder(t *testing.T) {
	s := NewStream[int]()

	var order []string
	for _, name := range []string{"first", "second", "third", "fourth", "fifth"} {
		name := name
		s.Subscribe(func(int) { order = append(order, name) })
	}

	s.Emit(1)
	assert.Equal(t, []string{"first", "second", "third", "fourth", "fifth"}, order)
}
