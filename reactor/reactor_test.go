package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func start(t *testing.T) *Loop {
	t.Helper()
	l := New()
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(l.Stop)
	return l
}

func TestPostOrder(t *testing.T) {
	l := start(t)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.True(t, l.Call(func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestAfterFunc(t *testing.T) {
	l := start(t)

	fired := make(chan struct{})
	l.Call(func() {
		l.AfterFunc(10*time.Millisecond, func() { close(fired) })
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerStop(t *testing.T) {
	l := start(t)

	fired := make(chan struct{}, 1)
	var stopped bool
	l.Call(func() {
		tm := l.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
		stopped = tm.Stop()
	})
	require.True(t, stopped)

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestBackground(t *testing.T) {
	l := start(t)

	result := make(chan string, 1)
	var value string
	l.Call(func() {
		l.Background(func() { value = "work" }, func() { result <- value })
	})

	select {
	case got := <-result:
		assert.Equal(t, "work", got)
	case <-time.After(time.Second):
		t.Fatal("background continuation not run")
	}
}

func TestRunStops(t *testing.T) {
	l := New()
	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()
	l.Stop()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, l.Call(func() {}))
}
