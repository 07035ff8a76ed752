package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)
	defer s.Stop()

	var n atomic.Int32
	task, err := s.Every(time.Second, func() { n.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	for i := int32(1); i <= 3; i++ {
		mock.Add(time.Second)
		require.Eventually(t, func() bool { return n.Load() == i }, time.Second, 5*time.Millisecond)
	}

	task.Stop()
	task.Stop()
	assert.Equal(t, 0, s.Len())

	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), n.Load())
}

func TestEvery_InvalidPeriod(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	_, err := s.Every(0, func() {})
	assert.Error(t, err)
}

func TestPanicDoesNotStopTask(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)
	defer s.Stop()

	var n atomic.Int32
	_, err := s.Every(time.Second, func() {
		n.Add(1)
		panic("tick failed")
	})
	require.NoError(t, err)

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStop(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	_, err := s.Every(time.Second, func() {})
	require.NoError(t, err)
	_, err = s.Every(time.Second, func() {})
	require.NoError(t, err)

	s.Stop()
	s.Stop()
	assert.True(t, s.IsStopped())
	assert.Equal(t, 0, s.Len())

	_, err = s.Every(time.Second, func() {})
	assert.ErrorIs(t, err, ErrStopped)
}
