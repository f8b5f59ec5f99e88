package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessengerWaitReturnsImmediatelyIfAlreadyComplete(t *testing.T) {
	m := NewMessenger()

	status, results, err := m.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, [resultSlots]int32{}, results)
}

func TestMessengerCompleteWakesWaiter(t *testing.T) {
	m := NewMessenger()
	m.Begin()

	done := make(chan struct{})
	var gotStatus Status
	var gotResults [resultSlots]int32

	go func() {
		gotStatus, gotResults, _ = m.Wait(context.Background())
		close(done)
	}()

	m.Complete(StatusOK, 7, 99)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait never woke up")
	}

	require.Equal(t, StatusOK, gotStatus)
	require.Equal(t, [resultSlots]int32{7, 99}, gotResults)
}

func TestMessengerWaitRespectsContextCancellation(t *testing.T) {
	m := NewMessenger()
	m.Begin()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := m.Wait(ctx)
	require.Error(t, err)
}

func TestMessengerBeginResetsToPending(t *testing.T) {
	m := NewMessenger()
	m.Complete(StatusError, 1)
	m.Begin()

	// Wait blocks while the call is pending, so only a context deadline
	// brings it back, reporting the pending status.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	status, _, err := m.Wait(ctx)
	require.Error(t, err)
	require.Equal(t, StatusPending, status)
}

func TestMessengerReusableAcrossCalls(t *testing.T) {
	m := NewMessenger()

	m.Begin()
	m.Complete(StatusOK, 1)
	status, results, err := m.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, int32(1), results[0])

	m.Begin()
	m.Complete(StatusNotFound, 2)
	status, results, err = m.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, status)
	require.Equal(t, int32(2), results[0])
}
