package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaiterAwaitRespond(t *testing.T) {
	w := NewWaiter()
	req := Request{ID: "req-1", SessionID: "sess-1", Tool: "bash", Command: "rm -rf /tmp/x"}

	done := make(chan Response, 1)
	go func() {
		resp, err := w.Await(context.Background(), req)
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		return w.Respond(Response{RequestID: "req-1", Approved: true})
	}, time.Second, time.Millisecond)

	resp := <-done
	require.True(t, resp.Approved)
}

func TestWaiterRespondUnknownRequest(t *testing.T) {
	w := NewWaiter()
	require.False(t, w.Respond(Response{RequestID: "nope", Approved: true}))
}

func TestWaiterAwaitContextCancelled(t *testing.T) {
	w := NewWaiter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Await(ctx, Request{ID: "req-2", SessionID: "sess-1", Tool: "edit"})
	require.Error(t, err)
}

func TestWaiterCancel(t *testing.T) {
	w := NewWaiter()
	req := Request{ID: "req-3", SessionID: "sess-1", Tool: "webfetch"}

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Await(context.Background(), req)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		_, ok := w.pending["req-3"]
		w.mu.Unlock()
		return ok
	}, time.Second, time.Millisecond)

	w.Cancel("req-3")
	require.Equal(t, ErrCancelled, <-errCh)
}

func TestRejectedError(t *testing.T) {
	err := &RejectedError{SessionID: "sess-1", RequestID: "req-1", Tool: "bash"}
	require.True(t, IsRejectedError(err))
	require.False(t, IsRejectedError(nil))
	require.Contains(t, err.Error(), "req-1")
}
