package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycode/relayd/internal/wire"
)

func TestMockBackendReplaysScriptInOrder(t *testing.T) {
	script := []ScriptStep{
		{Event: wire.NewTextDelta("s1", "hello ")},
		{Event: wire.NewTextDelta("s1", "world"), Delay: 5 * time.Millisecond},
		{Event: wire.NewTurnComplete("s1", 3, 7)},
	}
	b := NewMockBackend(script)
	ch, cancel := b.Subscribe(context.Background())
	defer cancel()

	require.NoError(t, b.Send(context.Background(), "hi"))

	var got []wire.Event
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for scripted event")
		}
	}

	require.Equal(t, wire.EventTextDelta, got[0].Kind)
	require.Equal(t, "hello ", got[0].TextDelta.Text)
	require.Equal(t, "world", got[1].TextDelta.Text)
	require.Equal(t, wire.EventTurnComplete, got[2].Kind)
	require.Equal(t, 3, got[2].TurnComplete.InputTokens)
}

func TestMockBackendSendAfterShutdownFails(t *testing.T) {
	b := NewMockBackend(nil)
	require.NoError(t, b.Shutdown(context.Background()))
	require.ErrorIs(t, b.Send(context.Background(), "hi"), ErrShutdown)
}

func TestMockBackendShutdownIsIdempotent(t *testing.T) {
	b := NewMockBackend(nil)
	require.NoError(t, b.Shutdown(context.Background()))
	require.NoError(t, b.Shutdown(context.Background()))
}

func TestMockBackendShutdownClosesSubscriberChannel(t *testing.T) {
	b := NewMockBackend(nil)
	ch, cancel := b.Subscribe(context.Background())
	defer cancel()

	require.NoError(t, b.Shutdown(context.Background()))

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel was not closed")
	}
}

func TestMockBackendResumeHandle(t *testing.T) {
	b := NewMockBackend(nil)
	require.Equal(t, "", b.ResumeHandle())
	b.SetResumeHandle("handle-123")
	require.Equal(t, "handle-123", b.ResumeHandle())
}

func TestMockBackendRespondPermissionIsNoop(t *testing.T) {
	b := NewMockBackend(nil)
	require.NoError(t, b.RespondPermission("anything", true))
}

func TestMockBackendCancelUnsubscribesWithoutAffectingOthers(t *testing.T) {
	b := NewMockBackend([]ScriptStep{{Event: wire.NewTextDelta("s1", "x")}})
	ch1, cancel1 := b.Subscribe(context.Background())
	ch2, cancel2 := b.Subscribe(context.Background())
	defer cancel2()

	cancel1()
	_, ok := <-ch1
	require.False(t, ok)

	require.NoError(t, b.Send(context.Background(), "go"))
	select {
	case ev := <-ch2:
		require.Equal(t, wire.EventTextDelta, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("second subscriber never received the scripted event")
	}
}
