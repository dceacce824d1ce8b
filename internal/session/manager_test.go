package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycode/relayd/internal/backend"
	"github.com/relaycode/relayd/internal/eventlog"
	"github.com/relaycode/relayd/internal/historystore"
	"github.com/relaycode/relayd/internal/wire"
)

func testManager(t *testing.T, script []backend.ScriptStep) *Manager {
	t.Helper()
	dir := t.TempDir()

	log, err := eventlog.Open(filepath.Join(dir, "events.db"), 64)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	store, err := historystore.Open(filepath.Join(dir, "history.db"), filepath.Join(dir, "search.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewManager(log, store, func(sessionID string) (backend.Backend, error) {
		return backend.NewMockBackend(script), nil
	})
}

func TestCreateInsertsIdleSessionOwnedBySoleSubscriber(t *testing.T) {
	m := testManager(t, nil)
	id, err := m.Create(context.Background(), "my session", "client-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	list := m.List()
	require.Len(t, list, 1)
	require.Equal(t, historystore.StateIdle, list[0].State)
	require.Equal(t, "client-1", list[0].OwnerID)
	require.Equal(t, 1, list[0].SubscriberCount)

	persisted, err := m.store.GetSession(id)
	require.NoError(t, err)
	require.Equal(t, "my session", persisted.Name)
}

func TestSendInputAfterRemoveReturnsNotFound(t *testing.T) {
	m := testManager(t, nil)
	id, err := m.Create(context.Background(), "", "client-1")
	require.NoError(t, err)

	require.NoError(t, m.Remove(context.Background(), id, wire.ReasonKilled))

	err = m.SendInput(context.Background(), id, "hi")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSendInputRejectedWhileWaitingPermission(t *testing.T) {
	m := testManager(t, nil)
	id, err := m.Create(context.Background(), "", "client-1")
	require.NoError(t, err)

	_, err = WithSession(m, id, func(s *Session) (struct{}, error) {
		s.State = historystore.StateWaitingPermission
		return struct{}{}, nil
	})
	require.NoError(t, err)

	err = m.SendInput(context.Background(), id, "hi")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSendInputMovesIdleToProcessing(t *testing.T) {
	m := testManager(t, nil)
	id, err := m.Create(context.Background(), "", "client-1")
	require.NoError(t, err)

	require.NoError(t, m.SendInput(context.Background(), id, "hi"))

	state, err := WithSession(m, id, func(s *Session) (historystore.RunState, error) {
		return s.State, nil
	})
	require.NoError(t, err)
	require.Equal(t, historystore.StateProcessing, state)

	msgs, _, err := m.store.GetMessages(id, 50, 0, "")
	require.NoError(t, err)
	require.Equal(t, historystore.RoleUser, msgs[0].Role)
	require.Equal(t, "hi", msgs[0].Content)
}

func TestTurnCompleteReturnsSessionToIdle(t *testing.T) {
	script := []backend.ScriptStep{
		{Event: wire.NewTextDelta("placeholder", "hello")},
		{Event: wire.NewTurnComplete("placeholder", 1, 2)},
	}
	m := testManager(t, script)
	id, err := m.Create(context.Background(), "", "client-1")
	require.NoError(t, err)

	require.NoError(t, m.SendInput(context.Background(), id, "hi"))

	require.Eventually(t, func() bool {
		state, err := WithSession(m, id, func(s *Session) (historystore.RunState, error) {
			return s.State, nil
		})
		return err == nil && state == historystore.StateIdle
	}, time.Second, 10*time.Millisecond)

	msgs, _, err := m.store.GetMessages(id, 50, 0, historystore.RoleAssistant)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Content)

	sess, err := m.store.GetSession(id)
	require.NoError(t, err)
	require.Equal(t, 1, sess.TotalInputTokens)
	require.Equal(t, 2, sess.TotalOutputTokens)
}

func TestRespondPermissionTransitionsOnApproveAndDeny(t *testing.T) {
	m := testManager(t, nil)
	id, err := m.Create(context.Background(), "", "client-1")
	require.NoError(t, err)

	_, err = WithSession(m, id, func(s *Session) (struct{}, error) {
		s.State = historystore.StateWaitingPermission
		return struct{}{}, nil
	})
	require.NoError(t, err)

	require.NoError(t, m.RespondPermission(id, "req-1", true))
	state, err := WithSession(m, id, func(s *Session) (historystore.RunState, error) { return s.State, nil })
	require.NoError(t, err)
	require.Equal(t, historystore.StateProcessing, state)

	_, err = WithSession(m, id, func(s *Session) (struct{}, error) {
		s.State = historystore.StateWaitingPermission
		return struct{}{}, nil
	})
	require.NoError(t, err)

	require.NoError(t, m.RespondPermission(id, "req-2", false))
	state, err = WithSession(m, id, func(s *Session) (historystore.RunState, error) { return s.State, nil })
	require.NoError(t, err)
	require.Equal(t, historystore.StateIdle, state)
}

func TestRespondPermissionRejectedWhenNotWaiting(t *testing.T) {
	m := testManager(t, nil)
	id, err := m.Create(context.Background(), "", "client-1")
	require.NoError(t, err)

	err = m.RespondPermission(id, "req-1", true)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := testManager(t, nil)
	id, err := m.Create(context.Background(), "", "client-1")
	require.NoError(t, err)

	require.NoError(t, m.Remove(context.Background(), id, wire.ReasonSessionFinished))
	require.NoError(t, m.Remove(context.Background(), id, wire.ReasonSessionFinished))

	require.Empty(t, m.List())
}

func TestOwnershipAndSubscriberHelpers(t *testing.T) {
	m := testManager(t, nil)
	id, err := m.Create(context.Background(), "", "owner")
	require.NoError(t, err)

	require.NoError(t, m.AddSubscriber(id, "watcher"))
	require.ElementsMatch(t, []string{id}, m.SessionsOwnedBy("owner"))
	require.ElementsMatch(t, []string{id}, m.SessionsSubscribedBy("watcher"))

	require.NoError(t, m.TransferOwnership(id, "watcher"))
	require.ElementsMatch(t, []string{id}, m.SessionsOwnedBy("watcher"))
	require.Empty(t, m.SessionsOwnedBy("owner"))

	remain, wasOwner, err := m.RemoveSubscriber(id, "owner")
	require.NoError(t, err)
	require.True(t, remain)
	require.False(t, wasOwner)

	remain, wasOwner, err = m.RemoveSubscriber(id, "watcher")
	require.NoError(t, err)
	require.False(t, remain)
	require.True(t, wasOwner)
}

func TestListReturnsWhileSessionProcessing(t *testing.T) {
	m := testManager(t, nil)
	busyID, err := m.Create(context.Background(), "", "c1")
	require.NoError(t, err)

	_, err = WithSession(m, busyID, func(s *Session) (struct{}, error) {
		s.State = historystore.StateProcessing
		return struct{}{}, nil
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.List()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("List blocked while a session was Processing")
	}
}
