package lifecycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycode/relayd/internal/backend"
	"github.com/relaycode/relayd/internal/eventlog"
	"github.com/relaycode/relayd/internal/historystore"
	"github.com/relaycode/relayd/internal/session"
)

func testSetup(t *testing.T) (*session.Manager, *Manager, *eventlog.EventLog) {
	t.Helper()
	dir := t.TempDir()

	log, err := eventlog.Open(filepath.Join(dir, "events.db"), 64)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	store, err := historystore.Open(filepath.Join(dir, "history.db"), filepath.Join(dir, "search.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sm := session.NewManager(log, store, func(sessionID string) (backend.Backend, error) {
		return backend.NewMockBackend(nil), nil
	})
	return sm, New(sm, log), log
}

func TestOwnerDisconnectTransfersToEarliestSubscriber(t *testing.T) {
	sm, lm, log := testSetup(t)
	id, err := sm.Create(context.Background(), "s1", "owner")
	require.NoError(t, err)
	require.NoError(t, sm.AddSubscriber(id, "watcher"))

	ch, cancel := log.Subscribe(context.Background(), id)
	defer cancel()

	lm.HandleClientDisconnect(context.Background(), "owner")

	require.ElementsMatch(t, []string{id}, sm.SessionsOwnedBy("watcher"))
	require.Empty(t, sm.SessionsOwnedBy("owner"))

	delivery := <-ch
	require.NotNil(t, delivery.Event)
	require.Equal(t, "watcher", delivery.Event.OwnershipTransferred.NewOwnerID)
}

func TestLastSubscriberDisconnectRemovesSessionButKeepsHistory(t *testing.T) {
	sm, lm, _ := testSetup(t)
	id, err := sm.Create(context.Background(), "s1", "owner")
	require.NoError(t, err)

	lm.HandleClientDisconnect(context.Background(), "owner")

	require.Empty(t, sm.List())

	persisted, err := sm.GetHistoricalSession(id)
	require.NoError(t, err)
	require.Equal(t, id, persisted.ID)
}

func TestNonOwnerDisconnectDoesNotTransferOwnership(t *testing.T) {
	sm, lm, _ := testSetup(t)
	id, err := sm.Create(context.Background(), "s1", "owner")
	require.NoError(t, err)
	require.NoError(t, sm.AddSubscriber(id, "watcher"))

	lm.HandleClientDisconnect(context.Background(), "watcher")

	require.ElementsMatch(t, []string{id}, sm.SessionsOwnedBy("owner"))
	require.Empty(t, sm.SessionsSubscribedBy("watcher"))
}
