package historystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "history.db"), filepath.Join(dir, "search.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveGetSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	sess := Session{ID: "s1", Name: "first", State: StateIdle, CreatedAt: 100, LastAccessedAt: 100}
	require.NoError(t, s.SaveSession(sess))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, sess, got)

	updated := got
	updated.State = StateProcessing
	require.NoError(t, s.UpdateSession(updated))

	got2, err := s.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, StateProcessing, got2.State)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(Session{ID: "s1", State: StateIdle}))
	_, err := s.SaveMessage(Message{SessionID: "s1", Role: RoleUser, Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession("s1"))
	require.NoError(t, s.DeleteSession("s1"))

	_, err = s.GetSession("s1")
	require.ErrorIs(t, err, ErrNotFound)
	msgs, total, err := s.GetMessages("s1", 50, 0, "")
	require.NoError(t, err)
	require.Equal(t, 0, total)
	require.Empty(t, msgs)
}

func TestSaveMessageBumpsSessionCounters(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(Session{ID: "s1", State: StateIdle}))

	id1, err := s.SaveMessage(Message{SessionID: "s1", Role: RoleUser, Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, int64(1), id1)

	id2, err := s.SaveMessage(Message{SessionID: "s1", Role: RoleAssistant, Content: "hi there"})
	require.NoError(t, err)
	require.Equal(t, int64(2), id2)

	sess, err := s.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, 2, sess.MessageCount)
}

func TestGetMessagesOrderedAndFiltered(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(Session{ID: "s1", State: StateIdle}))
	_, _ = s.SaveMessage(Message{SessionID: "s1", Role: RoleUser, Content: "hello"})
	_, _ = s.SaveMessage(Message{SessionID: "s1", Role: RoleAssistant, Content: "hi there"})
	_, _ = s.SaveMessage(Message{SessionID: "s1", Role: RoleToolUse, Content: "{}", ToolName: "bash", InvocationID: "inv-1"})
	_, _ = s.SaveMessage(Message{SessionID: "s1", Role: RoleToolResult, Content: "ok", InvocationID: "inv-1"})

	msgs, total, err := s.GetMessages("s1", 50, 0, "")
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Equal(t, []Role{RoleUser, RoleAssistant, RoleToolUse, RoleToolResult}, []Role{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role})

	onlyAssistant, total, err := s.GetMessages("s1", 50, 0, RoleAssistant)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, onlyAssistant, 1)
}

func TestGetMessagesLimitClampedToFloorOne(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(Session{ID: "s1", State: StateIdle}))
	for i := 0; i < 3; i++ {
		_, _ = s.SaveMessage(Message{SessionID: "s1", Role: RoleUser, Content: "x"})
	}
	msgs, _, err := s.GetMessages("s1", 0, 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestGetMessagesLimitClampedToMax(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(Session{ID: "s1", State: StateIdle}))
	for i := 0; i < 3; i++ {
		_, _ = s.SaveMessage(Message{SessionID: "s1", Role: RoleUser, Content: "x"})
	}
	msgs, _, err := s.GetMessages("s1", 1000000, 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestUpdateSessionStatsIsAdditive(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(Session{ID: "s1", State: StateIdle}))
	require.NoError(t, s.UpdateSessionStats("s1", 4, 3))
	require.NoError(t, s.UpdateSessionStats("s1", 1, 1))

	sess, err := s.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, 5, sess.TotalInputTokens)
	require.Equal(t, 4, sess.TotalOutputTokens)
}

func TestListSessionsFullTextSearch(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(Session{ID: "x", Name: "x", State: StateIdle, CreatedAt: 1}))
	require.NoError(t, s.SaveSession(Session{ID: "y", Name: "y", State: StateIdle, CreatedAt: 2}))
	_, err := s.SaveMessage(Message{SessionID: "x", Role: RoleUser, Content: "How do I use memory safely?"})
	require.NoError(t, err)
	_, err = s.SaveMessage(Message{SessionID: "y", Role: RoleUser, Content: "Hello world"})
	require.NoError(t, err)

	results, total, _, _, err := s.ListSessions(Query{Search: "memory"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "x", results[0].ID)

	results, total, _, _, err = s.ListSessions(Query{Search: "memory", ToolUsed: "ReadFile"})
	require.NoError(t, err)
	require.Equal(t, 0, total)
	require.Empty(t, results)
}

func TestListSessionsLimitClamping(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveSession(Session{ID: string(rune('a' + i)), State: StateIdle, CreatedAt: int64(i)}))
	}

	_, _, limit, _, err := s.ListSessions(Query{Limit: 0})
	require.NoError(t, err)
	require.Equal(t, 1, limit)

	_, _, limit, _, err = s.ListSessions(Query{Limit: 1000000})
	require.NoError(t, err)
	require.Equal(t, MaxSessionsLimit, limit)
}

func TestListSessionsSortByCreatedAtDesc(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(Session{ID: "a", State: StateIdle, CreatedAt: 1}))
	require.NoError(t, s.SaveSession(Session{ID: "b", State: StateIdle, CreatedAt: 2}))
	require.NoError(t, s.SaveSession(Session{ID: "c", State: StateIdle, CreatedAt: 3}))

	results, _, _, _, err := s.ListSessions(Query{Sort: SortCreatedAt, Order: OrderDesc})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, []string{results[0].ID, results[1].ID, results[2].ID})
}

func TestListSessionsToolUsedFilter(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(Session{ID: "x", State: StateIdle}))
	_, err := s.SaveMessage(Message{SessionID: "x", Role: RoleToolUse, Content: "{}", ToolName: "Bash", InvocationID: "i1"})
	require.NoError(t, err)

	results, total, _, _, err := s.ListSessions(Query{ToolUsed: "Bash"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "x", results[0].ID)
}

func TestListSessionsPreviewTruncated(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(Session{ID: "x", State: StateIdle}))
	long := ""
	for i := 0; i < 200; i++ {
		long += "a"
	}
	_, err := s.SaveMessage(Message{SessionID: "x", Role: RoleUser, Content: long})
	require.NoError(t, err)

	results, _, _, _, err := s.ListSessions(Query{})
	require.NoError(t, err)
	require.LessOrEqual(t, len(results[0].Preview), 100)
}
