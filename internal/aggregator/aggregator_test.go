package aggregator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycode/relayd/internal/historystore"
	"github.com/relaycode/relayd/internal/wire"
)

func openTestStore(t *testing.T) *historystore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := historystore.Open(filepath.Join(dir, "history.db"), filepath.Join(dir, "search.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SaveSession(historystore.Session{ID: "s1", State: historystore.StateIdle}))
	return s
}

func TestUserInputEmitsImmediately(t *testing.T) {
	store := openTestStore(t)
	a := New("s1", store)

	require.NoError(t, a.Handle(wire.NewUserInput("s1", "hello")))

	msgs, total, err := store.GetMessages("s1", 50, 0, "")
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, historystore.RoleUser, msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Content)
}

func TestTextDeltasCollapseIntoOneAssistantMessageOnTurnComplete(t *testing.T) {
	store := openTestStore(t)
	a := New("s1", store)

	require.NoError(t, a.Handle(wire.NewTextDelta("s1", "hello ")))
	require.NoError(t, a.Handle(wire.NewTextDelta("s1", "world")))
	require.NoError(t, a.Handle(wire.NewTurnComplete("s1", 5, 9)))

	msgs, total, err := store.GetMessages("s1", 50, 0, "")
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, historystore.RoleAssistant, msgs[0].Role)
	require.Equal(t, "hello world", msgs[0].Content)

	sess, err := store.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, 5, sess.TotalInputTokens)
	require.Equal(t, 9, sess.TotalOutputTokens)
}

func TestTurnCompleteWithNoTextEmitsNothing(t *testing.T) {
	store := openTestStore(t)
	a := New("s1", store)

	require.NoError(t, a.Handle(wire.NewTurnComplete("s1", 1, 1)))

	_, total, err := store.GetMessages("s1", 50, 0, "")
	require.NoError(t, err)
	require.Equal(t, 0, total)
}

func TestToolUseAndToolResultArePersistedAsAPairSharingInvocationID(t *testing.T) {
	store := openTestStore(t)
	a := New("s1", store)

	require.NoError(t, a.Handle(wire.NewToolUseStart("s1", "inv-1", "bash")))
	require.NoError(t, a.Handle(wire.NewToolInputDelta("s1", "inv-1", `{"cmd":`)))
	require.NoError(t, a.Handle(wire.NewToolInputDelta("s1", "inv-1", `"ls"}`)))
	require.NoError(t, a.Handle(wire.NewToolResult("s1", "inv-1", "file1\nfile2", false)))

	msgs, total, err := store.GetMessages("s1", 50, 0, "")
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, historystore.RoleToolUse, msgs[0].Role)
	require.Equal(t, `{"cmd":"ls"}`, msgs[0].Content)
	require.Equal(t, "bash", msgs[0].ToolName)
	require.Equal(t, "inv-1", msgs[0].InvocationID)
	require.Equal(t, historystore.RoleToolResult, msgs[1].Role)
	require.Equal(t, "file1\nfile2", msgs[1].Content)
	require.Equal(t, "bash", msgs[1].ToolName)
	require.Equal(t, "inv-1", msgs[1].InvocationID)
}

func TestToolResultWithNoPriorStartIsDropped(t *testing.T) {
	store := openTestStore(t)
	a := New("s1", store)

	require.NoError(t, a.Handle(wire.NewToolResult("s1", "ghost", "oops", true)))

	_, total, err := store.GetMessages("s1", 50, 0, "")
	require.NoError(t, err)
	require.Equal(t, 0, total)
}

func TestToolInputDeltaWithNoPriorStartIsDropped(t *testing.T) {
	store := openTestStore(t)
	a := New("s1", store)

	require.NoError(t, a.Handle(wire.NewToolInputDelta("s1", "ghost", "x")))
	require.NoError(t, a.Handle(wire.NewToolResult("s1", "ghost", "y", false)))

	_, total, err := store.GetMessages("s1", 50, 0, "")
	require.NoError(t, err)
	require.Equal(t, 0, total)
}

func TestAbandonDropsUnclosedInvocationWithoutPersisting(t *testing.T) {
	store := openTestStore(t)
	a := New("s1", store)

	require.NoError(t, a.Handle(wire.NewToolUseStart("s1", "inv-1", "bash")))
	require.NoError(t, a.Handle(wire.NewToolInputDelta("s1", "inv-1", "partial")))
	a.Abandon()

	require.NoError(t, a.Handle(wire.NewToolResult("s1", "inv-1", "too late", false)))

	_, total, err := store.GetMessages("s1", 50, 0, "")
	require.NoError(t, err)
	require.Equal(t, 0, total)
}

func TestErrorToolResultMarksContent(t *testing.T) {
	store := openTestStore(t)
	a := New("s1", store)

	require.NoError(t, a.Handle(wire.NewToolUseStart("s1", "inv-1", "bash")))
	require.NoError(t, a.Handle(wire.NewToolResult("s1", "inv-1", "command not found", true)))

	msgs, _, err := store.GetMessages("s1", 50, 0, "")
	require.NoError(t, err)
	require.Contains(t, msgs[1].Content, "command not found")
}
