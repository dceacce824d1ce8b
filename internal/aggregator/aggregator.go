// Package aggregator collapses the fine-grained backend event stream into
// durable messages on turn boundaries, one state machine per session.
package aggregator

import (
	"fmt"
	"time"

	"github.com/relaycode/relayd/internal/historystore"
	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/wire"
)

// invocation tracks one open tool call awaiting its result.
type invocation struct {
	name      string
	input     string
	startedAt time.Time
}

// Aggregator is single-threaded within a session: callers must not invoke
// Handle concurrently for the same instance.
type Aggregator struct {
	sessionID   string
	store       *historystore.Store
	currentText string
	open        map[string]*invocation
}

// New returns an aggregator for sessionID that flushes persisted messages
// through store.
func New(sessionID string, store *historystore.Store) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		store:     store,
		open:      make(map[string]*invocation),
	}
}

// Handle applies one backend event to the state machine, flushing any
// messages it produces to the History Store in emission order.
func (a *Aggregator) Handle(ev wire.Event) error {
	switch ev.Kind {
	case wire.EventTextDelta:
		a.currentText += ev.TextDelta.Text
		return nil

	case wire.EventToolUseStart:
		a.open[ev.ToolUseStart.InvocationID] = &invocation{
			name:      ev.ToolUseStart.ToolName,
			startedAt: time.Now(),
		}
		return nil

	case wire.EventToolInputDelta:
		inv, ok := a.open[ev.ToolInputDelta.InvocationID]
		if !ok {
			logging.Logger.Warn().
				Str("session_id", a.sessionID).
				Str("invocation_id", ev.ToolInputDelta.InvocationID).
				Msg("tool-input delta for unopened invocation, dropped")
			return nil
		}
		inv.input += ev.ToolInputDelta.PartialJSON
		return nil

	case wire.EventToolResult:
		return a.handleToolResult(ev)

	case wire.EventTurnComplete:
		return a.handleTurnComplete(ev)

	case wire.EventUserInput:
		return a.handleUserInput(ev)

	default:
		return nil
	}
}

func (a *Aggregator) handleToolResult(ev wire.Event) error {
	invID := ev.ToolResult.InvocationID
	inv, ok := a.open[invID]
	if !ok {
		logging.Logger.Warn().
			Str("session_id", a.sessionID).
			Str("invocation_id", invID).
			Msg("tool-result with no prior tool-use start, dropped")
		return nil
	}
	delete(a.open, invID)

	if _, err := a.store.SaveMessage(historystore.Message{
		SessionID:    a.sessionID,
		Role:         historystore.RoleToolUse,
		Content:      inv.input,
		ToolName:     inv.name,
		InvocationID: invID,
	}); err != nil {
		return fmt.Errorf("aggregator: save tool-use message: %w", err)
	}

	if _, err := a.store.SaveMessage(historystore.Message{
		SessionID:    a.sessionID,
		Role:         historystore.RoleToolResult,
		Content:      resultContent(ev.ToolResult.Output, ev.ToolResult.Error),
		ToolName:     inv.name,
		InvocationID: invID,
	}); err != nil {
		return fmt.Errorf("aggregator: save tool-result message: %w", err)
	}
	return nil
}

func resultContent(output string, isErr bool) string {
	if isErr {
		return "[error] " + output
	}
	return output
}

func (a *Aggregator) handleTurnComplete(ev wire.Event) error {
	if a.currentText != "" {
		text := a.currentText
		a.currentText = ""
		if _, err := a.store.SaveMessage(historystore.Message{
			SessionID: a.sessionID,
			Role:      historystore.RoleAssistant,
			Content:   text,
		}); err != nil {
			return fmt.Errorf("aggregator: save assistant message: %w", err)
		}
	}

	if ev.TurnComplete != nil {
		if err := a.store.UpdateSessionStats(a.sessionID, ev.TurnComplete.InputTokens, ev.TurnComplete.OutputTokens); err != nil {
			return fmt.Errorf("aggregator: update session stats: %w", err)
		}
	}
	return nil
}

func (a *Aggregator) handleUserInput(ev wire.Event) error {
	if _, err := a.store.SaveMessage(historystore.Message{
		SessionID: a.sessionID,
		Role:      historystore.RoleUser,
		Content:   ev.UserInput.Content,
	}); err != nil {
		return fmt.Errorf("aggregator: save user message: %w", err)
	}
	return nil
}

// Abandon discards any tool invocation left open when a session is
// removed; its partial input is never persisted.
func (a *Aggregator) Abandon() {
	for id := range a.open {
		delete(a.open, id)
	}
}
