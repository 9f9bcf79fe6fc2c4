// Package conversation owns per-session dialogue: the bounded
// conversation history and the coordinator that drives each user turn
// through streaming, planning, execution and summarization.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/kv"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/llm"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/models"
)

// HistoryManager keeps each session's conversation in the KV store,
// bounded at maxEntries non-system messages. Oversized tool results are
// refused rather than stored.
type HistoryManager struct {
	store         kv.Store
	maxEntries    int
	toolResultCap int
}

func NewHistoryManager(store kv.Store, maxEntries, toolResultCap int) *HistoryManager {
	return &HistoryManager{store: store, maxEntries: maxEntries, toolResultCap: toolResultCap}
}

func historyKey(sessionID string) string { return "history:" + sessionID }

// Get returns the session's history, oldest first.
func (h *HistoryManager) Get(ctx context.Context, sessionID string) ([]models.ConversationMessage, error) {
	var msgs []models.ConversationMessage
	if _, err := kv.GetJSON(ctx, h.store, historyKey(sessionID), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Append adds a message, dropping the oldest non-system entries beyond
// the bound.
func (h *HistoryManager) Append(ctx context.Context, sessionID string, msg models.ConversationMessage) error {
	msgs, err := h.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)
	msgs = h.trim(msgs)
	return kv.SetJSON(ctx, h.store, historyKey(sessionID), msgs, 0)
}

// AppendToolResult adds a tool message carrying a step result. Results
// larger than the cap are not stored; the caller gets false and a
// warning is logged.
func (h *HistoryManager) AppendToolResult(ctx context.Context, sessionID, toolCallID, toolName string, result *models.ToolResult) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal tool result: %w", err)
	}
	if len(payload) > h.toolResultCap {
		slog.Warn("Tool result exceeds history cap, dropping",
			"session_id", sessionID, "tool", toolName, "size", len(payload), "cap", h.toolResultCap)
		return false, nil
	}
	err = h.Append(ctx, sessionID, models.ConversationMessage{
		Role:       models.RoleTool,
		Content:    string(payload),
		ToolCallID: toolCallID,
		ToolName:   toolName,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// trim drops the oldest non-system messages until the non-system count
// fits the bound. System messages are never dropped.
func (h *HistoryManager) trim(msgs []models.ConversationMessage) []models.ConversationMessage {
	nonSystem := 0
	for _, m := range msgs {
		if m.Role != models.RoleSystem {
			nonSystem++
		}
	}
	if nonSystem <= h.maxEntries {
		return msgs
	}

	out := make([]models.ConversationMessage, 0, len(msgs))
	drop := nonSystem - h.maxEntries
	for _, m := range msgs {
		if drop > 0 && m.Role != models.RoleSystem {
			drop--
			continue
		}
		out = append(out, m)
	}
	return out
}

// PrepareForLLM converts history into the request message list: a fresh
// system prompt is prepended, stored system messages are stripped, and
// empty assistant messages (no content, no tool calls) are dropped
// because they break the next completion.
func PrepareForLLM(systemPrompt string, msgs []models.ConversationMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: string(models.RoleSystem), Content: systemPrompt})
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}
		if m.Role == models.RoleAssistant && m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		msg := llm.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCallSpec{
				ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
			})
		}
		out = append(out, msg)
	}
	return out
}
