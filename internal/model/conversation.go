// Package model defines the data types that flow through the export
// pipeline: extracted conversations, the resumable checkpoint, validation
// results, and the provenance manifest.
package model

import "time"

// APIUsage holds the token accounting reported by the serving API for a
// single model call.
type APIUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// LLMCall is one model invocation inside a turn. Older query revisions put
// token counts at the top level; newer ones nest them under actual_API.
// Both shapes appear in live telemetry, so both are kept.
type LLMCall struct {
	Model            string    `json:"model,omitempty"`
	PromptTokens     int       `json:"promptTokens,omitempty"`
	CompletionTokens int       `json:"completionTokens,omitempty"`
	ActualAPI        *APIUsage `json:"actual_API,omitempty"`
}

// EffectivePromptTokens returns the prompt token count, preferring the
// nested actual_API accounting when present.
func (c LLMCall) EffectivePromptTokens() int {
	if c.ActualAPI != nil {
		return c.ActualAPI.PromptTokens
	}
	return c.PromptTokens
}

// EffectiveCompletionTokens returns the completion token count, preferring
// the nested actual_API accounting when present.
func (c LLMCall) EffectiveCompletionTokens() int {
	if c.ActualAPI != nil {
		return c.ActualAPI.CompletionTokens
	}
	return c.CompletionTokens
}

// Turn is one user/assistant exchange in a conversation. TurnIndex is
// 1-based and must be sequential for a complete conversation.
type Turn struct {
	TurnIndex    int       `json:"turnIndex"`
	MessageID    string    `json:"messageId"`
	UserMessage  string    `json:"userMessage"`
	ModelMessage string    `json:"modelMessage"`
	LLMCalls     []LLMCall `json:"llmCalls"`
}

// Conversation is one extracted record. Identity is ConversationID and
// never changes after extraction; Split is annotated by the pipeline from
// the conversation id hash.
type Conversation struct {
	ConversationID string `json:"conversationId"`
	UserName       string `json:"userName"`
	Bucket         string `json:"bucket"`
	Split          string `json:"split,omitempty"`
	Turns          []Turn `json:"turnsArray"`

	// Conversation-level token totals. The _actual pair is the newer
	// query output; the bare pair is kept for older snapshots.
	TotalPromptTokens           int `json:"totalPromptTokens,omitempty"`
	TotalCompletionTokens       int `json:"totalCompletionTokens,omitempty"`
	TotalPromptTokensActual     int `json:"totalPromptTokens_actual,omitempty"`
	TotalCompletionTokensActual int `json:"totalCompletionTokens_actual,omitempty"`
}

// PromptTokenTotal returns the conversation-level prompt token total,
// preferring the _actual field when set.
func (c Conversation) PromptTokenTotal() int {
	if c.TotalPromptTokensActual > 0 {
		return c.TotalPromptTokensActual
	}
	return c.TotalPromptTokens
}

// CompletionTokenTotal returns the conversation-level completion token
// total, preferring the _actual field when set.
func (c Conversation) CompletionTokenTotal() int {
	if c.TotalCompletionTokensActual > 0 {
		return c.TotalCompletionTokensActual
	}
	return c.TotalCompletionTokens
}

// Checkpoint is the durable progress marker for a chunked extraction run.
// It is written after every successfully completed chunk and deleted only
// when the whole pipeline (extract, validate, sample, write) succeeds.
type Checkpoint struct {
	LastCompletedChunk  int            `json:"last_completed_chunk"`
	TotalRecords        int            `json:"total_records"`
	SeenConversationIDs []string       `json:"seen_conversation_ids"`
	Results             []Conversation `json:"results"`
	Timestamp           time.Time      `json:"timestamp"`
}
