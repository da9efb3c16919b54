package models

import "time"

// MessageKind classifies who or what produced a message.
type MessageKind string

const (
	MessageKindUserText         MessageKind = "user-text"
	MessageKindUserVoice        MessageKind = "user-voice"
	MessageKindSystemResponse   MessageKind = "system-response"
	MessageKindAgentUpdate      MessageKind = "agent-update"
	MessageKindTaskUpdate       MessageKind = "task-update"
	MessageKindApprovalRequest  MessageKind = "approval-request"
	MessageKindApprovalResponse MessageKind = "approval-response"
	MessageKindError            MessageKind = "error"
	MessageKindInfo             MessageKind = "info"
)

// IsValid checks if the message kind is a known value.
func (k MessageKind) IsValid() bool {
	switch k {
	case MessageKindUserText, MessageKindUserVoice, MessageKindSystemResponse,
		MessageKindAgentUpdate, MessageKindTaskUpdate, MessageKindApprovalRequest,
		MessageKindApprovalResponse, MessageKindError, MessageKindInfo:
		return true
	}
	return false
}

// IsUser reports whether the message originates from the user. User messages
// gate session termination through their linked tasks.
func (k MessageKind) IsUser() bool {
	return k == MessageKindUserText || k == MessageKindUserVoice
}

// MessageStatus represents the processing state of a message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
)

// IsValid checks if the message status is a known value.
func (s MessageStatus) IsValid() bool {
	switch s {
	case MessageStatusPending, MessageStatusProcessing,
		MessageStatusCompleted, MessageStatusFailed:
		return true
	}
	return false
}

// messageStatusTransitions lists the allowed next statuses per status.
// Completed is final; failed messages may be reprocessed.
var messageStatusTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusPending:    {MessageStatusProcessing, MessageStatusCompleted, MessageStatusFailed},
	MessageStatusProcessing: {MessageStatusCompleted, MessageStatusFailed},
	MessageStatusFailed:     {MessageStatusProcessing},
}

// CanTransitionTo reports whether moving from s to next is a legal
// message-status transition.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	for _, allowed := range messageStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Message is a first-class conversation entry. Every user message must have
// at least one linked task before it may be marked processing, and may only
// be completed once all its linked tasks are completed.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	ParentID  string        `json:"parent_id,omitempty"`
	// ThreadID is the message's own id when it has no parent.
	ThreadID    string        `json:"thread_id"`
	Author      string        `json:"author"`
	Kind        MessageKind   `json:"kind"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status"`
	LinkedTasks []string      `json:"linked_tasks,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ApprovalDecision is the payload carried in an approval-response message's
// content as JSON.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// CreateMessageRequest contains fields for creating a message.
type CreateMessageRequest struct {
	SessionID   string      `json:"session_id"`
	ParentID    string      `json:"parent_id,omitempty"`
	Author      string      `json:"author"`
	Kind        MessageKind `json:"kind"`
	Content     string      `json:"content"`
	LinkedTasks []string    `json:"linked_tasks,omitempty"`
}

// ConversationState represents the lifecycle state of a conversation thread.
type ConversationState string

const (
	ConversationStateActive    ConversationState = "active"
	ConversationStatePaused    ConversationState = "paused"
	ConversationStateCompleted ConversationState = "completed"
	ConversationStateArchived  ConversationState = "archived"
)

// IsValid checks if the conversation state is a known value.
func (s ConversationState) IsValid() bool {
	switch s {
	case ConversationStateActive, ConversationStatePaused,
		ConversationStateCompleted, ConversationStateArchived:
		return true
	}
	return false
}

// Conversation is a thread view over a session's messages.
type Conversation struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id"`
	MessageIDs []string          `json:"message_ids,omitempty"`
	TaskIDs    []string          `json:"task_ids,omitempty"`
	State      ConversationState `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
