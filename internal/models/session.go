package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Known reports whether r is a valid role.
func (r Role) Known() bool {
	return r == RoleUser || r == RoleAssistant
}

// UnmarshalJSON rejects roles outside the closed set.
func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	role := Role(raw)
	if !role.Known() {
		return fmt.Errorf("unknown role %q", raw)
	}
	*r = role
	return nil
}

// Message is a single turn in a solver conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	OutputDir string    `json:"output_dir,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenStats aggregates token usage for a session.
type TokenStats struct {
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	Tokens       int     `json:"tokens"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// titleLimit is the maximum rune length of an auto-generated title.
const titleLimit = 100

// ConversationSession is a complete solver conversation. It is owned by
// the session cache and mutated only through its API.
type ConversationSession struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	KnowledgeBase string     `json:"knowledge_base"`
	Messages      []Message  `json:"messages"`
	TokenStats    TokenStats `json:"token_stats"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	IsActive      bool       `json:"is_active"`
}

// NewConversationSession creates an empty active session for the given
// knowledge base.
func NewConversationSession(knowledgeBase string) *ConversationSession {
	now := time.Now()
	return &ConversationSession{
		ID:            uuid.New().String(),
		KnowledgeBase: knowledgeBase,
		CreatedAt:     now,
		UpdatedAt:     now,
		IsActive:      true,
	}
}

// AddMessage appends a message with a local timestamp. The session title
// is auto-generated from the first user message, truncated to 100 runes.
func (s *ConversationSession) AddMessage(role Role, content, outputDir string) Message {
	msg := Message{
		Role:      role,
		Content:   content,
		OutputDir: outputDir,
		Timestamp: time.Now(),
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = msg.Timestamp

	if s.Title == "" && role == RoleUser && content != "" {
		s.Title = truncateTitle(content)
	}
	return msg
}

// UpdateTokenStats replaces the session's token statistics.
func (s *ConversationSession) UpdateTokenStats(stats TokenStats) {
	s.TokenStats = stats
	s.UpdatedAt = time.Now()
}

func truncateTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleLimit {
		return content
	}
	return string(runes[:titleLimit]) + "..."
}
