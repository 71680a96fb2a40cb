// Package chat defines the conversation turns exchanged with clients.
package chat

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Label is the speaker name used when turns are flattened into a prompt.
func (r Role) Label() string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	}
	return string(r)
}

// Message is immutable once created.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, CreatedAt: time.Now()}
}

// Validate checks every turn has a known role.
func Validate(msgs []Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("messages are required")
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
	}
	return nil
}

// Transcript flattens turns into one prompt: "<Label>: <content>" per turn,
// in order, separated by a blank line. Content is passed through as is.
func Transcript(msgs []Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Role.Label() + ": " + m.Content
	}
	return strings.Join(parts, "\n\n")
}
