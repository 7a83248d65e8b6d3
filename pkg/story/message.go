package story

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role tags a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. It always serializes with "role"; on read
// the "type" discriminator ("human"/"ai") is accepted as well.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON normalizes role/type variants at the ingestion boundary.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string `json:"role"`
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	tag := raw.Role
	if tag == "" {
		tag = raw.Type
	}
	switch strings.ToLower(tag) {
	case "user", "human":
		m.Role = RoleUser
	case "assistant", "ai":
		m.Role = RoleAssistant
	default:
		return fmt.Errorf("unknown message role %q", tag)
	}
	m.Content = raw.Content
	return nil
}

// UserMessage builds a user transcript entry.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant transcript entry.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Checkpoint is one immutable snapshot of a thread after a completed turn.
type Checkpoint struct {
	ThreadID  string       `json:"thread_id"`
	Sequence  int64        `json:"sequence"`
	World     WorldState   `json:"world_state"`
	Progress  TurnProgress `json:"story_progress"`
	Messages  []Message    `json:"messages"`
	CreatedAt time.Time    `json:"created_at"`
}

// State returns the reducer view of the checkpoint.
func (c *Checkpoint) State() TurnState {
	return TurnState{World: c.World.Clone(), Progress: c.Progress}
}
