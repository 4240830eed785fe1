// Package realtime fans board events out over Redis pub/sub, tracks who is
// connected, and applies inbound events to a workspace graph.
package realtime

import (
	"strconv"
	"time"

	"taskboard/api/internal/board"
)

type EventType string

const (
	EventChat         EventType = "chat"
	EventLink         EventType = "link"
	EventTaskUpsert   EventType = "task.upsert"
	EventTaskDelete   EventType = "task.delete"
	EventColumnUpsert EventType = "column.upsert"
	EventColumnDelete EventType = "column.delete"
	EventColumnOrder  EventType = "column.order"
	EventPresence     EventType = "presence"
)

// Event is the payload carried on every topic. Which of the optional fields
// is set depends on Type.
type Event struct {
	Type        EventType          `json:"type"`
	ProjectID   string             `json:"projectId,omitempty"`
	EntityID    string             `json:"entityId"`
	ActorID     string             `json:"actorId,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Task        *board.Task        `json:"task,omitempty"`
	Column      *board.Column      `json:"column,omitempty"`
	ColumnOrder []string           `json:"columnOrder,omitempty"`
	Chat        *board.ChatMessage `json:"chat,omitempty"`
	Link        *board.Link        `json:"link,omitempty"`
	Online      []string           `json:"online,omitempty"`
}

// DedupeKey identifies a delivery: the same entity at the same instant is
// the same event.
func (e Event) DedupeKey() string {
	return e.EntityID + ":" + strconv.FormatInt(e.Timestamp.UnixNano(), 10)
}

const PresenceTopic = "presence"

func ProjectTopic(projectID string) string {
	return "project:" + projectID
}
