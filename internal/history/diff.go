// Package history derives human-readable audit entries from field-level
// differences between two versions of a task.
package history

import (
	"fmt"
	"time"

	"taskboard/api/internal/board"
)

// DueDateLayout formats due dates in history descriptions.
const DueDateLayout = "Jan 2, 2006"

// Resolver turns ids into display names. *board.Graph satisfies it.
type Resolver interface {
	ColumnTitle(columnID string) string
	UserName(userID string) string
}

// Diff compares title, description, priority, assignee, due date and column,
// in that order, and emits at most one entry per changed field. Subtasks,
// comments and tags never produce entries. Entries carry no id; the caller
// assigns ids when it records them. Neither task is modified.
func Diff(old, next board.Task, actorID string, names Resolver, now time.Time) []board.HistoryEntry {
	descriptions := make([]string, 0, 6)

	if old.Title != next.Title {
		descriptions = append(descriptions, fmt.Sprintf("changed the title to \"%s\"", next.Title))
	}
	if old.Description != next.Description {
		descriptions = append(descriptions, "updated the description")
	}
	if old.Priority != next.Priority {
		descriptions = append(descriptions, fmt.Sprintf("set the priority to %s", next.Priority))
	}
	if old.AssigneeID != next.AssigneeID {
		if next.AssigneeID == "" {
			descriptions = append(descriptions, "unassigned this task")
		} else {
			descriptions = append(descriptions, fmt.Sprintf("assigned this task to %s", names.UserName(next.AssigneeID)))
		}
	}
	if !sameDate(old.DueDate, next.DueDate) {
		if next.DueDate == nil {
			descriptions = append(descriptions, "removed the due date")
		} else {
			descriptions = append(descriptions, fmt.Sprintf("set the due date to %s", next.DueDate.Format(DueDateLayout)))
		}
	}
	if old.ColumnID != next.ColumnID {
		descriptions = append(descriptions, fmt.Sprintf("moved this task from '%s' to '%s'",
			columnTitle(names, old.ColumnID), columnTitle(names, next.ColumnID)))
	}

	entries := make([]board.HistoryEntry, 0, len(descriptions))
	for _, description := range descriptions {
		entries = append(entries, board.HistoryEntry{
			TaskID:      next.ID,
			ActorID:     actorID,
			Description: description,
			CreatedAt:   now,
		})
	}
	return entries
}

func columnTitle(names Resolver, columnID string) string {
	if columnID == "" {
		return board.NoColumn
	}
	title := names.ColumnTitle(columnID)
	if title == "" {
		return board.NoColumn
	}
	return title
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
