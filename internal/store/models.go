package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Project struct {
	ID          string
	Name        string
	Description string
	ColumnOrder []string
	CreatedBy   string
	CreatedAt   time.Time
}

type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      string // 'owner' or 'member'
	Position  int
	JoinedAt  time.Time
}

// Column carries the authoritative display order of its tasks.
type Column struct {
	ID        string
	ProjectID string
	Title     string
	TaskIDs   []string
	CreatedAt time.Time
}

type Task struct {
	ID          string
	ProjectID   string
	ColumnID    string
	Title       string
	Description string
	Priority    string
	AssigneeID  *string
	DueDate     *time.Time
	Position    int
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskPatch names the scalar fields of one task to overwrite. Nil fields are
// left as the store has them.
type TaskPatch struct {
	ID           string
	Title        *string
	Description  *string
	Priority     *string
	AssigneeID   *string
	DueDate      *time.Time
	ClearDueDate bool
}

type Subtask struct {
	ID        string
	TaskID    string
	Title     string
	Completed bool
	CreatedBy string
	CreatedAt time.Time
}

type Comment struct {
	ID        string
	TaskID    string
	Text      string
	AuthorID  string
	CreatedAt time.Time
}

type HistoryEntry struct {
	ID          string
	TaskID      string
	ActorID     string
	Description string
	CreatedAt   time.Time
}

type Tag struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// TaskTag is one row of the task_tags association joined with the tag name.
type TaskTag struct {
	TaskID string
	TagID  string
	Name   string
}

type ChatMessage struct {
	ID        string
	ProjectID string
	AuthorID  string
	Text      string
	CreatedAt time.Time
}

type Link struct {
	ID        string
	ProjectID string
	Title     string
	URL       string
	CreatedBy string
	CreatedAt time.Time
}

type Invite struct {
	ID         string
	ProjectID  string
	Email      string
	TokenHash  string
	InvitedBy  string
	ExpiresAt  time.Time
	AcceptedAt *time.Time
	CreatedAt  time.Time
}

// TaskSnapshot is the authoritative pre-mutation state of a task, read
// before a mutation is applied.
type TaskSnapshot struct {
	Task     Task
	Tags     []string
	Subtasks []Subtask
}

// RelationFailure records a relation that could not be loaded for a
// snapshot. The rest of the snapshot is still usable.
type RelationFailure struct {
	Relation string
	Err      error
}

// Snapshot is the normalized row set visible to one user.
type Snapshot struct {
	UserID   string
	Users    []User
	Projects []Project
	Members  []ProjectMember
	Columns  []Column
	Tasks    []Task
	Subtasks []Subtask
	Comments []Comment
	History  []HistoryEntry
	TaskTags []TaskTag
	Chats    []ChatMessage
	Links    []Link
	Failures []RelationFailure
}

const (
	RelationUsers    = "users"
	RelationMembers  = "project_members"
	RelationColumns  = "columns"
	RelationTasks    = "tasks"
	RelationSubtasks = "subtasks"
	RelationComments = "comments"
	RelationHistory  = "task_history"
	RelationTags     = "task_tags"
	RelationChats    = "project_chats"
	RelationLinks    = "project_links"

	RelationColumnOrder = "column_order"
	RelationTaskOrder   = "task_order"
)
