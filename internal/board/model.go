// Package board holds the nested, denormalized board graph a connected user
// works against, and the routines that build and repair it from normalized
// rows.
package board

import (
	"sort"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

// ParsePriority accepts the canonical names only. Unknown values report false.
func ParsePriority(value string) (Priority, bool) {
	switch Priority(value) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(value), true
	default:
		return "", false
	}
}

// NoColumn is the title used when a column id cannot be resolved.
const NoColumn = "No Column"

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Subtask struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryEntry is append-only. Nothing in the graph mutates one after creation.
type HistoryEntry struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"taskId"`
	ActorID     string    `json:"actorId"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Task struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	ColumnID    string         `json:"columnId"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority"`
	AssigneeID  string         `json:"assigneeId,omitempty"`
	DueDate     *time.Time     `json:"dueDate,omitempty"`
	CreatedBy   string         `json:"createdBy"`
	CreatedAt   time.Time      `json:"createdAt"`
	Tags        []string       `json:"tags"`
	Subtasks    []Subtask      `json:"subtasks"`
	Comments    []Comment      `json:"comments"`
	History     []HistoryEntry `json:"history"`
	Position    int            `json:"position"`
}

// Clone returns a deep copy; slices and the due date are not shared.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.DueDate != nil {
		due := *t.DueDate
		out.DueDate = &due
	}
	out.Tags = append([]string{}, t.Tags...)
	out.Subtasks = append([]Subtask{}, t.Subtasks...)
	out.Comments = append([]Comment{}, t.Comments...)
	out.History = append([]HistoryEntry{}, t.History...)
	return &out
}

type Column struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"projectId"`
	Title     string   `json:"title"`
	TaskIDs   []string `json:"taskIds"`
}

func (c *Column) Clone() *Column {
	if c == nil {
		return nil
	}
	out := *c
	out.TaskIDs = append([]string{}, c.TaskIDs...)
	return &out
}

type Board struct {
	Columns     map[string]*Column `json:"columns"`
	Tasks       map[string]*Task   `json:"tasks"`
	ColumnOrder []string           `json:"columnOrder"`
}

func NewBoard() *Board {
	return &Board{
		Columns:     make(map[string]*Column),
		Tasks:       make(map[string]*Task),
		ColumnOrder: []string{},
	}
}

type ChatMessage struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	AuthorID  string    `json:"authorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type Link struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	MemberIDs   []string      `json:"memberIds"`
	Board       *Board        `json:"board"`
	Chat        []ChatMessage `json:"chat"`
	Links       []Link        `json:"links"`
	CreatedBy   string        `json:"createdBy"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Graph is everything one user can see: their projects and the users
// referenced by them.
type Graph struct {
	Users        map[string]User     `json:"users"`
	Projects     map[string]*Project `json:"projects"`
	ProjectOrder []string            `json:"projectOrder"`
}

func NewGraph() *Graph {
	return &Graph{
		Users:        make(map[string]User),
		Projects:     make(map[string]*Project),
		ProjectOrder: []string{},
	}
}

// Task finds a task across all projects.
func (g *Graph) Task(taskID string) (*Task, *Project, bool) {
	for _, project := range g.Projects {
		if project.Board == nil {
			continue
		}
		if task, ok := project.Board.Tasks[taskID]; ok {
			return task, project, true
		}
	}
	return nil, nil, false
}

func (g *Graph) Column(columnID string) (*Column, *Project, bool) {
	for _, project := range g.Projects {
		if project.Board == nil {
			continue
		}
		if column, ok := project.Board.Columns[columnID]; ok {
			return column, project, true
		}
	}
	return nil, nil, false
}

// ColumnTitle resolves a column title, falling back to NoColumn.
func (g *Graph) ColumnTitle(columnID string) string {
	column, _, ok := g.Column(columnID)
	if !ok || column.Title == "" {
		return NoColumn
	}
	return column.Title
}

// UserName resolves a display name, falling back to the raw id.
func (g *Graph) UserName(userID string) string {
	if user, ok := g.Users[userID]; ok && user.Name != "" {
		return user.Name
	}
	return userID
}

func (g *Graph) AddProject(project *Project) {
	if _, exists := g.Projects[project.ID]; !exists {
		g.ProjectOrder = append(g.ProjectOrder, project.ID)
	}
	g.Projects[project.ID] = project
}

func sortComments(items []Comment) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func sortHistory(items []HistoryEntry) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

func sortChat(items []ChatMessage) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
