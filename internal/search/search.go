package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTask    ResultType = "task"
	ResultProject ResultType = "project"
	ResultUser    ResultType = "user"
)

// ParseResultType accepts the wire names above and the empty string.
func ParseResultType(value string) (ResultType, bool) {
	switch ResultType(value) {
	case "", ResultTask, ResultProject, ResultUser:
		return ResultType(value), true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId,omitempty"`
}

// Query describes a search request. ProjectIDs scopes every result type to
// the projects the caller can see; an empty scope matches nothing.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	ProjectIDs []string
	Limit      int
	Offset     int
}

// IDs groups result ids by type, in rank order.
type IDs struct {
	Projects []string `json:"projects"`
	Tasks    []string `json:"tasks"`
	Users    []string `json:"users"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	IDs     IDs      `json:"ids"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index can push entities into a search index.
type Index interface {
	IndexTasks(tasks []TaskRecord) error
	DeleteTask(id string) error
	IndexProjects(projects []ProjectRecord) error
	IndexUsers(users []UserRecord) error
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ProjectID   string   `json:"projectId"`
	ColumnID    string   `json:"columnId"`
	Priority    string   `json:"priority"`
	AssigneeID  string   `json:"assigneeId"`
	Tags        []string `json:"tags"`
}

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// UserRecord is the data we index for a user. ProjectIDs lists the
// projects the user is a member of and scopes user hits.
type UserRecord struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Email      string   `json:"email"`
	ProjectIDs []string `json:"projectIds"`
}

func groupIDs(results []Result) IDs {
	ids := IDs{Projects: []string{}, Tasks: []string{}, Users: []string{}}
	for _, r := range results {
		switch r.Type {
		case ResultProject:
			ids.Projects = append(ids.Projects, r.ID)
		case ResultTask:
			ids.Tasks = append(ids.Tasks, r.ID)
		case ResultUser:
			ids.Users = append(ids.Users, r.ID)
		}
	}
	return ids
}
