// Package ai is the boundary to the external generator service. Every field
// it returns is untrusted: responses are decoded strictly into one variant of
// Response and validated before anything reaches a mutation.
package ai

import "errors"

type Kind string

const (
	KindSubtaskList  Kind = "subtask-list"
	KindSingleTask   Kind = "single-task"
	KindLinkList     Kind = "link-list"
	KindSearchResult Kind = "search-result"
	KindVoiceCommand Kind = "voice-command"
	KindBulkTaskList Kind = "bulk-task-list"
	KindBulkBugList  Kind = "bulk-bug-list"
)

// ParseKind accepts the wire names above.
func ParseKind(value string) (Kind, bool) {
	switch Kind(value) {
	case KindSubtaskList, KindSingleTask, KindLinkList, KindSearchResult,
		KindVoiceCommand, KindBulkTaskList, KindBulkBugList:
		return Kind(value), true
	default:
		return "", false
	}
}

// IsProposal reports whether responses of this kind can be applied to a board.
func (k Kind) IsProposal() bool {
	switch k {
	case KindSubtaskList, KindSingleTask, KindLinkList, KindBulkTaskList, KindBulkBugList:
		return true
	default:
		return false
	}
}

// ErrInvalidResponse marks a response that does not match its kind's schema.
var ErrInvalidResponse = errors.New("invalid ai response")

type Request struct {
	Kind    Kind   `json:"kind"`
	Context string `json:"context"`
}

type TaskProposal struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Subtasks    []string `json:"subtasks,omitempty"`
}

type BugProposal struct {
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	StepsToReproduce []string `json:"stepsToReproduce,omitempty"`
}

type LinkProposal struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type SearchResult struct {
	Projects []string `json:"projects"`
	Tasks    []string `json:"tasks"`
	Users    []string `json:"users"`
}

type Action string

const (
	ActionCreateTask  Action = "create_task"
	ActionMoveTask    Action = "move_task"
	ActionSetPriority Action = "set_priority"
	ActionAddComment  Action = "add_comment"
	ActionOpenProject Action = "open_project"
)

// CommandParams holds the typed parameters of a voice command. Which fields
// are required depends on the action.
type CommandParams struct {
	ProjectID string `json:"projectId,omitempty"`
	ColumnID  string `json:"columnId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Title     string `json:"title,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Text      string `json:"text,omitempty"`
	Index     *int   `json:"index,omitempty"`
}

type Command struct {
	Action Action        `json:"action"`
	Params CommandParams `json:"params"`
}

// Response is a tagged union: Kind names the one populated payload.
type Response struct {
	Kind     Kind           `json:"kind"`
	Subtasks []string       `json:"subtasks,omitempty"`
	Task     *TaskProposal  `json:"task,omitempty"`
	Links    []LinkProposal `json:"links,omitempty"`
	Search   *SearchResult  `json:"search,omitempty"`
	Command  *Command       `json:"command,omitempty"`
	Tasks    []TaskProposal `json:"tasks,omitempty"`
	Bugs     []BugProposal  `json:"bugs,omitempty"`
}
