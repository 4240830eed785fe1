package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 5000
	MaxItems             = 50
)

var priorities = map[string]struct{}{"Low": {}, "Medium": {}, "High": {}, "Urgent": {}}

type subtaskListWire struct {
	Subtasks []string `json:"subtasks"`
}

type singleTaskWire struct {
	Task *TaskProposal `json:"task"`
}

type linkListWire struct {
	Links []LinkProposal `json:"links"`
}

type bulkTaskWire struct {
	Tasks []TaskProposal `json:"tasks"`
}

type bulkBugWire struct {
	Bugs []BugProposal `json:"bugs"`
}

// Decode parses raw as the schema of kind. Unknown fields, trailing data and
// a payload that fails Validate are all rejected with ErrInvalidResponse.
func Decode(kind Kind, raw []byte) (Response, error) {
	resp := Response{Kind: kind}
	var err error
	switch kind {
	case KindSubtaskList:
		var wire subtaskListWire
		err = decodeStrict(raw, &wire)
		resp.Subtasks = wire.Subtasks
	case KindSingleTask:
		var wire singleTaskWire
		err = decodeStrict(raw, &wire)
		resp.Task = wire.Task
	case KindLinkList:
		var wire linkListWire
		err = decodeStrict(raw, &wire)
		resp.Links = wire.Links
	case KindSearchResult:
		var wire SearchResult
		err = decodeStrict(raw, &wire)
		resp.Search = &wire
	case KindVoiceCommand:
		var wire Command
		err = decodeStrict(raw, &wire)
		resp.Command = &wire
	case KindBulkTaskList:
		var wire bulkTaskWire
		err = decodeStrict(raw, &wire)
		resp.Tasks = wire.Tasks
	case KindBulkBugList:
		var wire bulkBugWire
		err = decodeStrict(raw, &wire)
		resp.Bugs = wire.Bugs
	default:
		return Response{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidResponse, kind)
	}
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s: %v", ErrInvalidResponse, kind, err)
	}
	if err := Validate(resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func decodeStrict(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// Validate checks that exactly the payload named by resp.Kind is present and
// well formed.
func Validate(resp Response) error {
	populated := 0
	for _, set := range []bool{
		resp.Subtasks != nil, resp.Task != nil, resp.Links != nil, resp.Search != nil,
		resp.Command != nil, resp.Tasks != nil, resp.Bugs != nil,
	} {
		if set {
			populated++
		}
	}
	if populated != 1 {
		return invalid(resp.Kind, "expected exactly one payload, got %d", populated)
	}

	switch resp.Kind {
	case KindSubtaskList:
		if err := checkCount(resp.Kind, "subtasks", len(resp.Subtasks)); err != nil {
			return err
		}
		for i, title := range resp.Subtasks {
			if err := checkTitle(resp.Kind, fmt.Sprintf("subtasks[%d]", i), title); err != nil {
				return err
			}
		}
	case KindSingleTask:
		if resp.Task == nil {
			return invalid(resp.Kind, "task is required")
		}
		return validateTask(resp.Kind, "task", *resp.Task)
	case KindLinkList:
		if err := checkCount(resp.Kind, "links", len(resp.Links)); err != nil {
			return err
		}
		for i, link := range resp.Links {
			field := fmt.Sprintf("links[%d]", i)
			if err := checkTitle(resp.Kind, field+".title", link.Title); err != nil {
				return err
			}
			if err := CheckURL(link.URL); err != nil {
				return invalid(resp.Kind, "%s.url: %v", field, err)
			}
		}
	case KindSearchResult:
		if resp.Search == nil {
			return invalid(resp.Kind, "search result is required")
		}
		for name, ids := range map[string][]string{"projects": resp.Search.Projects, "tasks": resp.Search.Tasks, "users": resp.Search.Users} {
			for i, id := range ids {
				if strings.TrimSpace(id) == "" {
					return invalid(resp.Kind, "%s[%d] is empty", name, i)
				}
			}
		}
	case KindVoiceCommand:
		if resp.Command == nil {
			return invalid(resp.Kind, "command is required")
		}
		return validateCommand(*resp.Command)
	case KindBulkTaskList:
		if err := checkCount(resp.Kind, "tasks", len(resp.Tasks)); err != nil {
			return err
		}
		for i, task := range resp.Tasks {
			if err := validateTask(resp.Kind, fmt.Sprintf("tasks[%d]", i), task); err != nil {
				return err
			}
		}
	case KindBulkBugList:
		if err := checkCount(resp.Kind, "bugs", len(resp.Bugs)); err != nil {
			return err
		}
		for i, bug := range resp.Bugs {
			field := fmt.Sprintf("bugs[%d]", i)
			if err := validateTask(resp.Kind, field, TaskProposal{Title: bug.Title, Description: bug.Description, Priority: bug.Priority}); err != nil {
				return err
			}
			if len(bug.StepsToReproduce) > MaxItems {
				return invalid(resp.Kind, "%s.stepsToReproduce has more than %d items", field, MaxItems)
			}
		}
	default:
		return invalid(resp.Kind, "unknown kind")
	}
	return nil
}

func validateTask(kind Kind, field string, task TaskProposal) error {
	if err := checkTitle(kind, field+".title", task.Title); err != nil {
		return err
	}
	if len(task.Description) > MaxDescriptionLength {
		return invalid(kind, "%s.description exceeds %d characters", field, MaxDescriptionLength)
	}
	if task.Priority != "" {
		if _, ok := priorities[task.Priority]; !ok {
			return invalid(kind, "%s.priority %q is not one of Low, Medium, High, Urgent", field, task.Priority)
		}
	}
	if len(task.Tags) > MaxItems || len(task.Subtasks) > MaxItems {
		return invalid(kind, "%s has more than %d tags or subtasks", field, MaxItems)
	}
	for i, tag := range task.Tags {
		if strings.TrimSpace(tag) == "" {
			return invalid(kind, "%s.tags[%d] is empty", field, i)
		}
	}
	for i, title := range task.Subtasks {
		if err := checkTitle(kind, fmt.Sprintf("%s.subtasks[%d]", field, i), title); err != nil {
			return err
		}
	}
	return nil
}

func validateCommand(cmd Command) error {
	p := cmd.Params
	var missing string
	switch cmd.Action {
	case ActionCreateTask:
		switch {
		case p.ColumnID == "":
			missing = "columnId"
		case strings.TrimSpace(p.Title) == "":
			missing = "title"
		}
	case ActionMoveTask:
		switch {
		case p.TaskID == "":
			missing = "taskId"
		case p.ColumnID == "":
			missing = "columnId"
		}
		if p.Index != nil && *p.Index < 0 {
			return invalid(KindVoiceCommand, "params.index must not be negative")
		}
	case ActionSetPriority:
		switch {
		case p.TaskID == "":
			missing = "taskId"
		case p.Priority == "":
			missing = "priority"
		}
		if missing == "" {
			if _, ok := priorities[p.Priority]; !ok {
				return invalid(KindVoiceCommand, "params.priority %q is not valid", p.Priority)
			}
		}
	case ActionAddComment:
		switch {
		case p.TaskID == "":
			missing = "taskId"
		case strings.TrimSpace(p.Text) == "":
			missing = "text"
		}
	case ActionOpenProject:
		if p.ProjectID == "" {
			missing = "projectId"
		}
	default:
		return invalid(KindVoiceCommand, "unknown action %q", cmd.Action)
	}
	if missing != "" {
		return invalid(KindVoiceCommand, "%s requires params.%s", cmd.Action, missing)
	}
	if len(p.Title) > MaxTitleLength || len(p.Text) > MaxDescriptionLength {
		return invalid(KindVoiceCommand, "params exceed length limits")
	}
	return nil
}

// CheckURL accepts absolute http and https URLs with a host.
func CheckURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func checkTitle(kind Kind, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(kind, "%s is required", field)
	}
	if len(value) > MaxTitleLength {
		return invalid(kind, "%s exceeds %d characters", field, MaxTitleLength)
	}
	return nil
}

func checkCount(kind Kind, field string, n int) error {
	if n == 0 {
		return invalid(kind, "%s must not be empty", field)
	}
	if n > MaxItems {
		return invalid(kind, "%s has more than %d items", field, MaxItems)
	}
	return nil
}

func invalid(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidResponse, kind, fmt.Sprintf(format, args...))
}
