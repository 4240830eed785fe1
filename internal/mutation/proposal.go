package mutation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"taskboard/api/internal/ai"
	"taskboard/api/internal/board"
)

// BugTag is attached to every task created from a bug proposal.
const BugTag = "bug"

// Target names where a proposal lands. Task proposals need ColumnID,
// subtask lists need TaskID, link lists need ProjectID.
type Target struct {
	ProjectID string
	ColumnID  string
	TaskID    string
}

// ProposalResult lists what was created, in proposal order.
type ProposalResult struct {
	Tasks    []board.Task    `json:"tasks,omitempty"`
	Subtasks []board.Subtask `json:"subtasks,omitempty"`
	Links    []board.Link    `json:"links,omitempty"`
}

// ApplyProposal turns a generator response into ordinary mutations. Each
// item is its own mutation; on the first failure the items applied so far
// stay and are returned with the error.
func (c *Coordinator) ApplyProposal(ctx context.Context, target Target, resp ai.Response) (ProposalResult, error) {
	const op = "apply_proposal"
	var result ProposalResult
	if !resp.Kind.IsProposal() {
		return result, validationError(op, "%s responses cannot be applied to a board", resp.Kind)
	}
	if err := ai.Validate(resp); err != nil {
		return result, classify(op, err)
	}

	switch resp.Kind {
	case ai.KindSingleTask:
		if target.ColumnID == "" {
			return result, validationError(op, "column is required")
		}
		return result, c.proposeTask(ctx, target.ColumnID, *resp.Task, &result)
	case ai.KindBulkTaskList:
		if target.ColumnID == "" {
			return result, validationError(op, "column is required")
		}
		for _, proposal := range resp.Tasks {
			if err := c.proposeTask(ctx, target.ColumnID, proposal, &result); err != nil {
				return result, err
			}
		}
	case ai.KindBulkBugList:
		if target.ColumnID == "" {
			return result, validationError(op, "column is required")
		}
		for _, bug := range resp.Bugs {
			task := ai.TaskProposal{
				Title:       bug.Title,
				Description: bugDescription(bug),
				Priority:    bug.Priority,
				Tags:        []string{BugTag},
			}
			if err := c.proposeTask(ctx, target.ColumnID, task, &result); err != nil {
				return result, err
			}
		}
	case ai.KindSubtaskList:
		if target.TaskID == "" {
			return result, validationError(op, "task is required")
		}
		for _, title := range resp.Subtasks {
			subtask, err := c.AddSubtask(ctx, target.TaskID, title)
			if err != nil {
				return result, err
			}
			result.Subtasks = append(result.Subtasks, subtask)
		}
	case ai.KindLinkList:
		if target.ProjectID == "" {
			return result, validationError(op, "project is required")
		}
		for _, proposal := range resp.Links {
			link, err := c.AddLink(ctx, target.ProjectID, proposal.Title, proposal.URL)
			if err != nil {
				return result, err
			}
			result.Links = append(result.Links, link)
		}
	}
	return result, nil
}

func (c *Coordinator) proposeTask(ctx context.Context, columnID string, proposal ai.TaskProposal, result *ProposalResult) error {
	task, err := c.CreateTask(ctx, columnID, TaskDraft{
		Title:       proposal.Title,
		Description: proposal.Description,
		Priority:    proposal.Priority,
		Tags:        proposal.Tags,
	}, -1)
	if err != nil {
		return err
	}
	for _, title := range proposal.Subtasks {
		subtask, err := c.AddSubtask(ctx, task.ID, title)
		if err != nil {
			result.Tasks = append(result.Tasks, task)
			return err
		}
		result.Subtasks = append(result.Subtasks, subtask)
	}
	if len(proposal.Subtasks) > 0 {
		task = c.snapshotTask(task.ID)
	}
	result.Tasks = append(result.Tasks, task)
	return nil
}

func bugDescription(bug ai.BugProposal) string {
	if len(bug.StepsToReproduce) == 0 {
		return bug.Description
	}
	var b strings.Builder
	if bug.Description != "" {
		b.WriteString(bug.Description)
		b.WriteString("\n\n")
	}
	b.WriteString("Steps to reproduce:")
	for i, step := range bug.StepsToReproduce {
		fmt.Fprintf(&b, "\n%d. %s", i+1, step)
	}
	return truncate(b.String(), MaxDescriptionLength)
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
