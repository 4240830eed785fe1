package mutation

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskboard/api/internal/board"
	"taskboard/api/internal/position"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
	"taskboard/api/internal/tags"
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 5000
	MaxTagLength         = 50
	MaxTags              = 50
	MaxCommentLength     = 4000
)

// TaskPatch lists the fields to change. Nil fields are left alone. An empty
// AssigneeID unassigns. Tags, when set, replaces the whole tag set.
type TaskPatch struct {
	Title        *string
	Description  *string
	Priority     *string
	AssigneeID   *string
	DueDate      *time.Time
	ClearDueDate bool
	Tags         *[]string
}

func (p TaskPatch) empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.AssigneeID == nil &&
		p.DueDate == nil && !p.ClearDueDate && p.Tags == nil
}

type TaskDraft struct {
	Title       string
	Description string
	Priority    string
	AssigneeID  string
	DueDate     *time.Time
	Tags        []string
}

func validateTitle(op, value string) error {
	if strings.TrimSpace(value) == "" {
		return validationError(op, "title is required")
	}
	if len(value) > MaxTitleLength {
		return validationError(op, "title exceeds %d characters", MaxTitleLength)
	}
	return nil
}

func validateTags(op string, names []string) error {
	if len(names) > MaxTags {
		return validationError(op, "at most %d tags", MaxTags)
	}
	for _, name := range names {
		if len(strings.TrimSpace(name)) > MaxTagLength {
			return validationError(op, "tag %q exceeds %d characters", name, MaxTagLength)
		}
	}
	return nil
}

func validateAssignee(op string, project *board.Project, assigneeID string) error {
	if assigneeID == "" {
		return nil
	}
	for _, id := range project.MemberIDs {
		if id == assigneeID {
			return nil
		}
	}
	return validationError(op, "assignee %s is not a project member", assigneeID)
}

func (p TaskPatch) validate(op string, project *board.Project) error {
	if p.empty() {
		return validationError(op, "nothing to update")
	}
	if p.Title != nil {
		if err := validateTitle(op, *p.Title); err != nil {
			return err
		}
	}
	if p.Description != nil && len(*p.Description) > MaxDescriptionLength {
		return validationError(op, "description exceeds %d characters", MaxDescriptionLength)
	}
	if p.Priority != nil {
		if _, ok := board.ParsePriority(*p.Priority); !ok {
			return validationError(op, "priority %q is not one of Low, Medium, High, Urgent", *p.Priority)
		}
	}
	if p.AssigneeID != nil {
		if err := validateAssignee(op, project, *p.AssigneeID); err != nil {
			return err
		}
	}
	if p.DueDate != nil && p.ClearDueDate {
		return validationError(op, "due date cannot be both set and cleared")
	}
	if p.Tags != nil {
		return validateTags(op, *p.Tags)
	}
	return nil
}

func (p TaskPatch) applyTo(task *board.Task) {
	if p.Title != nil {
		task.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		task.Description = *p.Description
	}
	if p.Priority != nil {
		task.Priority, _ = board.ParsePriority(*p.Priority)
	}
	if p.AssigneeID != nil {
		task.AssigneeID = *p.AssigneeID
	}
	if p.DueDate != nil {
		due := *p.DueDate
		task.DueDate = &due
	}
	if p.ClearDueDate {
		task.DueDate = nil
	}
}

// row carries only the named fields, with the values they took on task.
func (p TaskPatch) row(task board.Task) store.TaskPatch {
	row := store.TaskPatch{ID: task.ID, ClearDueDate: p.ClearDueDate}
	if p.Title != nil {
		row.Title = &task.Title
	}
	if p.Description != nil {
		row.Description = &task.Description
	}
	if p.Priority != nil {
		priority := string(task.Priority)
		row.Priority = &priority
	}
	if p.AssigneeID != nil {
		assignee := task.AssigneeID
		row.AssigneeID = &assignee
	}
	if p.DueDate != nil && !p.ClearDueDate {
		row.DueDate = task.DueDate
	}
	return row
}

// UpdateTask changes scalar fields and, optionally, the tag set of a task.
func (c *Coordinator) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (board.Task, error) {
	const op = "update_task"
	c.serial.Lock()
	defer c.serial.Unlock()

	local, project, err := c.localTask(op, taskID)
	if err != nil {
		return board.Task{}, err
	}
	if err := patch.validate(op, project); err != nil {
		return board.Task{}, err
	}
	base := c.captureTask(ctx, op, local)
	at := c.now().UTC()

	var (
		entries []board.HistoryEntry
		delta   tags.Delta
		updated board.Task
	)
	err = c.execute(ctx, plan{
		op:        op,
		projectID: project.ID,
		apply: func(g *board.Graph) (func(), error) {
			task, owner, ok := g.Task(taskID)
			if !ok {
				return nil, errTaskGone(op, taskID)
			}
			cp := newCheckpoint(owner.Board, nil, []string{taskID}, false)

			// The change is applied to the authoritative values so fields the
			// patch does not name converge on the store's state.
			next := base.Clone()
			patch.applyTo(next)
			if patch.Tags != nil {
				delta = tags.Reconcile(base.Tags, *patch.Tags)
				next.Tags = tags.Apply(base.Tags, delta)
			}
			entries = c.deriveHistory(g, base, *next, at)

			task.Title = next.Title
			task.Description = next.Description
			task.Priority = next.Priority
			task.AssigneeID = next.AssigneeID
			task.DueDate = next.DueDate
			task.Tags = next.Tags
			task.History = append(append([]board.HistoryEntry{}, entries...), task.History...)
			updated = *task.Clone()
			return cp.restore, nil
		},
		persist: func(ctx context.Context, scope store.Scope) error {
			return c.store.UpdateTask(ctx, scope, patch.row(updated))
		},
		auxiliary: func(ctx context.Context, scope store.Scope) {
			c.writeHistory(ctx, op, scope, taskID, entries)
			if !delta.Empty() {
				if err := c.writeTags(ctx, scope, taskID, delta); err != nil {
					c.auxiliaryFailed(op, taskID, "tag write", err)
				}
			}
		},
		notify: func(g *board.Graph) []realtime.Event { return taskEvent(g, taskID, c.actorID, at) },
		index:  indexTask(taskID),
	})
	if err != nil {
		return board.Task{}, err
	}
	return c.snapshotTask(taskID), nil
}

// MoveTask moves a task to index in columnID. Within one column the index
// refers to the list after the task has been taken out.
func (c *Coordinator) MoveTask(ctx context.Context, taskID, columnID string, index int) (board.Task, error) {
	const op = "move_task"
	c.serial.Lock()
	defer c.serial.Unlock()

	if columnID == "" {
		return board.Task{}, validationError(op, "column is required")
	}
	if index < 0 {
		return board.Task{}, validationError(op, "index must not be negative")
	}
	local, project, err := c.localTask(op, taskID)
	if err != nil {
		return board.Task{}, err
	}
	if err := c.checkColumn(op, project.ID, columnID); err != nil {
		return board.Task{}, err
	}
	base := c.captureTask(ctx, op, local)
	at := c.now().UTC()

	var (
		entries []board.HistoryEntry
		final   int
	)
	err = c.execute(ctx, plan{
		op:        op,
		projectID: project.ID,
		apply: func(g *board.Graph) (func(), error) {
			task, owner, ok := g.Task(taskID)
			if !ok {
				return nil, errTaskGone(op, taskID)
			}
			b := owner.Board
			sourceID := task.ColumnID
			source, destination := b.Columns[sourceID], b.Columns[columnID]
			if destination == nil {
				return nil, notFoundError(op, "column %s was removed concurrently", columnID)
			}
			cp := newCheckpoint(b, []string{sourceID, columnID}, nil, false)
			if sourceID == columnID || source == nil {
				destination.TaskIDs = position.Move(destination.TaskIDs, taskID, index)
			} else {
				source.TaskIDs, destination.TaskIDs = position.MoveBetween(source.TaskIDs, destination.TaskIDs, taskID, index)
			}
			task.ColumnID = columnID
			if source != nil && sourceID != columnID {
				board.RepairColumn(b, sourceID)
			}
			board.RepairColumn(b, columnID)
			final = position.IndexOf(destination.TaskIDs, taskID)

			moved := base.Clone()
			moved.ColumnID = columnID
			entries = c.deriveHistory(g, base, *moved, at)
			task.History = append(append([]board.HistoryEntry{}, entries...), task.History...)
			return cp.restore, nil
		},
		persist: func(ctx context.Context, scope store.Scope) error {
			return c.store.MoveTask(ctx, scope, taskID, columnID, final)
		},
		auxiliary: func(ctx context.Context, scope store.Scope) {
			c.writeHistory(ctx, op, scope, taskID, entries)
		},
		notify: func(g *board.Graph) []realtime.Event { return taskEvent(g, taskID, c.actorID, at) },
		index:  indexTask(taskID),
	})
	if err != nil {
		return board.Task{}, err
	}
	return c.snapshotTask(taskID), nil
}

// CreateTask adds a task to columnID at index; a negative index appends.
func (c *Coordinator) CreateTask(ctx context.Context, columnID string, draft TaskDraft, index int) (board.Task, error) {
	const op = "create_task"
	c.serial.Lock()
	defer c.serial.Unlock()

	if err := validateTitle(op, draft.Title); err != nil {
		return board.Task{}, err
	}
	if len(draft.Description) > MaxDescriptionLength {
		return board.Task{}, validationError(op, "description exceeds %d characters", MaxDescriptionLength)
	}
	priority := board.PriorityMedium
	if draft.Priority != "" {
		parsed, ok := board.ParsePriority(draft.Priority)
		if !ok {
			return board.Task{}, validationError(op, "priority %q is not one of Low, Medium, High, Urgent", draft.Priority)
		}
		priority = parsed
	}
	if err := validateTags(op, draft.Tags); err != nil {
		return board.Task{}, err
	}

	project, err := c.columnProject(op, columnID)
	if err != nil {
		return board.Task{}, err
	}
	if err := validateAssignee(op, project, draft.AssigneeID); err != nil {
		return board.Task{}, err
	}

	at := c.now().UTC()
	taskID := c.newID("task")
	delta := tags.Reconcile(nil, draft.Tags)
	var (
		created board.Task
		final   int
	)
	err = c.execute(ctx, plan{
		op:        op,
		projectID: project.ID,
		apply: func(g *board.Graph) (func(), error) {
			column, owner, ok := g.Column(columnID)
			if !ok {
				return nil, notFoundError(op, "column %s is not on the board", columnID)
			}
			b := owner.Board
			cp := newCheckpoint(b, []string{columnID}, []string{taskID}, false)
			if index < 0 || index > len(column.TaskIDs) {
				index = len(column.TaskIDs)
			}
			task := &board.Task{
				ID:          taskID,
				ProjectID:   project.ID,
				ColumnID:    columnID,
				Title:       strings.TrimSpace(draft.Title),
				Description: draft.Description,
				Priority:    priority,
				AssigneeID:  draft.AssigneeID,
				DueDate:     draft.DueDate,
				CreatedBy:   c.actorID,
				CreatedAt:   at,
				Tags:        tags.Apply(nil, delta),
				Subtasks:    []board.Subtask{},
				Comments:    []board.Comment{},
				History:     []board.HistoryEntry{},
			}
			b.Tasks[taskID] = task
			column.TaskIDs = position.Insert(column.TaskIDs, taskID, index)
			board.RepairColumn(b, columnID)
			final = task.Position
			created = *task.Clone()
			return cp.restore, nil
		},
		persist: func(ctx context.Context, scope store.Scope) error {
			return c.store.InsertTask(ctx, scope, taskRow(created), final)
		},
		auxiliary: func(ctx context.Context, scope store.Scope) {
			if !delta.Empty() {
				if err := c.writeTags(ctx, scope, taskID, delta); err != nil {
					c.auxiliaryFailed(op, taskID, "tag write", err)
				}
			}
		},
		notify: func(g *board.Graph) []realtime.Event { return taskEvent(g, taskID, c.actorID, at) },
		index:  indexTask(taskID),
	})
	if err != nil {
		return board.Task{}, err
	}
	return c.snapshotTask(taskID), nil
}

// DeleteTask removes a task. A task the store no longer has counts as
// deleted.
func (c *Coordinator) DeleteTask(ctx context.Context, taskID string) error {
	const op = "delete_task"
	c.serial.Lock()
	defer c.serial.Unlock()

	local, project, err := c.localTask(op, taskID)
	if err != nil {
		return err
	}
	c.captureTask(ctx, op, local)
	at := c.now().UTC()
	return c.execute(ctx, plan{
		op:        op,
		projectID: project.ID,
		apply: func(g *board.Graph) (func(), error) {
			task, owner, ok := g.Task(taskID)
			if !ok {
				return func() {}, nil
			}
			b := owner.Board
			cp := newCheckpoint(b, []string{task.ColumnID}, []string{taskID}, false)
			delete(b.Tasks, taskID)
			board.RepairColumn(b, task.ColumnID)
			return cp.restore, nil
		},
		persist: func(ctx context.Context, scope store.Scope) error {
			err := c.store.DeleteTask(ctx, scope, taskID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		},
		notify: func(g *board.Graph) []realtime.Event {
			return []realtime.Event{{Type: realtime.EventTaskDelete, ProjectID: project.ID, EntityID: taskID, ActorID: c.actorID, Timestamp: at}}
		},
		index: func(indexer Indexer, g *board.Graph) { indexer.RemoveTask(taskID) },
	})
}

func (c *Coordinator) AddSubtask(ctx context.Context, taskID, title string) (board.Subtask, error) {
	const op = "add_subtask"
	c.serial.Lock()
	defer c.serial.Unlock()

	if err := validateTitle(op, title); err != nil {
		return board.Subtask{}, err
	}
	local, project, err := c.localTask(op, taskID)
	if err != nil {
		return board.Subtask{}, err
	}
	c.captureTask(ctx, op, local)
	at := c.now().UTC()
	subtask := board.Subtask{
		ID:        c.newID("sub"),
		TaskID:    taskID,
		Title:     strings.TrimSpace(title),
		CreatedBy: c.actorID,
		CreatedAt: at,
	}
	err = c.execute(ctx, c.taskChild(op, project.ID, taskID, at, func(task *board.Task) {
		task.Subtasks = append(task.Subtasks, subtask)
	}, func(ctx context.Context, scope store.Scope) error {
		return c.store.InsertSubtask(ctx, scope, subtaskRow(subtask))
	}))
	if err != nil {
		return board.Subtask{}, err
	}
	return subtask, nil
}

func (c *Coordinator) ToggleSubtask(ctx context.Context, taskID, subtaskID string) (board.Subtask, error) {
	const op = "toggle_subtask"
	c.serial.Lock()
	defer c.serial.Unlock()

	local, project, err := c.localTask(op, taskID)
	if err != nil {
		return board.Subtask{}, err
	}
	current, ok := findSubtask(local.Subtasks, subtaskID)
	if !ok {
		return board.Subtask{}, notFoundError(op, "subtask %s is not on task %s", subtaskID, taskID)
	}
	c.captureTask(ctx, op, local)
	at := c.now().UTC()
	toggled := current
	toggled.Completed = !current.Completed

	err = c.execute(ctx, c.taskChild(op, project.ID, taskID, at, func(task *board.Task) {
		for i := range task.Subtasks {
			if task.Subtasks[i].ID == subtaskID {
				task.Subtasks[i].Completed = toggled.Completed
			}
		}
	}, func(ctx context.Context, scope store.Scope) error {
		return c.store.UpdateSubtask(ctx, scope, subtaskRow(toggled))
	}))
	if err != nil {
		return board.Subtask{}, err
	}
	return toggled, nil
}

func (c *Coordinator) RemoveSubtask(ctx context.Context, taskID, subtaskID string) error {
	const op = "remove_subtask"
	c.serial.Lock()
	defer c.serial.Unlock()

	local, project, err := c.localTask(op, taskID)
	if err != nil {
		return err
	}
	if _, ok := findSubtask(local.Subtasks, subtaskID); !ok {
		return notFoundError(op, "subtask %s is not on task %s", subtaskID, taskID)
	}
	c.captureTask(ctx, op, local)
	at := c.now().UTC()
	return c.execute(ctx, c.taskChild(op, project.ID, taskID, at, func(task *board.Task) {
		kept := make([]board.Subtask, 0, len(task.Subtasks))
		for _, item := range task.Subtasks {
			if item.ID != subtaskID {
				kept = append(kept, item)
			}
		}
		task.Subtasks = kept
	}, func(ctx context.Context, scope store.Scope) error {
		return c.store.DeleteSubtask(ctx, scope, subtaskID)
	}))
}

func (c *Coordinator) AddComment(ctx context.Context, taskID, text string) (board.Comment, error) {
	const op = "add_comment"
	c.serial.Lock()
	defer c.serial.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return board.Comment{}, validationError(op, "comment text is required")
	}
	if len(text) > MaxCommentLength {
		return board.Comment{}, validationError(op, "comment exceeds %d characters", MaxCommentLength)
	}
	local, project, err := c.localTask(op, taskID)
	if err != nil {
		return board.Comment{}, err
	}
	c.captureTask(ctx, op, local)
	at := c.now().UTC()
	comment := board.Comment{ID: c.newID("cmt"), TaskID: taskID, Text: text, AuthorID: c.actorID, CreatedAt: at}

	err = c.execute(ctx, c.taskChild(op, project.ID, taskID, at, func(task *board.Task) {
		task.Comments = append(task.Comments, comment)
	}, func(ctx context.Context, scope store.Scope) error {
		return c.store.InsertComment(ctx, scope, store.Comment{
			ID:        comment.ID,
			TaskID:    comment.TaskID,
			Text:      comment.Text,
			AuthorID:  comment.AuthorID,
			CreatedAt: comment.CreatedAt,
		})
	}))
	if err != nil {
		return board.Comment{}, err
	}
	return comment, nil
}

// AddTag attaches one tag, creating the canonical tag if needed.
func (c *Coordinator) AddTag(ctx context.Context, taskID, name string) (board.Task, error) {
	const op = "add_tag"
	names := tags.Normalize([]string{name})
	if len(names) == 0 {
		return board.Task{}, validationError(op, "tag name is required")
	}
	return c.changeTags(ctx, op, taskID, func(base []string) tags.Delta {
		return tags.Delta{ToAdd: names}
	}, names)
}

func (c *Coordinator) RemoveTag(ctx context.Context, taskID, name string) (board.Task, error) {
	const op = "remove_tag"
	names := tags.Normalize([]string{name})
	if len(names) == 0 {
		return board.Task{}, validationError(op, "tag name is required")
	}
	return c.changeTags(ctx, op, taskID, func(base []string) tags.Delta {
		return tags.Delta{ToRemove: names}
	}, names)
}

// SetTags replaces the tag set, writing only the difference from the
// authoritative snapshot.
func (c *Coordinator) SetTags(ctx context.Context, taskID string, names []string) (board.Task, error) {
	return c.changeTags(ctx, "set_tags", taskID, func(base []string) tags.Delta {
		return tags.Reconcile(base, names)
	}, names)
}

func (c *Coordinator) changeTags(ctx context.Context, op, taskID string, deltaFor func(base []string) tags.Delta, names []string) (board.Task, error) {
	c.serial.Lock()
	defer c.serial.Unlock()

	if err := validateTags(op, names); err != nil {
		return board.Task{}, err
	}
	local, project, err := c.localTask(op, taskID)
	if err != nil {
		return board.Task{}, err
	}
	base := c.captureTask(ctx, op, local)
	delta := deltaFor(base.Tags)
	at := c.now().UTC()

	err = c.execute(ctx, c.taskChild(op, project.ID, taskID, at, func(task *board.Task) {
		task.Tags = tags.Apply(task.Tags, delta)
	}, func(ctx context.Context, scope store.Scope) error {
		return c.writeTags(ctx, scope, taskID, delta)
	}))
	if err != nil {
		return board.Task{}, err
	}
	return c.snapshotTask(taskID), nil
}

// taskChild builds the plan shared by changes to a task's own collections.
func (c *Coordinator) taskChild(op, projectID, taskID string, at time.Time, change func(task *board.Task), persist func(ctx context.Context, scope store.Scope) error) plan {
	return plan{
		op:        op,
		projectID: projectID,
		apply: func(g *board.Graph) (func(), error) {
			task, owner, ok := g.Task(taskID)
			if !ok {
				return nil, errTaskGone(op, taskID)
			}
			cp := newCheckpoint(owner.Board, nil, []string{taskID}, false)
			change(task)
			return cp.restore, nil
		},
		persist: persist,
		notify:  func(g *board.Graph) []realtime.Event { return taskEvent(g, taskID, c.actorID, at) },
		index:   indexTask(taskID),
	}
}

func (c *Coordinator) snapshotTask(taskID string) board.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if task, _, ok := c.graph.Task(taskID); ok {
		return *task.Clone()
	}
	return board.Task{}
}

func (c *Coordinator) columnProject(op, columnID string) (*board.Project, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, project, ok := c.graph.Column(columnID)
	if !ok {
		return nil, notFoundError(op, "column %s is not on the board", columnID)
	}
	return project, nil
}

func (c *Coordinator) checkColumn(op, projectID, columnID string) error {
	project, err := c.columnProject(op, columnID)
	if err != nil {
		return err
	}
	if project.ID != projectID {
		return validationError(op, "column %s belongs to another project", columnID)
	}
	return nil
}

func errTaskGone(op, taskID string) error {
	return notFoundError(op, "task %s was removed concurrently", taskID)
}

func findSubtask(items []board.Subtask, id string) (board.Subtask, bool) {
	for _, item := range items {
		if item.ID == id {
			return item, true
		}
	}
	return board.Subtask{}, false
}

func subtaskRow(item board.Subtask) store.Subtask {
	return store.Subtask{
		ID:        item.ID,
		TaskID:    item.TaskID,
		Title:     item.Title,
		Completed: item.Completed,
		CreatedBy: item.CreatedBy,
		CreatedAt: item.CreatedAt,
	}
}
