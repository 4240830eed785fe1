package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const visibleProjects = `SELECT project_id FROM project_members WHERE user_id=$1`

// LoadSnapshot reads every row visible to userID. The project list is
// required; any other relation that fails is recorded in Failures and left
// empty so the caller can still build a partial board.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, userID string) (Snapshot, error) {
	snap := Snapshot{UserID: userID}

	projects, orderFailures, err := s.loadProjects(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Projects = projects
	snap.Failures = append(snap.Failures, orderFailures...)

	record := func(relation string, err error) {
		if err != nil {
			snap.Failures = append(snap.Failures, RelationFailure{Relation: relation, Err: err})
		}
	}

	var loadErr error
	snap.Users, loadErr = s.loadUsers(ctx, userID)
	record(RelationUsers, loadErr)
	snap.Members, loadErr = s.loadMembers(ctx, userID)
	record(RelationMembers, loadErr)
	var taskOrderFailures []RelationFailure
	snap.Columns, taskOrderFailures, loadErr = s.loadColumns(ctx, userID)
	record(RelationColumns, loadErr)
	snap.Failures = append(snap.Failures, taskOrderFailures...)
	snap.Tasks, loadErr = s.loadTasks(ctx, userID)
	record(RelationTasks, loadErr)
	snap.Subtasks, loadErr = s.listSubtasks(ctx, `WHERE task_id IN (SELECT id FROM tasks WHERE project_id IN (`+visibleProjects+`))`, userID)
	record(RelationSubtasks, loadErr)
	snap.Comments, loadErr = s.loadComments(ctx, userID)
	record(RelationComments, loadErr)
	snap.History, loadErr = s.loadHistory(ctx, userID)
	record(RelationHistory, loadErr)
	snap.TaskTags, loadErr = s.loadTaskTags(ctx, userID)
	record(RelationTags, loadErr)
	snap.Chats, loadErr = s.loadChats(ctx, userID)
	record(RelationChats, loadErr)
	snap.Links, loadErr = s.loadLinks(ctx, userID)
	record(RelationLinks, loadErr)

	return snap, nil
}

// loadProjects keeps a project whose column order cannot be decoded, with an
// empty order, and reports the failure so assembly can repair the order.
func (s *PostgresStore) loadProjects(ctx context.Context, userID string) ([]Project, []RelationFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, column_order, created_by, created_at
		FROM projects
		WHERE id IN (`+visibleProjects+`)
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	var failures []RelationFailure
	for rows.Next() {
		var item Project
		var orderRaw []byte
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &orderRaw, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan project: %w", err)
		}
		item.ColumnOrder, err = decodeIDs(orderRaw, "column order")
		if err != nil {
			failures = append(failures, RelationFailure{Relation: RelationColumnOrder, Err: fmt.Errorf("project %s: %w", item.ID, err)})
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, failures, nil
}

// decodeIDs reads a JSONB id array. A NULL column decodes to nil.
func decodeIDs(raw []byte, what string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return ids, nil
}

func (s *PostgresStore) loadUsers(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, created_at
		FROM users
		WHERE id=$1 OR id IN (
			SELECT user_id FROM project_members WHERE project_id IN (`+visibleProjects+`)
		)
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.DisplayName, &item.Email, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) loadMembers(ctx context.Context, userID string) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, user_id, role, position, joined_at
		FROM project_members
		WHERE project_id IN (`+visibleProjects+`)
		ORDER BY project_id ASC, position ASC, joined_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectMember, 0)
	for rows.Next() {
		var item ProjectMember
		if err := rows.Scan(&item.ProjectID, &item.UserID, &item.Role, &item.Position, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) loadColumns(ctx context.Context, userID string) ([]Column, []RelationFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, task_ids, created_at
		FROM columns
		WHERE project_id IN (`+visibleProjects+`)
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	items := make([]Column, 0)
	var failures []RelationFailure
	for rows.Next() {
		var item Column
		var idsRaw []byte
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Title, &idsRaw, &item.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan column: %w", err)
		}
		item.TaskIDs, err = decodeIDs(idsRaw, "task order")
		if err != nil {
			failures = append(failures, RelationFailure{Relation: RelationTaskOrder, Err: fmt.Errorf("column %s: %w", item.ID, err)})
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate columns: %w", err)
	}
	return items, failures, nil
}

func (s *PostgresStore) loadTasks(ctx context.Context, userID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, column_id, title, description, priority, assignee_id, due_date, position, created_by, created_at, updated_at
		FROM tasks
		WHERE project_id IN (`+visibleProjects+`)
		ORDER BY column_id ASC, position ASC, created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		var item Task
		var assignee sql.NullString
		var due sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.ProjectID,
			&item.ColumnID,
			&item.Title,
			&item.Description,
			&item.Priority,
			&assignee,
			&due,
			&item.Position,
			&item.CreatedBy,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if assignee.Valid {
			value := assignee.String
			item.AssigneeID = &value
		}
		if due.Valid {
			value := due.Time
			item.DueDate = &value
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) loadComments(ctx context.Context, userID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.task_id, c.text, c.author_id, c.created_at
		FROM comments c
		JOIN tasks t ON t.id = c.task_id
		WHERE t.project_id IN (`+visibleProjects+`)
		ORDER BY c.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Text, &item.AuthorID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) loadHistory(ctx context.Context, userID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.task_id, h.actor_id, h.description, h.created_at
		FROM task_history h
		JOIN tasks t ON t.id = h.task_id
		WHERE t.project_id IN (`+visibleProjects+`)
		ORDER BY h.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]HistoryEntry, 0)
	for rows.Next() {
		var item HistoryEntry
		if err := rows.Scan(&item.ID, &item.TaskID, &item.ActorID, &item.Description, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) loadTaskTags(ctx context.Context, userID string) ([]TaskTag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tt.task_id, tt.tag_id, tg.name
		FROM task_tags tt
		JOIN tags tg ON tg.id = tt.tag_id
		JOIN tasks t ON t.id = tt.task_id
		WHERE t.project_id IN (`+visibleProjects+`)
		ORDER BY tt.task_id ASC, tg.name ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list task tags: %w", err)
	}
	defer rows.Close()

	items := make([]TaskTag, 0)
	for rows.Next() {
		var item TaskTag
		if err := rows.Scan(&item.TaskID, &item.TagID, &item.Name); err != nil {
			return nil, fmt.Errorf("scan task tag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task tags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) loadChats(ctx context.Context, userID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, author_id, text, created_at
		FROM project_chats
		WHERE project_id IN (`+visibleProjects+`)
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.AuthorID, &item.Text, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) loadLinks(ctx context.Context, userID string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, url, created_by, created_at
		FROM project_links
		WHERE project_id IN (`+visibleProjects+`)
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	items := make([]Link, 0)
	for rows.Next() {
		var item Link
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Title, &item.URL, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return items, nil
}
