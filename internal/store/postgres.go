package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskboard/api/internal/position"
	"taskboard/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Scope identifies who writes and which project the write belongs to. Every
// write is checked against project membership inside its transaction.
type Scope struct {
	ActorID   string
	ProjectID string
}

func (s *PostgresStore) withMember(ctx context.Context, scope Scope, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	var member bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id=$1 AND user_id=$2)
	`, scope.ProjectID, scope.ActorID).Scan(&member); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		_ = tx.Rollback()
		return ErrForbidden
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name = '' THEN users.display_name ELSE EXCLUDED.display_name END,
			email = CASE WHEN EXCLUDED.email = '' THEN users.email ELSE EXCLUDED.email END
		RETURNING id, display_name, email, created_at
	`, user.ID, user.DisplayName, user.Email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	var orderRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, column_order, created_by, created_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.Name, &item.Description, &orderRaw, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	item.ColumnOrder, err = decodeIDs(orderRaw, "column order")
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, item Project) error {
	if _, err := s.db.ExecContext(ctx, `SELECT create_project($1, $2, $3, $4)`,
		item.ID, item.Name, item.Description, item.CreatedBy); err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) MemberRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read member role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) UpdateProjectMembers(ctx context.Context, projectID, actorID string, userIDs []string) error {
	if userIDs == nil {
		userIDs = []string{}
	}
	if _, err := s.db.ExecContext(ctx, `SELECT update_project_members($1, $2, $3)`, projectID, actorID, userIDs); err != nil {
		return fmt.Errorf("update project members: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateInvite(ctx context.Context, invite Invite) error {
	if _, err := s.db.ExecContext(ctx, `SELECT create_invite($1, $2, $3, $4, $5, $6)`,
		invite.ID, invite.ProjectID, invite.InvitedBy, invite.Email, invite.TokenHash, invite.ExpiresAt); err != nil {
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

func (s *PostgresStore) AcceptInvite(ctx context.Context, tokenHash, userID string) (string, error) {
	var projectID string
	if err := s.db.QueryRowContext(ctx, `SELECT accept_invite($1, $2)`, tokenHash, userID).Scan(&projectID); err != nil {
		return "", fmt.Errorf("accept invite: %w", err)
	}
	return projectID, nil
}

// GetTaskSnapshot reads the authoritative state of a task with its tags and
// subtasks.
func (s *PostgresStore) GetTaskSnapshot(ctx context.Context, taskID string) (TaskSnapshot, error) {
	var snap TaskSnapshot
	var assignee sql.NullString
	var due sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, column_id, title, description, priority, assignee_id, due_date, position, created_by, created_at, updated_at
		FROM tasks
		WHERE id=$1
	`, taskID).Scan(
		&snap.Task.ID,
		&snap.Task.ProjectID,
		&snap.Task.ColumnID,
		&snap.Task.Title,
		&snap.Task.Description,
		&snap.Task.Priority,
		&assignee,
		&due,
		&snap.Task.Position,
		&snap.Task.CreatedBy,
		&snap.Task.CreatedAt,
		&snap.Task.UpdatedAt,
	)
	if err != nil {
		return TaskSnapshot{}, fmt.Errorf("read task: %w", err)
	}
	if assignee.Valid {
		snap.Task.AssigneeID = &assignee.String
	}
	if due.Valid {
		snap.Task.DueDate = &due.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tg.name
		FROM task_tags tt
		JOIN tags tg ON tg.id = tt.tag_id
		WHERE tt.task_id=$1
		ORDER BY tg.name
	`, taskID)
	if err != nil {
		return TaskSnapshot{}, fmt.Errorf("read task tags: %w", err)
	}
	defer rows.Close()
	snap.Tags = make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return TaskSnapshot{}, fmt.Errorf("scan task tag: %w", err)
		}
		snap.Tags = append(snap.Tags, name)
	}
	if err := rows.Err(); err != nil {
		return TaskSnapshot{}, fmt.Errorf("iterate task tags: %w", err)
	}

	subtasks, err := s.listSubtasks(ctx, `WHERE task_id=$1`, taskID)
	if err != nil {
		return TaskSnapshot{}, err
	}
	snap.Subtasks = subtasks
	return snap, nil
}

func (s *PostgresStore) GetColumn(ctx context.Context, columnID string) (Column, error) {
	var item Column
	var idsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, task_ids, created_at FROM columns WHERE id=$1
	`, columnID).Scan(&item.ID, &item.ProjectID, &item.Title, &idsRaw, &item.CreatedAt)
	if err != nil {
		return Column{}, fmt.Errorf("read column: %w", err)
	}
	item.TaskIDs, err = decodeIDs(idsRaw, "task order")
	if err != nil {
		return Column{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, scope Scope, task Task, index int) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, column_id, title, description, priority, assignee_id, due_date, position, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, task.ID, task.ProjectID, task.ColumnID, task.Title, task.Description, task.Priority,
			nullableString(task.AssigneeID), nullableTime(task.DueDate), index, task.CreatedBy, task.CreatedAt); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		ids, err := lockTaskIDs(ctx, tx, task.ColumnID)
		if err != nil {
			return err
		}
		if err := writeTaskIDs(ctx, tx, task.ColumnID, position.Insert(ids, task.ID, index)); err != nil {
			return err
		}
		return renumber(ctx, tx, task.ColumnID)
	})
}

// UpdateTask writes only the fields the patch names, so concurrent writers
// resolve last-write-wins per field.
func (s *PostgresStore) UpdateTask(ctx context.Context, scope Scope, patch TaskPatch) error {
	query, args := updateTaskQuery(scope, patch)
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return requireAffected(result, "task")
	})
}

func updateTaskQuery(scope Scope, patch TaskPatch) (string, []any) {
	args := []any{patch.ID, scope.ProjectID}
	sets := make([]string, 0, 6)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.Priority != nil {
		set("priority", *patch.Priority)
	}
	if patch.AssigneeID != nil {
		set("assignee_id", nullableString(patch.AssigneeID))
	}
	if patch.ClearDueDate {
		sets = append(sets, "due_date=NULL")
	} else if patch.DueDate != nil {
		set("due_date", *patch.DueDate)
	}
	sets = append(sets, "updated_at=NOW()")
	return "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE id=$1 AND project_id=$2", args
}

func (s *PostgresStore) MoveTask(ctx context.Context, scope Scope, taskID, columnID string, index int) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		var previous string
		if err := tx.QueryRowContext(ctx, `SELECT move_task($1, $2, $3)`, taskID, columnID, index).Scan(&previous); err != nil {
			return fmt.Errorf("move task: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteTask(ctx context.Context, scope Scope, taskID string) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		var columnID string
		err := tx.QueryRowContext(ctx, `
			DELETE FROM tasks WHERE id=$1 AND project_id=$2 RETURNING column_id
		`, taskID, scope.ProjectID).Scan(&columnID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		ids, err := lockTaskIDs(ctx, tx, columnID)
		if err != nil {
			return err
		}
		if err := writeTaskIDs(ctx, tx, columnID, position.Remove(ids, taskID)); err != nil {
			return err
		}
		return renumber(ctx, tx, columnID)
	})
}

func (s *PostgresStore) InsertSubtask(ctx context.Context, scope Scope, item Subtask) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subtasks (id, task_id, title, completed, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, item.ID, item.TaskID, item.Title, item.Completed, item.CreatedBy, item.CreatedAt); err != nil {
			return fmt.Errorf("insert subtask: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateSubtask(ctx context.Context, scope Scope, item Subtask) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE subtasks SET title=$2, completed=$3 WHERE id=$1
		`, item.ID, item.Title, item.Completed)
		if err != nil {
			return fmt.Errorf("update subtask: %w", err)
		}
		return requireAffected(result, "subtask")
	})
}

func (s *PostgresStore) DeleteSubtask(ctx context.Context, scope Scope, subtaskID string) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subtasks WHERE id=$1`, subtaskID); err != nil {
			return fmt.Errorf("delete subtask: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) InsertComment(ctx context.Context, scope Scope, item Comment) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, task_id, text, author_id, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, item.ID, item.TaskID, item.Text, item.AuthorID, item.CreatedAt); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) InsertHistory(ctx context.Context, scope Scope, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		for _, entry := range entries {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_history (id, task_id, actor_id, description, created_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO NOTHING
			`, entry.ID, entry.TaskID, entry.ActorID, entry.Description, entry.CreatedAt); err != nil {
				return fmt.Errorf("insert history: %w", err)
			}
		}
		return nil
	})
}

// UpsertTag creates or fetches the canonical tag for name. Uniqueness is by
// name, so concurrent creators of the same name get the same row.
func (s *PostgresStore) UpsertTag(ctx context.Context, name string) (Tag, error) {
	var tag Tag
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tags (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`, util.NewID("tag"), name).Scan(&tag.ID, &tag.Name, &tag.CreatedAt)
	if err != nil {
		return Tag{}, fmt.Errorf("upsert tag: %w", err)
	}
	return tag, nil
}

func (s *PostgresStore) AddTaskTag(ctx context.Context, scope Scope, taskID, tagID string) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_tags (task_id, tag_id) VALUES ($1, $2)
			ON CONFLICT (task_id, tag_id) DO NOTHING
		`, taskID, tagID); err != nil {
			return fmt.Errorf("add task tag: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) RemoveTaskTag(ctx context.Context, scope Scope, taskID, name string) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM task_tags tt
			USING tags tg
			WHERE tt.tag_id = tg.id AND tt.task_id=$1 AND tg.name=$2
		`, taskID, name); err != nil {
			return fmt.Errorf("remove task tag: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) InsertColumn(ctx context.Context, scope Scope, column Column, index int) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO columns (id, project_id, title, task_ids) VALUES ($1, $2, $3, '[]'::jsonb)
		`, column.ID, scope.ProjectID, column.Title); err != nil {
			return fmt.Errorf("insert column: %w", err)
		}
		order, err := lockColumnOrder(ctx, tx, scope.ProjectID)
		if err != nil {
			return err
		}
		return writeColumnOrder(ctx, tx, scope.ProjectID, position.Insert(order, column.ID, index))
	})
}

func (s *PostgresStore) RenameColumn(ctx context.Context, scope Scope, columnID, title string) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE columns SET title=$2 WHERE id=$1 AND project_id=$3
		`, columnID, title, scope.ProjectID)
		if err != nil {
			return fmt.Errorf("rename column: %w", err)
		}
		return requireAffected(result, "column")
	})
}

// DeleteColumn removes the column and, by cascade, its tasks.
func (s *PostgresStore) DeleteColumn(ctx context.Context, scope Scope, columnID string) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		order, err := lockColumnOrder(ctx, tx, scope.ProjectID)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM columns WHERE id=$1 AND project_id=$2`, columnID, scope.ProjectID)
		if err != nil {
			return fmt.Errorf("delete column: %w", err)
		}
		if err := requireAffected(result, "column"); err != nil {
			return err
		}
		return writeColumnOrder(ctx, tx, scope.ProjectID, position.Remove(order, columnID))
	})
}

func (s *PostgresStore) SetColumnOrder(ctx context.Context, scope Scope, order []string) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		if _, err := lockColumnOrder(ctx, tx, scope.ProjectID); err != nil {
			return err
		}
		return writeColumnOrder(ctx, tx, scope.ProjectID, order)
	})
}

func (s *PostgresStore) InsertChat(ctx context.Context, scope Scope, item ChatMessage) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_chats (id, project_id, author_id, text, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, item.ID, scope.ProjectID, item.AuthorID, item.Text, item.CreatedAt); err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) InsertLink(ctx context.Context, scope Scope, item Link) error {
	return s.withMember(ctx, scope, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_links (id, project_id, title, url, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, item.ID, scope.ProjectID, item.Title, item.URL, item.CreatedBy, item.CreatedAt); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) listSubtasks(ctx context.Context, where string, args ...any) ([]Subtask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, title, completed, created_by, created_at
		FROM subtasks
		`+where+`
		ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	items := make([]Subtask, 0)
	for rows.Next() {
		var item Subtask
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Title, &item.Completed, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return items, nil
}

func lockTaskIDs(ctx context.Context, tx *sql.Tx, columnID string) ([]string, error) {
	var raw []byte
	if err := tx.QueryRowContext(ctx, `SELECT task_ids FROM columns WHERE id=$1 FOR UPDATE`, columnID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock column: %w", err)
	}
	ids := make([]string, 0)
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode column task ids: %w", err)
	}
	return ids, nil
}

func writeTaskIDs(ctx context.Context, tx *sql.Tx, columnID string, ids []string) error {
	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal column task ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE columns SET task_ids=$2::jsonb WHERE id=$1`, columnID, string(encoded)); err != nil {
		return fmt.Errorf("write column task ids: %w", err)
	}
	return nil
}

func renumber(ctx context.Context, tx *sql.Tx, columnID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT renumber_column($1)`, columnID); err != nil {
		return fmt.Errorf("renumber column: %w", err)
	}
	return nil
}

func lockColumnOrder(ctx context.Context, tx *sql.Tx, projectID string) ([]string, error) {
	var raw []byte
	if err := tx.QueryRowContext(ctx, `SELECT column_order FROM projects WHERE id=$1 FOR UPDATE`, projectID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock project: %w", err)
	}
	order := make([]string, 0)
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("decode column order: %w", err)
	}
	return order, nil
}

func writeColumnOrder(ctx context.Context, tx *sql.Tx, projectID string, order []string) error {
	if order == nil {
		order = []string{}
	}
	encoded, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal column order: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET column_order=$2::jsonb WHERE id=$1`, projectID, string(encoded)); err != nil {
		return fmt.Errorf("write column order: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result, entity string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return nil
}

func nullableString(value *string) any {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}
