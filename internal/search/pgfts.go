package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL as a fallback: full-text
// search over tasks.fts, substring matching for project and user names.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// buildQuery renders the UNION ALL of the selected result types. $1 is the
// search text and $2 the visible project ids.
func buildQuery(q Query) (countSQL, dataSQL string, args []any) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	like := "'%' || $1 || '%'"
	args = []any{q.Text, q.ProjectIDs}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultTask {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'task'::text AS type, t.id, t.title,
				ts_headline('english', coalesce(t.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.project_id,
				ts_rank(t.fts, %s) AS rank
			FROM tasks t
			WHERE t.fts @@ %s AND t.project_id = ANY($2)`, tsQuery, tsQuery, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultProject {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'project'::text AS type, p.id, p.name AS title,
				coalesce(p.description, '') AS snippet,
				p.id AS project_id,
				0.5::real AS rank
			FROM projects p
			WHERE (p.name ILIKE %s OR p.description ILIKE %s) AND p.id = ANY($2)`, like, like))
	}
	if q.FilterType == "" || q.FilterType == ResultUser {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT DISTINCT 'user'::text AS type, u.id, u.display_name AS title,
				coalesce(u.email, '') AS snippet,
				''::text AS project_id,
				0.25::real AS rank
			FROM users u
			JOIN project_members pm ON pm.user_id = u.id
			WHERE (u.display_name ILIKE %s OR u.email ILIKE %s) AND pm.project_id = ANY($2)`, like, like))
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL = fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL = fmt.Sprintf(`SELECT type, id, title, snippet, project_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)
	return countSQL, dataSQL, args
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.ProjectIDs) == 0 {
		return nil, 0, nil
	}
	countSQL, dataSQL, args := buildQuery(q)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TaskRecord, []ProjectRecord, []UserRecord, error) {
	taskRows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.description, t.project_id, t.column_id, t.priority,
			coalesce(t.assignee_id, ''),
			coalesce((SELECT json_agg(g.name ORDER BY g.name) FROM task_tags tt JOIN tags g ON g.id = tt.tag_id WHERE tt.task_id = t.id), '[]'::json)
		FROM tasks t
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()

	tasks := make([]TaskRecord, 0)
	for taskRows.Next() {
		var t TaskRecord
		var tags []byte
		if err := taskRows.Scan(&t.ID, &t.Title, &t.Description, &t.ProjectID, &t.ColumnID, &t.Priority, &t.AssigneeID, &tags); err != nil {
			return nil, nil, nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal(tags, &t.Tags); err != nil {
			return nil, nil, nil, fmt.Errorf("decode task tags: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}

	projectRows, err := p.db.QueryContext(ctx, `SELECT id, name, coalesce(description, '') FROM projects`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projectRows.Close()

	projects := make([]ProjectRecord, 0)
	for projectRows.Next() {
		var pr ProjectRecord
		if err := projectRows.Scan(&pr.ID, &pr.Name, &pr.Description); err != nil {
			return nil, nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, pr)
	}
	if err := projectRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate projects: %w", err)
	}

	userRows, err := p.db.QueryContext(ctx, `
		SELECT u.id, u.display_name, coalesce(u.email, ''),
			coalesce((SELECT json_agg(pm.project_id ORDER BY pm.project_id) FROM project_members pm WHERE pm.user_id = u.id), '[]'::json)
		FROM users u
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load users: %w", err)
	}
	defer userRows.Close()

	users := make([]UserRecord, 0)
	for userRows.Next() {
		var u UserRecord
		var projectIDs []byte
		if err := userRows.Scan(&u.ID, &u.Name, &u.Email, &projectIDs); err != nil {
			return nil, nil, nil, fmt.Errorf("scan user: %w", err)
		}
		if err := json.Unmarshal(projectIDs, &u.ProjectIDs); err != nil {
			return nil, nil, nil, fmt.Errorf("decode user projects: %w", err)
		}
		users = append(users, u)
	}
	if err := userRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate users: %w", err)
	}

	return tasks, projects, users, nil
}
