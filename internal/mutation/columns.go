package mutation

import (
	"context"
	"strings"
	"time"

	"taskboard/api/internal/board"
	"taskboard/api/internal/position"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

// CreateColumn adds a column to a project at index; a negative index
// appends.
func (c *Coordinator) CreateColumn(ctx context.Context, projectID, title string, index int) (board.Column, error) {
	const op = "create_column"
	c.serial.Lock()
	defer c.serial.Unlock()

	if err := validateTitle(op, title); err != nil {
		return board.Column{}, err
	}
	if err := c.checkProject(op, projectID); err != nil {
		return board.Column{}, err
	}

	at := c.now().UTC()
	column := board.Column{ID: c.newID("col"), ProjectID: projectID, Title: strings.TrimSpace(title), TaskIDs: []string{}}
	var final int
	err := c.execute(ctx, plan{
		op:        op,
		projectID: projectID,
		apply: func(g *board.Graph) (func(), error) {
			b, err := projectBoard(g, op, projectID)
			if err != nil {
				return nil, err
			}
			cp := newCheckpoint(b, []string{column.ID}, nil, true)
			if index < 0 || index > len(b.ColumnOrder) {
				index = len(b.ColumnOrder)
			}
			created := column
			created.TaskIDs = []string{}
			b.Columns[column.ID] = &created
			b.ColumnOrder = position.Insert(b.ColumnOrder, column.ID, index)
			final = position.IndexOf(b.ColumnOrder, column.ID)
			return cp.restore, nil
		},
		persist: func(ctx context.Context, scope store.Scope) error {
			return c.store.InsertColumn(ctx, scope, store.Column{ID: column.ID, ProjectID: projectID, Title: column.Title}, final)
		},
		notify: func(g *board.Graph) []realtime.Event {
			return columnEvents(g, projectID, column.ID, c.actorID, at, true)
		},
	})
	if err != nil {
		return board.Column{}, err
	}
	return column, nil
}

func (c *Coordinator) RenameColumn(ctx context.Context, columnID, title string) (board.Column, error) {
	const op = "rename_column"
	c.serial.Lock()
	defer c.serial.Unlock()

	if err := validateTitle(op, title); err != nil {
		return board.Column{}, err
	}
	project, err := c.columnProject(op, columnID)
	if err != nil {
		return board.Column{}, err
	}
	c.captureColumn(ctx, op, columnID)

	at := c.now().UTC()
	title = strings.TrimSpace(title)
	err = c.execute(ctx, plan{
		op:        op,
		projectID: project.ID,
		apply: func(g *board.Graph) (func(), error) {
			column, owner, ok := g.Column(columnID)
			if !ok {
				return nil, notFoundError(op, "column %s was removed concurrently", columnID)
			}
			cp := newCheckpoint(owner.Board, []string{columnID}, nil, false)
			column.Title = title
			return cp.restore, nil
		},
		persist: func(ctx context.Context, scope store.Scope) error {
			return c.store.RenameColumn(ctx, scope, columnID, title)
		},
		notify: func(g *board.Graph) []realtime.Event {
			return columnEvents(g, project.ID, columnID, c.actorID, at, false)
		},
	})
	if err != nil {
		return board.Column{}, err
	}
	return c.snapshotColumn(columnID), nil
}

// DeleteColumn removes a column together with its tasks.
func (c *Coordinator) DeleteColumn(ctx context.Context, columnID string) error {
	const op = "delete_column"
	c.serial.Lock()
	defer c.serial.Unlock()

	project, err := c.columnProject(op, columnID)
	if err != nil {
		return err
	}
	c.captureColumn(ctx, op, columnID)

	at := c.now().UTC()
	var removed []string
	return c.execute(ctx, plan{
		op:        op,
		projectID: project.ID,
		apply: func(g *board.Graph) (func(), error) {
			b, err := projectBoard(g, op, project.ID)
			if err != nil {
				return nil, err
			}
			cp := newCheckpoint(b, []string{columnID}, nil, true)
			removed = removed[:0]
			for id, task := range b.Tasks {
				if task.ColumnID == columnID {
					removed = append(removed, id)
					delete(b.Tasks, id)
				}
			}
			delete(b.Columns, columnID)
			b.ColumnOrder = position.Remove(b.ColumnOrder, columnID)
			return cp.restore, nil
		},
		persist: func(ctx context.Context, scope store.Scope) error {
			return c.store.DeleteColumn(ctx, scope, columnID)
		},
		notify: func(g *board.Graph) []realtime.Event {
			return []realtime.Event{{Type: realtime.EventColumnDelete, ProjectID: project.ID, EntityID: columnID, ActorID: c.actorID, Timestamp: at}}
		},
		index: func(indexer Indexer, g *board.Graph) {
			for _, id := range removed {
				indexer.RemoveTask(id)
			}
		},
	})
}

// MoveColumn moves a column to index in its project's column order. The
// index refers to the order after the column has been taken out.
func (c *Coordinator) MoveColumn(ctx context.Context, columnID string, index int) ([]string, error) {
	const op = "move_column"
	c.serial.Lock()
	defer c.serial.Unlock()

	if index < 0 {
		return nil, validationError(op, "index must not be negative")
	}
	project, err := c.columnProject(op, columnID)
	if err != nil {
		return nil, err
	}
	c.captureColumnOrder(ctx, op, project.ID)

	at := c.now().UTC()
	var order []string
	err = c.execute(ctx, plan{
		op:        op,
		projectID: project.ID,
		apply: func(g *board.Graph) (func(), error) {
			b, err := projectBoard(g, op, project.ID)
			if err != nil {
				return nil, err
			}
			if _, ok := b.Columns[columnID]; !ok {
				return nil, notFoundError(op, "column %s was removed concurrently", columnID)
			}
			cp := newCheckpoint(b, nil, nil, true)
			b.ColumnOrder = position.Move(b.ColumnOrder, columnID, index)
			order = append([]string{}, b.ColumnOrder...)
			return cp.restore, nil
		},
		persist: func(ctx context.Context, scope store.Scope) error {
			return c.store.SetColumnOrder(ctx, scope, order)
		},
		notify: func(g *board.Graph) []realtime.Event {
			return []realtime.Event{{Type: realtime.EventColumnOrder, ProjectID: project.ID, EntityID: project.ID, ActorID: c.actorID, Timestamp: at, ColumnOrder: order}}
		},
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (c *Coordinator) captureColumn(ctx context.Context, op, columnID string) {
	var row store.Column
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		row, err = c.store.GetColumn(ctx, columnID)
		return err
	})
	if err != nil {
		c.conflict(op, columnID, "authoritative column unavailable, using local state", err)
		return
	}
	c.mu.RLock()
	local, _, ok := c.graph.Column(columnID)
	stale := ok && (local.Title != row.Title || strings.Join(local.TaskIDs, ",") != strings.Join(row.TaskIDs, ","))
	c.mu.RUnlock()
	if stale {
		c.conflict(op, columnID, "local column is stale relative to the store", nil)
	}
}

func (c *Coordinator) captureColumnOrder(ctx context.Context, op, projectID string) {
	var row store.Project
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		row, err = c.store.GetProject(ctx, projectID)
		return err
	})
	if err != nil {
		c.conflict(op, projectID, "authoritative column order unavailable, using local state", err)
		return
	}
	c.mu.RLock()
	project, ok := c.graph.Projects[projectID]
	stale := ok && project.Board != nil && strings.Join(project.Board.ColumnOrder, ",") != strings.Join(row.ColumnOrder, ",")
	c.mu.RUnlock()
	if stale {
		c.conflict(op, projectID, "local column order is stale relative to the store", nil)
	}
}

func (c *Coordinator) checkProject(op, projectID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, err := projectBoard(c.graph, op, projectID); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) snapshotColumn(columnID string) board.Column {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if column, _, ok := c.graph.Column(columnID); ok {
		return *column.Clone()
	}
	return board.Column{}
}

func projectBoard(g *board.Graph, op, projectID string) (*board.Board, error) {
	project, ok := g.Projects[projectID]
	if !ok || project.Board == nil {
		return nil, notFoundError(op, "project %s is not in the workspace", projectID)
	}
	return project.Board, nil
}

func columnEvents(g *board.Graph, projectID, columnID, actorID string, at time.Time, withOrder bool) []realtime.Event {
	column, project, ok := g.Column(columnID)
	if !ok {
		return nil
	}
	events := []realtime.Event{{
		Type:      realtime.EventColumnUpsert,
		ProjectID: projectID,
		EntityID:  columnID,
		ActorID:   actorID,
		Timestamp: at,
		Column:    column.Clone(),
	}}
	if withOrder {
		events = append(events, realtime.Event{
			Type:        realtime.EventColumnOrder,
			ProjectID:   projectID,
			EntityID:    projectID,
			ActorID:     actorID,
			Timestamp:   at,
			ColumnOrder: append([]string{}, project.Board.ColumnOrder...),
		})
	}
	return events
}
