package realtime

import (
	"context"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/board"
	"taskboard/api/internal/position"
)

// Workspace serializes changes to one user's graph.
type Workspace interface {
	Update(fn func(g *board.Graph))
}

// Dispatcher applies inbound events to a workspace graph. Applying the same
// event twice leaves the graph unchanged.
type Dispatcher struct {
	workspace Workspace
	logger    log.FieldLogger
}

func NewDispatcher(workspace Workspace, logger log.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Dispatcher{workspace: workspace, logger: logger.WithField("component", "dispatcher")}
}

// Run applies events from sub until it ends or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			d.Apply(event)
		}
	}
}

func (d *Dispatcher) Apply(event Event) {
	d.workspace.Update(func(g *board.Graph) {
		if event.Type == EventPresence {
			return
		}
		project, ok := g.Projects[event.ProjectID]
		if !ok || project.Board == nil {
			d.logger.WithFields(log.Fields{"type": event.Type, "project": event.ProjectID}).Debug("event for unknown project")
			return
		}
		switch event.Type {
		case EventChat:
			applyChat(project, event.Chat)
		case EventLink:
			applyLink(project, event.Link)
		case EventTaskUpsert:
			applyTaskUpsert(project.Board, event.Task)
		case EventTaskDelete:
			applyTaskDelete(project.Board, event.EntityID)
		case EventColumnUpsert:
			applyColumnUpsert(project.Board, event.Column)
		case EventColumnDelete:
			applyColumnDelete(project.Board, event.EntityID)
		case EventColumnOrder:
			project.Board.ColumnOrder = append([]string{}, event.ColumnOrder...)
			board.RepairBoard(project.Board)
		default:
			d.logger.WithField("type", event.Type).Warn("unknown event type")
		}
	})
}

// Chat is kept in arrival order.
func applyChat(project *board.Project, msg *board.ChatMessage) {
	if msg == nil {
		return
	}
	for _, existing := range project.Chat {
		if existing.ID == msg.ID {
			return
		}
	}
	project.Chat = append(project.Chat, *msg)
}

func applyLink(project *board.Project, link *board.Link) {
	if link == nil {
		return
	}
	for _, existing := range project.Links {
		if existing.ID == link.ID {
			return
		}
	}
	project.Links = append(project.Links, *link)
}

func applyTaskUpsert(b *board.Board, task *board.Task) {
	if task == nil {
		return
	}
	column, ok := b.Columns[task.ColumnID]
	if !ok {
		return
	}
	previous := ""
	if existing, ok := b.Tasks[task.ID]; ok {
		previous = existing.ColumnID
	}
	b.Tasks[task.ID] = task.Clone()
	// Position is the sender's index, so a same-column reorder is a move.
	if current := position.IndexOf(column.TaskIDs, task.ID); current < 0 {
		column.TaskIDs = position.Insert(column.TaskIDs, task.ID, task.Position)
	} else if current != task.Position {
		column.TaskIDs = position.Move(column.TaskIDs, task.ID, task.Position)
	}
	if previous != "" && previous != task.ColumnID {
		board.RepairColumn(b, previous)
	}
	board.RepairColumn(b, task.ColumnID)
}

func applyTaskDelete(b *board.Board, taskID string) {
	task, ok := b.Tasks[taskID]
	if !ok {
		return
	}
	delete(b.Tasks, taskID)
	board.RepairColumn(b, task.ColumnID)
}

func applyColumnUpsert(b *board.Board, column *board.Column) {
	if column == nil {
		return
	}
	existing, ok := b.Columns[column.ID]
	if !ok {
		b.Columns[column.ID] = &board.Column{ID: column.ID, ProjectID: column.ProjectID, Title: column.Title, TaskIDs: append([]string{}, column.TaskIDs...)}
		b.ColumnOrder = append(b.ColumnOrder, column.ID)
	} else {
		existing.Title = column.Title
		if column.TaskIDs != nil {
			existing.TaskIDs = append([]string{}, column.TaskIDs...)
		}
	}
	board.RepairColumn(b, column.ID)
}

func applyColumnDelete(b *board.Board, columnID string) {
	if _, ok := b.Columns[columnID]; !ok {
		return
	}
	for id, task := range b.Tasks {
		if task.ColumnID == columnID {
			delete(b.Tasks, id)
		}
	}
	delete(b.Columns, columnID)
	b.ColumnOrder = position.Remove(b.ColumnOrder, columnID)
}
