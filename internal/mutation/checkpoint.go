package mutation

import "taskboard/api/internal/board"

// checkpoint holds copies of the parts of one board a mutation may touch:
// the named columns, every task they own, named tasks, and optionally the
// column order. A nil copy means the entity did not exist.
type checkpoint struct {
	board     *board.Board
	columns   map[string]*board.Column
	tasks     map[string]*board.Task
	order     []string
	withOrder bool
}

func newCheckpoint(b *board.Board, columnIDs, taskIDs []string, withOrder bool) *checkpoint {
	cp := &checkpoint{
		board:     b,
		columns:   make(map[string]*board.Column, len(columnIDs)),
		tasks:     make(map[string]*board.Task),
		withOrder: withOrder,
	}
	owned := make(map[string]struct{}, len(columnIDs))
	for _, id := range columnIDs {
		cp.columns[id] = b.Columns[id].Clone()
		owned[id] = struct{}{}
	}
	for id, task := range b.Tasks {
		if _, ok := owned[task.ColumnID]; ok {
			cp.tasks[id] = task.Clone()
		}
	}
	for _, id := range taskIDs {
		cp.tasks[id] = b.Tasks[id].Clone()
	}
	if withOrder {
		cp.order = append([]string{}, b.ColumnOrder...)
	}
	return cp
}

// restore puts every captured entity back and removes the ones that did not
// exist, then repairs the board so events applied in between cannot leave
// it inconsistent.
func (cp *checkpoint) restore() {
	for id, column := range cp.columns {
		if column == nil {
			delete(cp.board.Columns, id)
			continue
		}
		cp.board.Columns[id] = column
	}
	for id, task := range cp.tasks {
		if task == nil {
			delete(cp.board.Tasks, id)
			continue
		}
		cp.board.Tasks[id] = task
	}
	if cp.withOrder {
		cp.board.ColumnOrder = cp.order
	}
	board.RepairBoard(cp.board)
}
