package board

import (
	"fmt"
	"sort"
)

// RepairColumn restores the permutation invariant for one column. The
// column's own list order is kept; ids that vanished, belong to another
// column, or repeat are dropped; owned tasks the list omitted are appended
// by stored position. Task positions are re-derived from the result.
// It reports whether the list changed.
func RepairColumn(b *Board, columnID string) bool {
	column, ok := b.Columns[columnID]
	if !ok {
		return false
	}

	seen := make(map[string]struct{}, len(column.TaskIDs))
	repaired := make([]string, 0, len(column.TaskIDs))
	for _, id := range column.TaskIDs {
		task, ok := b.Tasks[id]
		if !ok || task.ColumnID != columnID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		repaired = append(repaired, id)
	}

	missing := make([]*Task, 0)
	for id, task := range b.Tasks {
		if task.ColumnID != columnID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		missing = append(missing, task)
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Position != missing[j].Position {
			return missing[i].Position < missing[j].Position
		}
		if !missing[i].CreatedAt.Equal(missing[j].CreatedAt) {
			return missing[i].CreatedAt.Before(missing[j].CreatedAt)
		}
		return missing[i].ID < missing[j].ID
	})
	for _, task := range missing {
		repaired = append(repaired, task.ID)
	}

	changed := !equalIDs(column.TaskIDs, repaired)
	column.TaskIDs = repaired
	for index, id := range repaired {
		b.Tasks[id].Position = index
	}
	return changed
}

// RepairBoard repairs the column order and every column list.
func RepairBoard(b *Board) {
	repairColumnOrder(b, nil)
	for _, columnID := range b.ColumnOrder {
		RepairColumn(b, columnID)
	}
}

// repairColumnOrder keeps listed columns that exist, once, and appends the
// rest in fallback order, then by id.
func repairColumnOrder(b *Board, fallback []string) {
	seen := make(map[string]struct{}, len(b.Columns))
	repaired := make([]string, 0, len(b.Columns))
	for _, id := range b.ColumnOrder {
		if _, ok := b.Columns[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		repaired = append(repaired, id)
	}
	for _, id := range fallback {
		if _, ok := b.Columns[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		repaired = append(repaired, id)
	}
	rest := make([]string, 0)
	for id := range b.Columns {
		if _, ok := seen[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	b.ColumnOrder = append(repaired, rest...)
}

// Validate reports the first violation of the board invariants, or nil.
func Validate(b *Board) error {
	owner := make(map[string]string, len(b.Tasks))
	for columnID, column := range b.Columns {
		for _, id := range column.TaskIDs {
			task, ok := b.Tasks[id]
			if !ok {
				return fmt.Errorf("column %s lists unknown task %s", columnID, id)
			}
			if task.ColumnID != columnID {
				return fmt.Errorf("column %s lists task %s owned by %s", columnID, id, task.ColumnID)
			}
			if previous, dup := owner[id]; dup {
				return fmt.Errorf("task %s listed twice (columns %s and %s)", id, previous, columnID)
			}
			owner[id] = columnID
		}
	}
	for id, task := range b.Tasks {
		if _, ok := owner[id]; !ok {
			return fmt.Errorf("task %s missing from column %s", id, task.ColumnID)
		}
	}
	seen := make(map[string]struct{}, len(b.ColumnOrder))
	for _, id := range b.ColumnOrder {
		if _, ok := b.Columns[id]; !ok {
			return fmt.Errorf("column order lists unknown column %s", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("column %s listed twice in column order", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) != len(b.Columns) {
		return fmt.Errorf("column order covers %d of %d columns", len(seen), len(b.Columns))
	}
	return nil
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
