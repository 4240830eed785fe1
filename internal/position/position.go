// Package position keeps explicit sibling order sequences: a column's task
// list or a project's column list. Every operation is an exact splice on a
// copy; inputs are never modified.
package position

// Insert places id at index, clamped to [0, len]. An id already present is
// moved rather than duplicated.
func Insert(order []string, id string, index int) []string {
	base := Remove(order, id)
	index = clamp(index, len(base))
	out := make([]string, 0, len(base)+1)
	out = append(out, base[:index]...)
	out = append(out, id)
	out = append(out, base[index:]...)
	return out
}

// Move relocates id within one sequence. index refers to the sequence after
// id has been removed. An id not present is inserted.
func Move(order []string, id string, index int) []string {
	return Insert(order, id, index)
}

// MoveBetween removes id from src and inserts it into dst at index. Both
// results are returned together so callers can swap them in at once.
func MoveBetween(src, dst []string, id string, index int) ([]string, []string) {
	return Remove(src, id), Insert(dst, id, index)
}

// Remove drops every occurrence of id.
func Remove(order []string, id string) []string {
	out := make([]string, 0, len(order))
	for _, item := range order {
		if item != id {
			out = append(out, item)
		}
	}
	return out
}

// IndexOf returns the index of id or -1.
func IndexOf(order []string, id string) int {
	for i, item := range order {
		if item == id {
			return i
		}
	}
	return -1
}

func clamp(index, length int) int {
	if index < 0 {
		return 0
	}
	if index > length {
		return length
	}
	return index
}
