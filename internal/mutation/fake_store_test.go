package mutation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/api/internal/board"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeStore keeps just enough authoritative state for the coordinator:
// tasks, their tags and the canonical tag table. Every method can be
// overridden with its fn field.
type fakeStore struct {
	mu       sync.Mutex
	projects map[string]store.Project
	columns  map[string]store.Column
	tasks    map[string]store.Task
	tags     map[string]store.Tag
	taskTags map[string]map[string]string
	history  []store.HistoryEntry
	chats    []store.ChatMessage
	links    []store.Link
	subtasks map[string]store.Subtask
	moves    []string
	calls    []string

	getTaskSnapshotFn func(context.Context, string) (store.TaskSnapshot, error)
	getColumnFn       func(context.Context, string) (store.Column, error)
	insertTaskFn      func(context.Context, store.Scope, store.Task, int) error
	updateTaskFn      func(context.Context, store.Scope, store.TaskPatch) error
	moveTaskFn        func(context.Context, store.Scope, string, string, int) error
	deleteTaskFn      func(context.Context, store.Scope, string) error
	insertHistoryFn   func(context.Context, store.Scope, []store.HistoryEntry) error
	upsertTagFn       func(context.Context, string) (store.Tag, error)
	insertColumnFn    func(context.Context, store.Scope, store.Column, int) error
	deleteColumnFn    func(context.Context, store.Scope, string) error
	setColumnOrderFn  func(context.Context, store.Scope, []string) error
	insertChatFn      func(context.Context, store.Scope, store.ChatMessage) error
	insertSubtaskFn   func(context.Context, store.Scope, store.Subtask) error
}

func newFakeStore(snap store.Snapshot) *fakeStore {
	f := &fakeStore{
		projects: make(map[string]store.Project),
		columns:  make(map[string]store.Column),
		tasks:    make(map[string]store.Task),
		tags:     make(map[string]store.Tag),
		taskTags: make(map[string]map[string]string),
		subtasks: make(map[string]store.Subtask),
	}
	for _, row := range snap.Projects {
		f.projects[row.ID] = row
	}
	for _, row := range snap.Columns {
		f.columns[row.ID] = row
	}
	for _, row := range snap.Tasks {
		f.tasks[row.ID] = row
	}
	for _, row := range snap.TaskTags {
		f.tags[row.Name] = store.Tag{ID: row.TagID, Name: row.Name}
		if f.taskTags[row.TaskID] == nil {
			f.taskTags[row.TaskID] = make(map[string]string)
		}
		f.taskTags[row.TaskID][row.TagID] = row.Name
	}
	return f
}

func (f *fakeStore) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStore) tagNames(taskID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.taskTags[taskID]))
	for _, name := range f.taskTags[taskID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *fakeStore) GetTaskSnapshot(ctx context.Context, taskID string) (store.TaskSnapshot, error) {
	if f.getTaskSnapshotFn != nil {
		return f.getTaskSnapshotFn(ctx, taskID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.tasks[taskID]
	if !ok {
		return store.TaskSnapshot{}, store.ErrNotFound
	}
	names := make([]string, 0, len(f.taskTags[taskID]))
	for _, name := range f.taskTags[taskID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return store.TaskSnapshot{Task: row, Tags: names}, nil
}

func (f *fakeStore) GetColumn(ctx context.Context, columnID string) (store.Column, error) {
	if f.getColumnFn != nil {
		return f.getColumnFn(ctx, columnID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.columns[columnID]
	if !ok {
		return store.Column{}, store.ErrNotFound
	}
	return row, nil
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.projects[projectID]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return row, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, scope store.Scope, task store.Task, index int) error {
	f.record("insert_task")
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, scope, task, index)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, scope store.Scope, patch store.TaskPatch) error {
	f.record("update_task")
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, scope, patch)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.tasks[patch.ID]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Title != nil {
		current.Title = *patch.Title
	}
	if patch.Description != nil {
		current.Description = *patch.Description
	}
	if patch.Priority != nil {
		current.Priority = *patch.Priority
	}
	if patch.AssigneeID != nil {
		current.AssigneeID = nil
		if *patch.AssigneeID != "" {
			assignee := *patch.AssigneeID
			current.AssigneeID = &assignee
		}
	}
	if patch.ClearDueDate {
		current.DueDate = nil
	} else if patch.DueDate != nil {
		due := *patch.DueDate
		current.DueDate = &due
	}
	f.tasks[patch.ID] = current
	return nil
}

func (f *fakeStore) MoveTask(ctx context.Context, scope store.Scope, taskID, columnID string, index int) error {
	f.record("move_task")
	if f.moveTaskFn != nil {
		return f.moveTaskFn(ctx, scope, taskID, columnID, index)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	current.ColumnID = columnID
	f.tasks[taskID] = current
	f.moves = append(f.moves, fmt.Sprintf("%s->%s@%d", taskID, columnID, index))
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, scope store.Scope, taskID string) error {
	f.record("delete_task")
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, scope, taskID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[taskID]; !ok {
		return store.ErrNotFound
	}
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeStore) InsertSubtask(ctx context.Context, scope store.Scope, item store.Subtask) error {
	f.record("insert_subtask")
	if f.insertSubtaskFn != nil {
		return f.insertSubtaskFn(ctx, scope, item)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subtasks[item.ID] = item
	return nil
}

func (f *fakeStore) UpdateSubtask(_ context.Context, _ store.Scope, item store.Subtask) error {
	f.record("update_subtask")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subtasks[item.ID] = item
	return nil
}

func (f *fakeStore) DeleteSubtask(_ context.Context, _ store.Scope, subtaskID string) error {
	f.record("delete_subtask")
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subtasks, subtaskID)
	return nil
}

func (f *fakeStore) InsertComment(context.Context, store.Scope, store.Comment) error {
	f.record("insert_comment")
	return nil
}

func (f *fakeStore) InsertHistory(ctx context.Context, scope store.Scope, entries []store.HistoryEntry) error {
	f.record("insert_history")
	if f.insertHistoryFn != nil {
		return f.insertHistoryFn(ctx, scope, entries)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, entries...)
	return nil
}

func (f *fakeStore) UpsertTag(ctx context.Context, name string) (store.Tag, error) {
	f.record("upsert_tag")
	if f.upsertTagFn != nil {
		return f.upsertTagFn(ctx, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if tag, ok := f.tags[name]; ok {
		return tag, nil
	}
	tag := store.Tag{ID: fmt.Sprintf("tag%d", len(f.tags)+1), Name: name}
	f.tags[name] = tag
	return tag, nil
}

func (f *fakeStore) AddTaskTag(_ context.Context, _ store.Scope, taskID, tagID string) error {
	f.record("add_task_tag")
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, tag := range f.tags {
		if tag.ID == tagID {
			if f.taskTags[taskID] == nil {
				f.taskTags[taskID] = make(map[string]string)
			}
			f.taskTags[taskID][tagID] = name
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) RemoveTaskTag(_ context.Context, _ store.Scope, taskID, name string) error {
	f.record("remove_task_tag")
	f.mu.Lock()
	defer f.mu.Unlock()
	for tagID, tagName := range f.taskTags[taskID] {
		if tagName == name {
			delete(f.taskTags[taskID], tagID)
		}
	}
	return nil
}

func (f *fakeStore) InsertColumn(ctx context.Context, scope store.Scope, column store.Column, index int) error {
	f.record("insert_column")
	if f.insertColumnFn != nil {
		return f.insertColumnFn(ctx, scope, column, index)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.columns[column.ID] = column
	return nil
}

func (f *fakeStore) RenameColumn(_ context.Context, _ store.Scope, columnID, title string) error {
	f.record("rename_column")
	f.mu.Lock()
	defer f.mu.Unlock()
	column, ok := f.columns[columnID]
	if !ok {
		return store.ErrNotFound
	}
	column.Title = title
	f.columns[columnID] = column
	return nil
}

func (f *fakeStore) DeleteColumn(ctx context.Context, scope store.Scope, columnID string) error {
	f.record("delete_column")
	if f.deleteColumnFn != nil {
		return f.deleteColumnFn(ctx, scope, columnID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.columns, columnID)
	return nil
}

func (f *fakeStore) SetColumnOrder(ctx context.Context, scope store.Scope, order []string) error {
	f.record("set_column_order")
	if f.setColumnOrderFn != nil {
		return f.setColumnOrderFn(ctx, scope, order)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	project := f.projects[scope.ProjectID]
	project.ColumnOrder = append([]string{}, order...)
	f.projects[scope.ProjectID] = project
	return nil
}

func (f *fakeStore) InsertChat(ctx context.Context, scope store.Scope, item store.ChatMessage) error {
	f.record("insert_chat")
	if f.insertChatFn != nil {
		return f.insertChatFn(ctx, scope, item)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, item)
	return nil
}

func (f *fakeStore) InsertLink(_ context.Context, _ store.Scope, item store.Link) error {
	f.record("insert_link")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, item)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	events []realtime.Event
}

func (p *fakePublisher) Publish(_ context.Context, topic string, event realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) published() []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.Event{}, p.events...)
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
	removed []string
}

func (i *fakeIndexer) IndexTask(task board.Task) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.indexed = append(i.indexed, task.ID)
}

func (i *fakeIndexer) RemoveTask(taskID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removed = append(i.removed, taskID)
}

func boardSnapshot() store.Snapshot {
	return store.Snapshot{
		UserID: "u1",
		Users: []store.User{
			{ID: "u1", DisplayName: "Avery"},
			{ID: "u2", DisplayName: "Blake"},
		},
		Projects: []store.Project{
			{ID: "p1", Name: "Launch", ColumnOrder: []string{"todo", "done"}, CreatedBy: "u1", CreatedAt: t0},
		},
		Members: []store.ProjectMember{
			{ProjectID: "p1", UserID: "u1", Role: "owner", Position: 0},
			{ProjectID: "p1", UserID: "u2", Role: "member", Position: 1},
		},
		Columns: []store.Column{
			{ID: "todo", ProjectID: "p1", Title: "To Do", TaskIDs: []string{"t1", "t2"}},
			{ID: "done", ProjectID: "p1", Title: "Done", TaskIDs: []string{"t3"}},
		},
		Tasks: []store.Task{
			{ID: "t1", ProjectID: "p1", ColumnID: "todo", Title: "Fix login bug", Priority: "High", Position: 0, CreatedAt: t0},
			{ID: "t2", ProjectID: "p1", ColumnID: "todo", Title: "Write docs", Priority: "Low", Position: 1, CreatedAt: t0},
			{ID: "t3", ProjectID: "p1", ColumnID: "done", Title: "Ship", Priority: "Urgent", Position: 0, CreatedAt: t0},
		},
		TaskTags: []store.TaskTag{
			{TaskID: "t1", TagID: "g1", Name: "bug"},
			{TaskID: "t1", TagID: "g2", Name: "urgent"},
		},
	}
}

type harness struct {
	coord *Coordinator
	store *fakeStore
	pub   *fakePublisher
	index *fakeIndexer
	hook  *test.Hook
}

func newHarness(t *testing.T, actorID string, fs *fakeStore) *harness {
	t.Helper()
	graph, warnings := board.Assemble(boardSnapshot())
	if len(warnings) != 0 {
		t.Fatalf("fixture assembled with warnings: %v", warnings)
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h := &harness{store: fs, pub: &fakePublisher{}, index: &fakeIndexer{}, hook: hook}
	var n int
	h.coord = New(graph, actorID, Options{
		Store:     fs,
		Publisher: h.pub,
		Indexer:   h.index,
		Logger:    logger,
		Timeout:   time.Second,
		Now:       func() time.Time { return t0.Add(time.Hour) },
		NewID: func(prefix string) string {
			n++
			return fmt.Sprintf("%s-%s-%d", prefix, actorID, n)
		},
	})
	return h
}

func (h *harness) task(t *testing.T, taskID string) board.Task {
	t.Helper()
	var out board.Task
	var found bool
	h.coord.View(func(g *board.Graph) {
		task, _, ok := g.Task(taskID)
		if ok {
			out, found = *task.Clone(), true
		}
	})
	if !found {
		t.Fatalf("task %s not on the board", taskID)
	}
	return out
}

func (h *harness) board(t *testing.T) *board.Board {
	t.Helper()
	var b *board.Board
	h.coord.View(func(g *board.Graph) { b = g.Projects["p1"].Board })
	return b
}

func (h *harness) validate(t *testing.T) {
	t.Helper()
	h.coord.View(func(g *board.Graph) {
		if err := board.Validate(g.Projects["p1"].Board); err != nil {
			t.Fatalf("board invariants violated: %v", err)
		}
	})
}

func (h *harness) warnings(kind Kind) []*logrus.Entry {
	var out []*logrus.Entry
	for _, entry := range h.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["kind"] == kind.String() {
			out = append(out, entry)
		}
	}
	return out
}
