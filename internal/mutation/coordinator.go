// Package mutation applies board changes optimistically to a workspace graph
// and reconciles them with the authoritative store.
//
// Every mutation follows the same lifecycle: validate, capture the
// authoritative snapshot of the entity, apply the change to the graph,
// derive history and tag deltas against the snapshot, then persist. The
// persist decides the outcome; on failure the graph is restored to its
// pre-mutation state. History and tag side writes are issued only after the
// persist is confirmed, and their failures are logged, never returned.
package mutation

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/board"
	"taskboard/api/internal/history"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
	"taskboard/api/internal/tags"
	"taskboard/api/internal/util"
)

const defaultTimeout = 5 * time.Second

type Store interface {
	GetTaskSnapshot(ctx context.Context, taskID string) (store.TaskSnapshot, error)
	GetColumn(ctx context.Context, columnID string) (store.Column, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	InsertTask(ctx context.Context, scope store.Scope, task store.Task, index int) error
	UpdateTask(ctx context.Context, scope store.Scope, patch store.TaskPatch) error
	MoveTask(ctx context.Context, scope store.Scope, taskID, columnID string, index int) error
	DeleteTask(ctx context.Context, scope store.Scope, taskID string) error
	InsertSubtask(ctx context.Context, scope store.Scope, item store.Subtask) error
	UpdateSubtask(ctx context.Context, scope store.Scope, item store.Subtask) error
	DeleteSubtask(ctx context.Context, scope store.Scope, subtaskID string) error
	InsertComment(ctx context.Context, scope store.Scope, item store.Comment) error
	InsertHistory(ctx context.Context, scope store.Scope, entries []store.HistoryEntry) error
	UpsertTag(ctx context.Context, name string) (store.Tag, error)
	AddTaskTag(ctx context.Context, scope store.Scope, taskID, tagID string) error
	RemoveTaskTag(ctx context.Context, scope store.Scope, taskID, name string) error
	InsertColumn(ctx context.Context, scope store.Scope, column store.Column, index int) error
	RenameColumn(ctx context.Context, scope store.Scope, columnID, title string) error
	DeleteColumn(ctx context.Context, scope store.Scope, columnID string) error
	SetColumnOrder(ctx context.Context, scope store.Scope, order []string) error
	InsertChat(ctx context.Context, scope store.Scope, item store.ChatMessage) error
	InsertLink(ctx context.Context, scope store.Scope, item store.Link) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, event realtime.Event) error
}

// Indexer receives confirmed task changes. Implementations must not block.
type Indexer interface {
	IndexTask(task board.Task)
	RemoveTask(taskID string)
}

type Options struct {
	Store     Store
	Publisher Publisher
	Indexer   Indexer
	Logger    log.FieldLogger
	Timeout   time.Duration
	Now       func() time.Time
	NewID     func(prefix string) string
}

// Coordinator owns one user's workspace graph. Mutations are serialized in
// issue order; the graph lock is held only around transitions so inbound
// realtime events are applied while a persist is in flight.
type Coordinator struct {
	actorID   string
	store     Store
	publisher Publisher
	indexer   Indexer
	logger    log.FieldLogger
	timeout   time.Duration
	now       func() time.Time
	newID     func(prefix string) string

	serial sync.Mutex
	mu     sync.RWMutex
	graph  *board.Graph
}

func New(graph *board.Graph, actorID string, opts Options) *Coordinator {
	c := &Coordinator{
		actorID:   actorID,
		store:     opts.Store,
		publisher: opts.Publisher,
		indexer:   opts.Indexer,
		logger:    opts.Logger,
		timeout:   opts.Timeout,
		now:       opts.Now,
		newID:     opts.NewID,
		graph:     graph,
	}
	if c.graph == nil {
		c.graph = board.NewGraph()
	}
	if c.logger == nil {
		c.logger = log.StandardLogger()
	}
	c.logger = c.logger.WithField("actor", actorID)
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = util.NewID
	}
	return c
}

func (c *Coordinator) ActorID() string {
	return c.actorID
}

// View runs fn with read access to the graph. fn must not retain it.
func (c *Coordinator) View(fn func(g *board.Graph)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.graph)
}

// Update runs fn with write access to the graph. It is how inbound
// realtime events reach the workspace.
func (c *Coordinator) Update(fn func(g *board.Graph)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.graph)
}

// Replace swaps in a freshly assembled graph.
func (c *Coordinator) Replace(graph *board.Graph) {
	c.serial.Lock()
	defer c.serial.Unlock()
	c.mu.Lock()
	c.graph = graph
	c.mu.Unlock()
}

// plan describes one mutation for execute. apply runs under the graph lock
// and returns the undo used on rollback; an apply error means the graph no
// longer holds the target and nothing was changed. auxiliary runs after
// confirm, and notify builds the events to publish from the confirmed graph.
type plan struct {
	op        string
	projectID string
	apply     func(g *board.Graph) (undo func(), err error)
	persist   func(ctx context.Context, scope store.Scope) error
	auxiliary func(ctx context.Context, scope store.Scope)
	notify    func(g *board.Graph) []realtime.Event
	index     func(indexer Indexer, g *board.Graph)
}

func (c *Coordinator) execute(ctx context.Context, p plan) error {
	op := NewOp(p.op)
	var applyErr error
	c.mu.Lock()
	err := op.Apply(func() func() {
		undo, err := p.apply(c.graph)
		applyErr = err
		return undo
	})
	if err == nil && applyErr != nil {
		_ = op.Rollback()
	}
	c.mu.Unlock()
	if err != nil {
		return &Error{Kind: KindUnknown, Op: p.op, Err: err}
	}
	if applyErr != nil {
		return classify(p.op, applyErr)
	}

	scope := store.Scope{ActorID: c.actorID, ProjectID: p.projectID}
	if err := c.call(ctx, func(ctx context.Context) error { return p.persist(ctx, scope) }); err != nil {
		c.mu.Lock()
		_ = op.Rollback()
		c.mu.Unlock()
		mErr := classify(p.op, err)
		c.logger.WithError(err).WithFields(log.Fields{
			"op":        p.op,
			"project":   p.projectID,
			"kind":      mErr.Kind.String(),
			"retryable": mErr.Retryable(),
		}).Warn("mutation rolled back")
		return mErr
	}

	c.mu.Lock()
	_ = op.Confirm()
	c.mu.Unlock()

	if p.auxiliary != nil {
		p.auxiliary(ctx, scope)
	}
	c.broadcast(ctx, p)
	return nil
}

// call runs fn under the operation timeout. Cancelling ctx does not cancel
// a call already issued; only the timeout does.
func (c *Coordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	return fn(callCtx)
}

func (c *Coordinator) broadcast(ctx context.Context, p plan) {
	var events []realtime.Event
	c.mu.RLock()
	if p.notify != nil {
		events = p.notify(c.graph)
	}
	if p.index != nil && c.indexer != nil {
		p.index(c.indexer, c.graph)
	}
	c.mu.RUnlock()

	if c.publisher == nil {
		return
	}
	topic := realtime.ProjectTopic(p.projectID)
	for _, event := range events {
		err := c.call(ctx, func(ctx context.Context) error { return c.publisher.Publish(ctx, topic, event) })
		if err != nil {
			c.logger.WithError(err).WithFields(log.Fields{"op": p.op, "event": event.Type}).Warn("publish failed")
		}
	}
}

func (c *Coordinator) auxiliaryFailed(op, taskID, what string, err error) {
	aux := &Error{Kind: KindAuxiliary, Op: op, Msg: what, Err: err}
	c.logger.WithError(aux).WithFields(log.Fields{"op": op, "task": taskID, "kind": aux.Kind.String()}).Warn("auxiliary write failed")
}

func (c *Coordinator) conflict(op, entityID, msg string, err error) {
	conflict := &Error{Kind: KindConflict, Op: op, Msg: msg, Err: err}
	c.logger.WithFields(log.Fields{"op": op, "entity": entityID, "kind": conflict.Kind.String()}).Warn(conflict.Error())
}

// localTask returns a copy of the task and its project id.
func (c *Coordinator) localTask(op, taskID string) (board.Task, *board.Project, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, project, ok := c.graph.Task(taskID)
	if !ok {
		return board.Task{}, nil, notFoundError(op, "task %s is not on the board", taskID)
	}
	return *task.Clone(), project, nil
}

// captureTask reads the authoritative state of a task to diff against. When
// the store cannot answer, or disagrees with the local copy, the mutation
// proceeds and a conflict warning is logged.
func (c *Coordinator) captureTask(ctx context.Context, op string, local board.Task) board.Task {
	var snap store.TaskSnapshot
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		snap, err = c.store.GetTaskSnapshot(ctx, local.ID)
		return err
	})
	if err != nil {
		c.conflict(op, local.ID, "authoritative snapshot unavailable, diffing against local state", err)
		return local
	}
	base := *local.Clone()
	base.Title = snap.Task.Title
	base.Description = snap.Task.Description
	if priority, ok := board.ParsePriority(snap.Task.Priority); ok {
		base.Priority = priority
	}
	base.AssigneeID = ""
	if snap.Task.AssigneeID != nil {
		base.AssigneeID = *snap.Task.AssigneeID
	}
	base.DueDate = nil
	if snap.Task.DueDate != nil {
		due := *snap.Task.DueDate
		base.DueDate = &due
	}
	if snap.Task.ColumnID != "" {
		base.ColumnID = snap.Task.ColumnID
	}
	base.Tags = tags.Apply(nil, tags.Delta{ToAdd: snap.Tags})

	if stale(local, base) {
		c.conflict(op, local.ID, "local task is stale relative to the store", nil)
	}
	return base
}

func stale(local, base board.Task) bool {
	if local.Title != base.Title || local.Description != base.Description || local.Priority != base.Priority ||
		local.AssigneeID != base.AssigneeID || local.ColumnID != base.ColumnID {
		return true
	}
	if (local.DueDate == nil) != (base.DueDate == nil) || (local.DueDate != nil && !local.DueDate.Equal(*base.DueDate)) {
		return true
	}
	return !tags.Reconcile(local.Tags, base.Tags).Empty()
}

// deriveHistory diffs base against next and assigns entry ids.
func (c *Coordinator) deriveHistory(g *board.Graph, base, next board.Task, at time.Time) []board.HistoryEntry {
	entries := history.Diff(base, next, c.actorID, g, at)
	for i := range entries {
		entries[i].ID = c.newID("hist")
	}
	return entries
}

func (c *Coordinator) writeHistory(ctx context.Context, op string, scope store.Scope, taskID string, entries []board.HistoryEntry) {
	if len(entries) == 0 {
		return
	}
	rows := make([]store.HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, store.HistoryEntry{
			ID:          entry.ID,
			TaskID:      entry.TaskID,
			ActorID:     entry.ActorID,
			Description: entry.Description,
			CreatedAt:   entry.CreatedAt,
		})
	}
	err := c.call(ctx, func(ctx context.Context) error { return c.store.InsertHistory(ctx, scope, rows) })
	if err != nil {
		c.auxiliaryFailed(op, taskID, "history write", err)
	}
}

// writeTags applies delta to the store. Adds go through an upsert by name
// so concurrent creators of a new tag share one canonical row. Both
// directions are idempotent.
func (c *Coordinator) writeTags(ctx context.Context, scope store.Scope, taskID string, delta tags.Delta) error {
	for _, name := range delta.ToAdd {
		err := c.call(ctx, func(ctx context.Context) error {
			tag, err := c.store.UpsertTag(ctx, name)
			if err != nil {
				return err
			}
			return c.store.AddTaskTag(ctx, scope, taskID, tag.ID)
		})
		if err != nil {
			return err
		}
	}
	for _, name := range delta.ToRemove {
		if err := c.call(ctx, func(ctx context.Context) error { return c.store.RemoveTaskTag(ctx, scope, taskID, name) }); err != nil {
			return err
		}
	}
	return nil
}

func taskRow(t board.Task) store.Task {
	row := store.Task{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		ColumnID:    t.ColumnID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		DueDate:     t.DueDate,
		Position:    t.Position,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
	}
	if t.AssigneeID != "" {
		assignee := t.AssigneeID
		row.AssigneeID = &assignee
	}
	return row
}

func taskEvent(g *board.Graph, taskID, actorID string, at time.Time) []realtime.Event {
	task, project, ok := g.Task(taskID)
	if !ok {
		return nil
	}
	return []realtime.Event{{
		Type:      realtime.EventTaskUpsert,
		ProjectID: project.ID,
		EntityID:  taskID,
		ActorID:   actorID,
		Timestamp: at,
		Task:      task.Clone(),
	}}
}

func indexTask(taskID string) func(indexer Indexer, g *board.Graph) {
	return func(indexer Indexer, g *board.Graph) {
		if task, _, ok := g.Task(taskID); ok {
			indexer.IndexTask(*task.Clone())
		}
	}
}
