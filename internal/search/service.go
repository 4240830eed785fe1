package search

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/board"
)

// Engine is a search backend that is also an index, such as Meilisearch.
type Engine interface {
	Searcher
	Index
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
// It also receives confirmed task changes from the mutation coordinator.
type Service struct {
	engine   Engine
	fallback Searcher
	logger   log.FieldLogger
	wg       sync.WaitGroup
}

// NewService creates a search service. engine may be nil if Meilisearch is
// not configured.
func NewService(engine Engine, fallback Searcher, logger log.FieldLogger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{engine: engine, fallback: fallback, logger: logger.WithField("component", "search")}
}

// Search tries the engine if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if len(q.ProjectIDs) == 0 {
		return Response{Results: []Result{}, IDs: groupIDs(nil), Total: 0, Query: q.Text}
	}
	if s.engine != nil && s.engine.Healthy() {
		results, total, err := s.engine.Search(ctx, q)
		if err == nil {
			return respond(q, results, total)
		}
		s.logger.WithError(err).Warn("meilisearch error, falling back to pgfts")
	}

	if s.fallback == nil {
		return respond(q, nil, 0)
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.WithError(err).Error("pgfts error")
		return respond(q, nil, 0)
	}
	return respond(q, results, total)
}

func respond(q Query, results []Result, total int) Response {
	if results == nil {
		results = []Result{}
	}
	return Response{Results: results, IDs: groupIDs(results), Total: total, Query: q.Text}
}

// IndexTask indexes a task (fire-and-forget to Meilisearch).
func (s *Service) IndexTask(task board.Task) {
	if !s.ready() {
		return
	}
	record := TaskRecordFrom(task)
	s.async(func() {
		if err := s.engine.IndexTasks([]TaskRecord{record}); err != nil {
			s.logger.WithError(err).WithField("task", record.ID).Warn("index task failed")
		}
	})
}

// RemoveTask removes a task from the search index (fire-and-forget).
func (s *Service) RemoveTask(taskID string) {
	if !s.ready() {
		return
	}
	s.async(func() {
		if err := s.engine.DeleteTask(taskID); err != nil {
			s.logger.WithError(err).WithField("task", taskID).Warn("delete task failed")
		}
	})
}

// IndexProject indexes a project (fire-and-forget to Meilisearch).
func (s *Service) IndexProject(project ProjectRecord) {
	if !s.ready() {
		return
	}
	s.async(func() {
		if err := s.engine.IndexProjects([]ProjectRecord{project}); err != nil {
			s.logger.WithError(err).WithField("project", project.ID).Warn("index project failed")
		}
	})
}

// ReindexAll pushes everything loader returns to Meilisearch. Called at
// startup when Meilisearch is healthy.
func (s *Service) ReindexAll(ctx context.Context, loader RecordLoader) {
	if !s.ready() || loader == nil {
		return
	}
	tasks, projects, users, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("reindex load failed")
		return
	}
	if len(tasks) > 0 {
		if err := s.engine.IndexTasks(tasks); err != nil {
			s.logger.WithError(err).Warn("reindex tasks failed")
		}
	}
	if len(projects) > 0 {
		if err := s.engine.IndexProjects(projects); err != nil {
			s.logger.WithError(err).Warn("reindex projects failed")
		}
	}
	if len(users) > 0 {
		if err := s.engine.IndexUsers(users); err != nil {
			s.logger.WithError(err).Warn("reindex users failed")
		}
	}
	s.logger.WithFields(log.Fields{"tasks": len(tasks), "projects": len(projects), "users": len(users)}).Info("reindexed search")
}

// Wait blocks until pending fire-and-forget writes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) ready() bool {
	return s.engine != nil && s.engine.Healthy()
}

func (s *Service) async(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// RecordLoader reads every searchable entity for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]TaskRecord, []ProjectRecord, []UserRecord, error)
}

func TaskRecordFrom(task board.Task) TaskRecord {
	tags := task.Tags
	if tags == nil {
		tags = []string{}
	}
	return TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		ProjectID:   task.ProjectID,
		ColumnID:    task.ColumnID,
		Priority:    string(task.Priority),
		AssigneeID:  task.AssigneeID,
		Tags:        append([]string{}, tags...),
	}
}
