package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/mutation"
)

const streamHeartbeat = 15 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     log.FieldLogger
}

func NewHTTPServer(service *Service, corsOrigin string, logger log.FieldLogger) *HTTPServer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.WithField("component", "http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/boards" {
		payload, err := s.service.Boards(r.Context(), session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/presence" {
		online, err := s.service.Online(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"online": online})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, session)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/projects" {
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateProject(r.Context(), session, body.Name, body.Description)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/invites/accept" {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AcceptInvite(r.Context(), session, body.Token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "projects":
		s.handleProject(w, r, session, parts[2], parts[3:])
		return
	case "columns":
		s.handleColumn(w, r, session, parts[2], parts[3:])
		return
	case "tasks":
		s.handleTask(w, r, session, parts[2], parts[3:])
		return
	case "ai":
		if r.Method == http.MethodPost && len(parts) == 3 {
			s.handleGenerate(w, r, session, parts[2])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if err := s.service.PingRealtime(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	limit := 20
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}
	payload, err := s.service.Search(r.Context(), session, query.Get("q"), strings.TrimSpace(query.Get("type")), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) {
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	ctx := r.Context()

	switch {
	case r.Method == http.MethodGet && rest[0] == "events":
		s.handleEvents(w, r, session, projectID)

	case r.Method == http.MethodPut && rest[0] == "members":
		var body struct {
			UserIDs []string `json:"userIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateMembers(ctx, session, projectID, body.UserIDs)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodPost && rest[0] == "invites":
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateInvite(ctx, session, projectID, body.Email)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case r.Method == http.MethodPost && rest[0] == "columns":
		var body struct {
			Title string `json:"title"`
			Index *int   `json:"index"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		coord, ok := s.coordinator(w, r, session)
		if !ok {
			return
		}
		column, err := coord.CreateColumn(ctx, projectID, body.Title, indexOrAppend(body.Index))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, column)

	case r.Method == http.MethodPost && rest[0] == "chat":
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		coord, ok := s.coordinator(w, r, session)
		if !ok {
			return
		}
		msg, err := coord.SendChat(ctx, projectID, body.Text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)

	case r.Method == http.MethodPost && rest[0] == "links":
		var body struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		coord, ok := s.coordinator(w, r, session)
		if !ok {
			return
		}
		link, err := coord.AddLink(ctx, projectID, body.Title, body.URL)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, link)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleColumn(w http.ResponseWriter, r *http.Request, session Session, columnID string, rest []string) {
	coord, ok := s.coordinator(w, r, session)
	if !ok {
		return
	}
	ctx := r.Context()

	switch {
	case r.Method == http.MethodPatch && len(rest) == 0:
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		column, err := coord.RenameColumn(ctx, columnID, body.Title)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, column)

	case r.Method == http.MethodDelete && len(rest) == 0:
		if err := coord.DeleteColumn(ctx, columnID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "move":
		var body struct {
			Index *int `json:"index"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Index == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "index is required", nil)
			return
		}
		order, err := coord.MoveColumn(ctx, columnID, *body.Index)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"columnOrder": order})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "tasks":
		var body struct {
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Priority    string   `json:"priority"`
			AssigneeID  string   `json:"assigneeId"`
			DueDate     string   `json:"dueDate"`
			Tags        []string `json:"tags"`
			Index       *int     `json:"index"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		draft := mutation.TaskDraft{
			Title:       body.Title,
			Description: body.Description,
			Priority:    body.Priority,
			AssigneeID:  body.AssigneeID,
			Tags:        body.Tags,
		}
		if body.DueDate != "" {
			due, err := parseDueDate(body.DueDate)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			draft.DueDate = &due
		}
		task, err := coord.CreateTask(ctx, columnID, draft, indexOrAppend(body.Index))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleTask(w http.ResponseWriter, r *http.Request, session Session, taskID string, rest []string) {
	coord, ok := s.coordinator(w, r, session)
	if !ok {
		return
	}
	ctx := r.Context()

	switch {
	case r.Method == http.MethodPatch && len(rest) == 0:
		var body struct {
			Title       *string          `json:"title"`
			Description *string          `json:"description"`
			Priority    *string          `json:"priority"`
			AssigneeID  *string          `json:"assigneeId"`
			DueDate     *json.RawMessage `json:"dueDate"`
			Tags        *[]string        `json:"tags"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		patch := mutation.TaskPatch{
			Title:       body.Title,
			Description: body.Description,
			Priority:    body.Priority,
			AssigneeID:  body.AssigneeID,
			Tags:        body.Tags,
		}
		if body.DueDate != nil {
			var raw *string
			if err := json.Unmarshal(*body.DueDate, &raw); err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueDate must be a date or null", nil)
				return
			}
			if raw == nil || *raw == "" {
				patch.ClearDueDate = true
			} else {
				due, err := parseDueDate(*raw)
				if err != nil {
					writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
					return
				}
				patch.DueDate = &due
			}
		}
		task, err := coord.UpdateTask(ctx, taskID, patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case r.Method == http.MethodDelete && len(rest) == 0:
		if err := coord.DeleteTask(ctx, taskID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "move":
		var body struct {
			ColumnID string `json:"columnId"`
			Index    *int   `json:"index"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := coord.MoveTask(ctx, taskID, body.ColumnID, indexOrAppend(body.Index))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "subtasks":
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := coord.AddSubtask(ctx, taskID, body.Title)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)

	case r.Method == http.MethodPatch && len(rest) == 2 && rest[0] == "subtasks":
		item, err := coord.ToggleSubtask(ctx, taskID, rest[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case r.Method == http.MethodDelete && len(rest) == 2 && rest[0] == "subtasks":
		if err := coord.RemoveSubtask(ctx, taskID, rest[1]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "comments":
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := coord.AddComment(ctx, taskID, body.Text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, comment)

	case r.Method == http.MethodPut && len(rest) == 1 && rest[0] == "tags":
		var body struct {
			Tags []string `json:"tags"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := coord.SetTags(ctx, taskID, body.Tags)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "tags":
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := coord.AddTag(ctx, taskID, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case r.Method == http.MethodDelete && len(rest) == 2 && rest[0] == "tags":
		task, err := coord.RemoveTag(ctx, taskID, rest[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request, session Session, kind string) {
	var body struct {
		Context   string `json:"context"`
		ProjectID string `json:"projectId"`
		ColumnID  string `json:"columnId"`
		TaskID    string `json:"taskId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Generate(r.Context(), session, GenerateInput{
		Kind:    kind,
		Context: body.Context,
		Target:  mutation.Target{ProjectID: body.ProjectID, ColumnID: body.ColumnID, TaskID: body.TaskID},
	})
	if err != nil {
		status, code, message, details := mapError(err)
		if result.Applied != nil {
			details = map[string]any{"applied": result.Applied}
		}
		s.logFailure(r, status, err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleEvents streams a project's events as server-sent events until the
// client goes away.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}
	stream, err := s.service.Subscribe(r.Context(), session, projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer stream.Close()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			s.service.Heartbeat(r.Context(), session)
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-stream.Events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.WithError(err).WithField("event", event.Type).Warn("encode event failed")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) coordinator(w http.ResponseWriter, r *http.Request, session Session) (*mutation.Coordinator, bool) {
	coord, err := s.service.Coordinator(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return coord, true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	session, err := s.service.SessionFromHeader(r.Header.Get("Authorization"), r.URL.Query().Get("access_token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	s.logFailure(r, status, err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) logFailure(r *http.Request, status int, err error) {
	if status < http.StatusInternalServerError {
		return
	}
	requestID, _ := r.Context().Value(requestIDKey{}).(string)
	s.logger.WithError(err).WithFields(log.Fields{"request_id": requestID, "path": r.URL.Path}).Error("request failed")
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// indexOrAppend maps a missing index to -1, which appends.
func indexOrAppend(index *int) int {
	if index == nil {
		return -1
	}
	return *index
}

// parseDueDate accepts a calendar date or an RFC 3339 timestamp.
func parseDueDate(value string) (time.Time, error) {
	if due, err := time.Parse("2006-01-02", value); err == nil {
		return due, nil
	}
	due, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("dueDate must be YYYY-MM-DD or RFC 3339")
	}
	return due.UTC(), nil
}
