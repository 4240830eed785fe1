package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"taskboard/api/internal/ai"
	"taskboard/api/internal/auth"
	"taskboard/api/internal/board"
	"taskboard/api/internal/store"
)

func (env *testEnv) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})

	rr, response := env.do(t, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected a request id header")
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	fs := newFakeStore()
	fs.pingFn = func(context.Context) error {
		return errors.New("connection refused")
	}
	env := newTestEnv(t, fs, Deps{})

	rr, response := env.do(t, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if response["status"] != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", response["status"])
	}
	checks := response["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["status"] != "error" || database["error"] != "connection refused" {
		t.Errorf("unexpected database check %v", database)
	}
}

func TestRequestsWithoutValidTokenAreUnauthorized(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})

	forged, err := auth.IssueToken([]byte("other-secret"), auth.Claims{Sub: "u1", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	for name, token := range map[string]string{"missing": "", "forged": forged} {
		t.Run(name, func(t *testing.T) {
			rr, response := env.do(t, http.MethodGet, "/api/boards", token, "")
			if rr.Code != http.StatusUnauthorized || response["code"] != "UNAUTHORIZED" {
				t.Fatalf("expected 401 UNAUTHORIZED, got %d %v", rr.Code, response)
			}
		})
	}
	if env.store.called("LoadSnapshot") != 0 {
		t.Fatalf("no workspace should load for an unauthenticated request")
	}
}

func TestBoardsReturnsAssembledWorkspace(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})

	rr, response := env.do(t, http.MethodGet, "/api/boards", bearer(t, "u1", "Avery"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if response["userId"] != "u1" {
		t.Fatalf("expected userId u1, got %v", response["userId"])
	}
	projects := response["projects"].(map[string]any)
	project := projects["p1"].(map[string]any)
	columns := project["board"].(map[string]any)["columns"].(map[string]any)
	todo := columns["todo"].(map[string]any)
	if ids := todo["taskIds"].([]any); len(ids) != 2 || ids[0] != "t1" {
		t.Fatalf("unexpected todo order %v", ids)
	}
	if warnings := response["warnings"].([]any); len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if env.store.called("EnsureUser") != 1 {
		t.Fatalf("expected the caller to be recorded once")
	}
}

func TestCreateTaskEndpoint(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})
	token := bearer(t, "u1", "Avery")

	rr, task := env.do(t, http.MethodPost, "/api/columns/todo/tasks", token, `{"title":"Add SSO","priority":"High","tags":["auth"],"dueDate":"2026-04-01"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if task["title"] != "Add SSO" || task["columnId"] != "todo" || task["position"] != float64(2) {
		t.Fatalf("unexpected task %v", task)
	}
	if env.store.called("InsertTask") != 1 || env.store.called("AddTaskTag") != 1 {
		t.Fatalf("expected insert and tag writes, got %v", env.store.calls)
	}
	if len(env.search.indexed) != 1 {
		t.Fatalf("expected the new task to be indexed, got %v", env.search.indexed)
	}
}

func TestMutationErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		insertFn func(context.Context, store.Scope, store.Task, int) error
		status   int
		code     string
	}{
		{name: "validation", body: `{"title":"   "}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "forbidden", body: `{"title":"x"}`, status: http.StatusForbidden, code: "FORBIDDEN",
			insertFn: func(context.Context, store.Scope, store.Task, int) error { return store.ErrForbidden }},
		{name: "transient", body: `{"title":"x"}`, status: http.StatusServiceUnavailable, code: "RETRYABLE",
			insertFn: func(context.Context, store.Scope, store.Task, int) error { return context.DeadlineExceeded }},
		{name: "bad json", body: `{"title":`, status: http.StatusBadRequest, code: "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.insertTaskFn = tt.insertFn
			env := newTestEnv(t, fs, Deps{})

			rr, response := env.do(t, http.MethodPost, "/api/columns/todo/tasks", bearer(t, "u1", "Avery"), tt.body)
			if rr.Code != tt.status || response["code"] != tt.code {
				t.Fatalf("expected %d %s, got %d %v", tt.status, tt.code, rr.Code, response)
			}

			coord, err := env.service.Coordinator(context.Background(), Session{UserID: "u1"})
			if err != nil {
				t.Fatalf("coordinator: %v", err)
			}
			var count int
			coord.View(func(g *board.Graph) { count = len(g.Projects["p1"].Board.Columns["todo"].TaskIDs) })
			if count != 2 {
				t.Fatalf("expected the column to be unchanged after a failure, got %d tasks", count)
			}
		})
	}
}

func TestMoveTaskEndpoint(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})

	rr, task := env.do(t, http.MethodPost, "/api/tasks/t1/move", bearer(t, "u1", "Avery"), `{"columnId":"done","index":0}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if task["columnId"] != "done" {
		t.Fatalf("expected task in done, got %v", task["columnId"])
	}
	history := task["history"].([]any)
	if len(history) != 1 || history[0].(map[string]any)["description"] != "moved this task from 'To Do' to 'Done'" {
		t.Fatalf("unexpected history %v", history)
	}
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})

	rr, response := env.do(t, http.MethodPatch, "/api/tasks/missing", bearer(t, "u1", "Avery"), `{"title":"x"}`)
	if rr.Code != http.StatusNotFound || response["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", rr.Code, response)
	}
}

func TestUpdateTaskClearsDueDateWithNull(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})
	token := bearer(t, "u1", "Avery")

	rr, task := env.do(t, http.MethodPatch, "/api/tasks/t2", token, `{"dueDate":"2026-05-01"}`)
	if rr.Code != http.StatusOK || task["dueDate"] == nil {
		t.Fatalf("expected a due date, got %d %v", rr.Code, task)
	}
	rr, task = env.do(t, http.MethodPatch, "/api/tasks/t2", token, `{"dueDate":null}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, ok := task["dueDate"]; ok {
		t.Fatalf("expected the due date to be cleared, got %v", task["dueDate"])
	}
	rr, _ = env.do(t, http.MethodPatch, "/api/tasks/t2", token, `{"dueDate":"next week"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an unparseable date, got %d", rr.Code)
	}
}

func TestUpdateMembersRequiresOwner(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})

	rr, response := env.do(t, http.MethodPut, "/api/projects/p1/members", bearer(t, "u2", "Blake"), `{"userIds":["u2"]}`)
	if rr.Code != http.StatusForbidden || response["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403, got %d %v", rr.Code, response)
	}
	if env.store.called("UpdateProjectMembers") != 0 {
		t.Fatalf("store must not be called for a member")
	}

	var got []string
	env.store.updateMembersFn = func(_ context.Context, _, _ string, ids []string) error {
		got = ids
		return nil
	}
	rr, _ = env.do(t, http.MethodPut, "/api/projects/p1/members", bearer(t, "u1", "Avery"), `{"userIds":["u2"," u2 ","","u3"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for the owner, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.Join(got, ",") != "u2,u3" {
		t.Fatalf("expected deduplicated ids, got %v", got)
	}
}

func TestCreateInviteReturnsLinkWithoutEmail(t *testing.T) {
	fs := newFakeStore()
	var stored store.Invite
	fs.createInviteFn = func(_ context.Context, invite store.Invite) error {
		stored = invite
		return nil
	}
	env := newTestEnv(t, fs, Deps{})

	rr, response := env.do(t, http.MethodPost, "/api/projects/p1/invites", bearer(t, "u2", "Blake"), `{"email":"Casey <Casey@Example.com>"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if response["emailed"] != false || response["email"] != "casey@example.com" {
		t.Fatalf("unexpected invite %v", response)
	}
	link, err := url.Parse(response["acceptUrl"].(string))
	if err != nil {
		t.Fatalf("parse accept url: %v", err)
	}
	token := link.Query().Get("token")
	if token == "" || stored.TokenHash != auth.HashToken(token) {
		t.Fatalf("expected the stored hash to match the link token")
	}
	if !stored.ExpiresAt.Equal(t0.Add(72 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", stored.ExpiresAt)
	}
}

func TestCreateInviteSendsEmail(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	env := newTestEnv(t, newFakeStore(), Deps{Email: mailer})

	rr, response := env.do(t, http.MethodPost, "/api/projects/p1/invites", bearer(t, "u1", "Avery"), `{"email":"casey@example.com"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if response["emailed"] != true {
		t.Fatalf("expected emailed=true, got %v", response)
	}
	if _, ok := response["acceptUrl"]; ok {
		t.Fatalf("the link must not be returned once emailed")
	}
	if len(mailer.sent) != 1 || mailer.sent[0].project != "Launch" || mailer.sent[0].inviter != "Avery" {
		t.Fatalf("unexpected email %+v", mailer.sent)
	}
}

func TestCreateInviteRejectsBadEmail(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})

	rr, _ := env.do(t, http.MethodPost, "/api/projects/p1/invites", bearer(t, "u1", "Avery"), `{"email":"not an address"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if env.store.called("CreateInvite") != 0 {
		t.Fatalf("store must not be called")
	}
}

func TestAcceptInvite(t *testing.T) {
	fs := newFakeStore()
	var hash string
	fs.acceptInviteFn = func(_ context.Context, tokenHash, userID string) (string, error) {
		if tokenHash == auth.HashToken("expired") {
			return "", store.ErrNotFound
		}
		hash = tokenHash
		return "p1", nil
	}
	env := newTestEnv(t, fs, Deps{})
	token := bearer(t, "u3", "Casey")

	rr, project := env.do(t, http.MethodPost, "/api/invites/accept", token, `{"token":"abc"}`)
	if rr.Code != http.StatusOK || project["id"] != "p1" {
		t.Fatalf("expected the project, got %d %v", rr.Code, project)
	}
	if hash != auth.HashToken("abc") {
		t.Fatalf("expected the token to be hashed before lookup")
	}

	rr, response := env.do(t, http.MethodPost, "/api/invites/accept", token, `{"token":"expired"}`)
	if rr.Code != http.StatusNotFound || response["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", rr.Code, response)
	}
}

func TestCreateProjectAddsDefaultColumns(t *testing.T) {
	fs := newFakeStore()
	fs.createProjectFn = func(_ context.Context, item store.Project) error {
		fs.snap.Projects = append(fs.snap.Projects, store.Project{ID: item.ID, Name: item.Name, CreatedBy: item.CreatedBy, CreatedAt: t0.Add(time.Hour)})
		fs.snap.Members = append(fs.snap.Members, store.ProjectMember{ProjectID: item.ID, UserID: item.CreatedBy, Role: "owner"})
		return nil
	}
	env := newTestEnv(t, fs, Deps{})

	rr, project := env.do(t, http.MethodPost, "/api/projects", bearer(t, "u1", "Avery"), `{"name":"Roadmap"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	order := project["board"].(map[string]any)["columnOrder"].([]any)
	if len(order) != 3 {
		t.Fatalf("expected three default columns, got %v", order)
	}
	if env.store.called("InsertColumn") != 3 {
		t.Fatalf("expected three column inserts, got %d", env.store.called("InsertColumn"))
	}
	if len(env.search.projects) != 1 {
		t.Fatalf("expected the project to be indexed")
	}

	rr, _ = env.do(t, http.MethodPost, "/api/projects", bearer(t, "u1", "Avery"), `{"name":""}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an empty name, got %d", rr.Code)
	}
}

func TestSearchIsScopedToVisibleProjects(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})

	rr, response := env.do(t, http.MethodGet, "/api/search?q=login&type=task&limit=5", bearer(t, "u1", "Avery"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ids := response["ids"].(map[string]any)["tasks"].([]any); len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("unexpected ids %v", response["ids"])
	}
	if len(env.search.queries) != 1 {
		t.Fatalf("expected one query, got %d", len(env.search.queries))
	}
	q := env.search.queries[0]
	if strings.Join(q.ProjectIDs, ",") != "p1" || q.Limit != 5 || q.FilterType != "task" {
		t.Fatalf("unexpected query %+v", q)
	}

	rr, _ = env.do(t, http.MethodGet, "/api/search?q=login&type=comment", bearer(t, "u1", "Avery"), "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an unknown type, got %d", rr.Code)
	}
}

func TestGenerateAppliesBugList(t *testing.T) {
	gen := &fakeGenerator{generateFn: func(_ context.Context, req ai.Request) (ai.Response, error) {
		if req.Kind != ai.KindBulkBugList || req.Context != "crash log" {
			t.Errorf("unexpected request %+v", req)
		}
		return ai.Response{Kind: ai.KindBulkBugList, Bugs: []ai.BugProposal{
			{Title: "Crash on save", Priority: "High", StepsToReproduce: []string{"Open", "Save"}},
			{Title: "Blank screen"},
		}}, nil
	}}
	env := newTestEnv(t, newFakeStore(), Deps{AI: gen})

	rr, response := env.do(t, http.MethodPost, "/api/ai/bulk-bug-list", bearer(t, "u1", "Avery"), `{"context":"crash log","columnId":"todo"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	tasks := response["applied"].(map[string]any)["tasks"].([]any)
	if len(tasks) != 2 {
		t.Fatalf("expected two tasks, got %v", tasks)
	}
	first := tasks[0].(map[string]any)
	if first["title"] != "Crash on save" || !strings.Contains(first["description"].(string), "1. Open") {
		t.Fatalf("unexpected bug task %v", first)
	}
	if env.store.called("InsertTask") != 2 {
		t.Fatalf("expected two inserts, got %d", env.store.called("InsertTask"))
	}
}

func TestGenerateErrors(t *testing.T) {
	gen := &fakeGenerator{generateFn: func(context.Context, ai.Request) (ai.Response, error) {
		return ai.Response{}, ai.ErrUnavailable
	}}
	env := newTestEnv(t, newFakeStore(), Deps{AI: gen})
	token := bearer(t, "u1", "Avery")

	rr, _ := env.do(t, http.MethodPost, "/api/ai/poem", token, `{"context":"x"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown kind, got %d", rr.Code)
	}
	rr, response := env.do(t, http.MethodPost, "/api/ai/subtask-list", token, `{"context":"x","taskId":"t1"}`)
	if rr.Code != http.StatusServiceUnavailable || response["code"] != "RETRYABLE" {
		t.Fatalf("expected 503, got %d %v", rr.Code, response)
	}
	rr, _ = env.do(t, http.MethodPost, "/api/ai/subtask-list", token, `{"context":"  "}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an empty context, got %d", rr.Code)
	}
}

func TestGenerateWithoutGeneratorIsUnavailable(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})

	rr, _ := env.do(t, http.MethodPost, "/api/ai/single-task", bearer(t, "u1", "Avery"), `{"context":"x","columnId":"todo"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestEventsWithoutRealtimeIsUnavailable(t *testing.T) {
	env := newTestEnv(t, newFakeStore(), Deps{})

	rr, _ := env.do(t, http.MethodGet, "/api/projects/p1/events", bearer(t, "u1", "Avery"), "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func readEvent(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}
