package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/api/internal/ai"
	"taskboard/api/internal/auth"
	"taskboard/api/internal/board"
	"taskboard/api/internal/config"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

const testSecret = "test-secret"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeStore answers reads from a fixed snapshot and accepts every write
// unless the matching fn field says otherwise.
type fakeStore struct {
	mu    sync.Mutex
	snap  store.Snapshot
	calls []string

	pingFn          func(context.Context) error
	insertTaskFn    func(context.Context, store.Scope, store.Task, int) error
	createProjectFn func(context.Context, store.Project) error
	createInviteFn  func(context.Context, store.Invite) error
	acceptInviteFn  func(context.Context, string, string) (string, error)
	updateMembersFn func(context.Context, string, string, []string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{snap: boardSnapshot()}
}

func (f *fakeStore) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeStore) called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) LoadSnapshot(_ context.Context, userID string) (store.Snapshot, error) {
	f.record("LoadSnapshot")
	snap := f.snap
	snap.UserID = userID
	return snap, nil
}

func (f *fakeStore) EnsureUser(_ context.Context, user store.User) (store.User, error) {
	f.record("EnsureUser")
	return user, nil
}

func (f *fakeStore) CreateProject(ctx context.Context, item store.Project) error {
	f.record("CreateProject")
	if f.createProjectFn != nil {
		return f.createProjectFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) MemberRole(_ context.Context, projectID, userID string) (string, error) {
	for _, m := range f.snap.Members {
		if m.ProjectID == projectID && m.UserID == userID {
			return m.Role, nil
		}
	}
	return "", nil
}

func (f *fakeStore) UpdateProjectMembers(ctx context.Context, projectID, actorID string, userIDs []string) error {
	f.record("UpdateProjectMembers")
	if f.updateMembersFn != nil {
		return f.updateMembersFn(ctx, projectID, actorID, userIDs)
	}
	return nil
}

func (f *fakeStore) CreateInvite(ctx context.Context, invite store.Invite) error {
	f.record("CreateInvite")
	if f.createInviteFn != nil {
		return f.createInviteFn(ctx, invite)
	}
	return nil
}

func (f *fakeStore) AcceptInvite(ctx context.Context, tokenHash, userID string) (string, error) {
	f.record("AcceptInvite")
	if f.acceptInviteFn != nil {
		return f.acceptInviteFn(ctx, tokenHash, userID)
	}
	return "p1", nil
}

func (f *fakeStore) GetTaskSnapshot(_ context.Context, taskID string) (store.TaskSnapshot, error) {
	for _, row := range f.snap.Tasks {
		if row.ID != taskID {
			continue
		}
		snap := store.TaskSnapshot{Task: row}
		for _, tag := range f.snap.TaskTags {
			if tag.TaskID == taskID {
				snap.Tags = append(snap.Tags, tag.Name)
			}
		}
		return snap, nil
	}
	return store.TaskSnapshot{}, store.ErrNotFound
}

func (f *fakeStore) GetColumn(_ context.Context, columnID string) (store.Column, error) {
	for _, row := range f.snap.Columns {
		if row.ID == columnID {
			return row, nil
		}
	}
	return store.Column{}, store.ErrNotFound
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	for _, row := range f.snap.Projects {
		if row.ID == projectID {
			return row, nil
		}
	}
	return store.Project{}, store.ErrNotFound
}

func (f *fakeStore) InsertTask(ctx context.Context, scope store.Scope, task store.Task, index int) error {
	f.record("InsertTask")
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, scope, task, index)
	}
	return nil
}

func (f *fakeStore) UpdateTask(context.Context, store.Scope, store.TaskPatch) error {
	f.record("UpdateTask")
	return nil
}

func (f *fakeStore) MoveTask(context.Context, store.Scope, string, string, int) error {
	f.record("MoveTask")
	return nil
}

func (f *fakeStore) DeleteTask(context.Context, store.Scope, string) error {
	f.record("DeleteTask")
	return nil
}

func (f *fakeStore) InsertSubtask(context.Context, store.Scope, store.Subtask) error {
	f.record("InsertSubtask")
	return nil
}

func (f *fakeStore) UpdateSubtask(context.Context, store.Scope, store.Subtask) error {
	f.record("UpdateSubtask")
	return nil
}

func (f *fakeStore) DeleteSubtask(context.Context, store.Scope, string) error {
	f.record("DeleteSubtask")
	return nil
}

func (f *fakeStore) InsertComment(context.Context, store.Scope, store.Comment) error {
	f.record("InsertComment")
	return nil
}

func (f *fakeStore) InsertHistory(context.Context, store.Scope, []store.HistoryEntry) error {
	f.record("InsertHistory")
	return nil
}

func (f *fakeStore) UpsertTag(_ context.Context, name string) (store.Tag, error) {
	f.record("UpsertTag")
	return store.Tag{ID: "tag-" + name, Name: name}, nil
}

func (f *fakeStore) AddTaskTag(context.Context, store.Scope, string, string) error {
	f.record("AddTaskTag")
	return nil
}

func (f *fakeStore) RemoveTaskTag(context.Context, store.Scope, string, string) error {
	f.record("RemoveTaskTag")
	return nil
}

func (f *fakeStore) InsertColumn(context.Context, store.Scope, store.Column, int) error {
	f.record("InsertColumn")
	return nil
}

func (f *fakeStore) RenameColumn(context.Context, store.Scope, string, string) error {
	f.record("RenameColumn")
	return nil
}

func (f *fakeStore) DeleteColumn(context.Context, store.Scope, string) error {
	f.record("DeleteColumn")
	return nil
}

func (f *fakeStore) SetColumnOrder(context.Context, store.Scope, []string) error {
	f.record("SetColumnOrder")
	return nil
}

func (f *fakeStore) InsertChat(context.Context, store.Scope, store.ChatMessage) error {
	f.record("InsertChat")
	return nil
}

func (f *fakeStore) InsertLink(context.Context, store.Scope, store.Link) error {
	f.record("InsertLink")
	return nil
}

type fakeSearch struct {
	mu       sync.Mutex
	queries  []search.Query
	indexed  []string
	removed  []string
	projects []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	results := []search.Result{{Type: search.ResultTask, ID: "t1", Title: "Fix login bug", ProjectID: "p1"}}
	return search.Response{Results: results, IDs: search.IDs{Projects: []string{}, Tasks: []string{"t1"}, Users: []string{}}, Total: 1, Query: q.Text}
}

func (f *fakeSearch) IndexTask(task board.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, task.ID)
}

func (f *fakeSearch) RemoveTask(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, taskID)
}

func (f *fakeSearch) IndexProject(project search.ProjectRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, project.ID)
}

type fakeGenerator struct {
	generateFn func(context.Context, ai.Request) (ai.Response, error)
}

func (f *fakeGenerator) Enabled() bool { return true }

func (f *fakeGenerator) Generate(ctx context.Context, req ai.Request) (ai.Response, error) {
	return f.generateFn(ctx, req)
}

type sentInvite struct {
	to, inviter, project, acceptURL string
}

type fakeMailer struct {
	configured bool
	sendErr    error
	sent       []sentInvite
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendInviteEmail(to, inviterName, projectName, acceptURL string, _ time.Time) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentInvite{to: to, inviter: inviterName, project: projectName, acceptURL: acceptURL})
	return nil
}

func boardSnapshot() store.Snapshot {
	return store.Snapshot{
		Users: []store.User{
			{ID: "u1", DisplayName: "Avery", Email: "avery@example.com"},
			{ID: "u2", DisplayName: "Blake", Email: "blake@example.com"},
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
			{ID: "done", ProjectID: "p1", Title: "Done", TaskIDs: []string{}},
		},
		Tasks: []store.Task{
			{ID: "t1", ProjectID: "p1", ColumnID: "todo", Title: "Fix login bug", Priority: "High", Position: 0, CreatedAt: t0},
			{ID: "t2", ProjectID: "p1", ColumnID: "todo", Title: "Write docs", Priority: "Low", Position: 1, CreatedAt: t0},
		},
		TaskTags: []store.TaskTag{
			{TaskID: "t1", TagID: "g1", Name: "bug"},
		},
	}
}

type testEnv struct {
	service *Service
	server  *HTTPServer
	store   *fakeStore
	search  *fakeSearch
	mailer  *fakeMailer
	hook    *test.Hook
}

func newTestEnv(t *testing.T, fs *fakeStore, deps Deps) *testEnv {
	t.Helper()
	logger, hook := test.NewNullLogger()
	env := &testEnv{store: fs, search: &fakeSearch{}, mailer: &fakeMailer{}, hook: hook}
	deps.Store = fs
	deps.Logger = logger
	if deps.Search == nil {
		deps.Search = env.search
	}
	if deps.Email == nil {
		deps.Email = env.mailer
	}
	cfg := config.Config{
		JWTSecret:        testSecret,
		OperationTimeout: time.Second,
		InviteBaseURL:    "https://taskboard.example.com/invite",
		InviteTTL:        72 * time.Hour,
	}
	env.service = New(cfg, deps)
	env.service.now = func() time.Time { return t0 }
	t.Cleanup(env.service.Close)
	env.server = NewHTTPServer(env.service, "*", logger)
	return env
}

func bearer(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:  userID,
		Name: name,
		JTI:  "jti-" + userID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
