package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/ai"
	"taskboard/api/internal/auth"
	"taskboard/api/internal/board"
	"taskboard/api/internal/config"
	"taskboard/api/internal/mutation"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

const (
	maxProjectNameLength = 100
	maxDescriptionLength = 2000
)

var defaultColumns = []string{"To Do", "In Progress", "Done"}

type Session struct {
	UserID   string
	UserName string
	Email    string
}

type dataStore interface {
	mutation.Store
	Ping(ctx context.Context) error
	LoadSnapshot(ctx context.Context, userID string) (store.Snapshot, error)
	EnsureUser(ctx context.Context, user store.User) (store.User, error)
	CreateProject(ctx context.Context, item store.Project) error
	MemberRole(ctx context.Context, projectID, userID string) (string, error)
	UpdateProjectMembers(ctx context.Context, projectID, actorID string, userIDs []string) error
	CreateInvite(ctx context.Context, invite store.Invite) error
	AcceptInvite(ctx context.Context, tokenHash, userID string) (string, error)
}

type broker interface {
	Publish(ctx context.Context, topic string, event realtime.Event) error
	Subscribe(ctx context.Context, consumer, topic string) (*realtime.Subscription, error)
	Unsubscribe(consumer, topic string)
	Ping(ctx context.Context) error
}

type presenceTracker interface {
	Join(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) error
	Leave(ctx context.Context, userID string) error
	Online(ctx context.Context) ([]string, error)
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexTask(task board.Task)
	RemoveTask(taskID string)
	IndexProject(project search.ProjectRecord)
}

type generator interface {
	Enabled() bool
	Generate(ctx context.Context, req ai.Request) (ai.Response, error)
}

type mailer interface {
	IsConfigured() bool
	SendInviteEmail(to, inviterName, projectName, acceptURL string, expiresAt time.Time) error
}

// Deps are the collaborators a Service is built from. Realtime and Presence
// may be nil, in which case changes are not fanned out.
type Deps struct {
	Store    dataStore
	Realtime broker
	Presence presenceTracker
	Search   searchService
	AI       generator
	Email    mailer
	Logger   log.FieldLogger
}

// workspace is one user's assembled graph and the subscriptions that keep
// it current.
type workspace struct {
	userID   string
	coord    *mutation.Coordinator
	dispatch *realtime.Dispatcher

	mu       sync.Mutex
	warnings []board.Warning
	topics   map[string]context.CancelFunc
}

type Service struct {
	cfg      config.Config
	store    dataStore
	realtime broker
	presence presenceTracker
	search   searchService
	ai       generator
	email    mailer
	logger   log.FieldLogger
	now      func() time.Time

	mu         sync.Mutex
	workspaces map[string]*workspace
	closed     bool
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		realtime:   deps.Realtime,
		presence:   deps.Presence,
		search:     deps.Search,
		ai:         deps.AI,
		email:      deps.Email,
		logger:     logger.WithField("component", "app"),
		now:        time.Now,
		workspaces: make(map[string]*workspace),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingRealtime(ctx context.Context) error {
	if s.realtime == nil {
		return nil
	}
	return s.realtime.Ping(ctx)
}

// SessionFromHeader verifies the bearer token issued by the auth service.
// fallback is used when the header is empty.
func (s *Service) SessionFromHeader(header, fallback string) (Session, error) {
	claims, err := auth.ParseBearer([]byte(s.cfg.JWTSecret), header, fallback)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, UserName: claims.Name, Email: claims.Email}, nil
}

// Close ends every workspace subscription.
func (s *Service) Close() {
	s.mu.Lock()
	workspaces := s.workspaces
	s.workspaces = make(map[string]*workspace)
	s.closed = true
	s.mu.Unlock()
	for _, ws := range workspaces {
		s.stopWorkspace(ws)
	}
}

// Coordinator returns the caller's workspace coordinator, loading it on
// first use.
func (s *Service) Coordinator(ctx context.Context, session Session) (*mutation.Coordinator, error) {
	ws, err := s.workspace(ctx, session)
	if err != nil {
		return nil, err
	}
	return ws.coord, nil
}

func (s *Service) workspace(ctx context.Context, session Session) (*workspace, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domainError(http.StatusServiceUnavailable, "RETRYABLE", "Service is shutting down", nil)
	}
	if ws, ok := s.workspaces[session.UserID]; ok {
		s.mu.Unlock()
		return ws, nil
	}
	s.mu.Unlock()

	if _, err := s.store.EnsureUser(ctx, store.User{ID: session.UserID, DisplayName: session.UserName, Email: session.Email}); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	graph, warnings, err := s.assemble(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	coord := mutation.New(graph, session.UserID, mutation.Options{
		Store:     s.store,
		Publisher: s.publisher(),
		Indexer:   s.indexer(),
		Logger:    s.logger,
		Timeout:   s.cfg.OperationTimeout,
	})
	ws := &workspace{
		userID:   session.UserID,
		coord:    coord,
		dispatch: realtime.NewDispatcher(coord, s.logger.WithField("user", session.UserID)),
		warnings: warnings,
		topics:   make(map[string]context.CancelFunc),
	}

	s.mu.Lock()
	if existing, ok := s.workspaces[session.UserID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.workspaces[session.UserID] = ws
	s.mu.Unlock()

	s.follow(ctx, ws)
	return ws, nil
}

func (s *Service) assemble(ctx context.Context, userID string) (*board.Graph, []board.Warning, error) {
	snap, err := s.store.LoadSnapshot(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	graph, warnings := board.Assemble(snap)
	for _, warning := range warnings {
		s.logger.WithFields(log.Fields{"user": userID, "relation": warning.Relation}).Warn(warning.Message)
	}
	return graph, warnings, nil
}

// refresh reloads the workspace from the store and subscribes to any
// project that became visible.
func (s *Service) refresh(ctx context.Context, ws *workspace) error {
	graph, warnings, err := s.assemble(ctx, ws.userID)
	if err != nil {
		return err
	}
	ws.coord.Replace(graph)
	ws.mu.Lock()
	ws.warnings = warnings
	ws.mu.Unlock()
	s.follow(ctx, ws)
	return nil
}

// follow keeps the workspace subscribed to exactly the projects it holds.
func (s *Service) follow(ctx context.Context, ws *workspace) {
	if s.realtime == nil {
		return
	}
	visible := make(map[string]bool)
	ws.coord.View(func(g *board.Graph) {
		for _, id := range g.ProjectOrder {
			visible[id] = true
		}
	})

	consumer := workspaceConsumer(ws.userID)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for projectID, cancel := range ws.topics {
		if visible[projectID] {
			continue
		}
		cancel()
		s.realtime.Unsubscribe(consumer, realtime.ProjectTopic(projectID))
		delete(ws.topics, projectID)
	}
	for projectID := range visible {
		if _, ok := ws.topics[projectID]; ok {
			continue
		}
		sub, err := s.realtime.Subscribe(ctx, consumer, realtime.ProjectTopic(projectID))
		if err != nil {
			s.logger.WithError(err).WithFields(log.Fields{"user": ws.userID, "project": projectID}).Warn("subscribe failed")
			continue
		}
		runCtx, cancel := context.WithCancel(context.Background())
		ws.topics[projectID] = cancel
		go ws.dispatch.Run(runCtx, sub)
	}
}

func (s *Service) stopWorkspace(ws *workspace) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for projectID, cancel := range ws.topics {
		cancel()
		if s.realtime != nil {
			s.realtime.Unsubscribe(workspaceConsumer(ws.userID), realtime.ProjectTopic(projectID))
		}
	}
	ws.topics = make(map[string]context.CancelFunc)
}

func workspaceConsumer(userID string) string {
	return "ws:" + userID
}

func (s *Service) publisher() mutation.Publisher {
	if s.realtime == nil {
		return nil
	}
	return s.realtime
}

func (s *Service) indexer() mutation.Indexer {
	if s.search == nil {
		return nil
	}
	return s.search
}

// Boards reloads the caller's workspace and returns it encoded, with any
// warnings from assembly.
func (s *Service) Boards(ctx context.Context, session Session) (json.RawMessage, error) {
	ws, err := s.workspace(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, ws); err != nil {
		return nil, err
	}
	ws.mu.Lock()
	warnings := ws.warnings
	ws.mu.Unlock()

	var payload []byte
	ws.coord.View(func(g *board.Graph) {
		payload, err = json.Marshal(map[string]any{
			"userId":       ws.userID,
			"users":        g.Users,
			"projects":     g.Projects,
			"projectOrder": g.ProjectOrder,
			"warnings":     warnings,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("encode boards: %w", err)
	}
	return payload, nil
}

// CreateProject creates a project owned by the caller with the default
// columns.
func (s *Service) CreateProject(ctx context.Context, session Session, name, description string) (json.RawMessage, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxProjectNameLength {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("name must be 1-%d characters", maxProjectNameLength), nil)
	}
	if len(description) > maxDescriptionLength {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("description exceeds %d characters", maxDescriptionLength), nil)
	}
	ws, err := s.workspace(ctx, session)
	if err != nil {
		return nil, err
	}

	projectID := util.NewID("prj")
	if err := s.store.CreateProject(ctx, store.Project{ID: projectID, Name: name, Description: description, CreatedBy: session.UserID}); err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, ws); err != nil {
		return nil, err
	}
	for i, title := range defaultColumns {
		if _, err := ws.coord.CreateColumn(ctx, projectID, title, i); err != nil {
			s.logger.WithError(err).WithField("project", projectID).Warn("create default column failed")
			break
		}
	}
	if s.search != nil {
		s.search.IndexProject(search.ProjectRecord{ID: projectID, Name: name, Description: description})
	}
	return s.project(ws, projectID)
}

// project encodes one project under the graph read lock.
func (s *Service) project(ws *workspace, projectID string) (json.RawMessage, error) {
	var (
		payload []byte
		err     error
		ok      bool
	)
	ws.coord.View(func(g *board.Graph) {
		var project *board.Project
		if project, ok = g.Projects[projectID]; ok {
			payload, err = json.Marshal(project)
		}
	})
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("encode project: %w", err)
	}
	return payload, nil
}

func (s *Service) authorize(ctx context.Context, session Session, projectID string, action rbac.Action) error {
	role, err := s.store.MemberRole(ctx, projectID, session.UserID)
	if err != nil {
		return err
	}
	if role == "" {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	if !rbac.Can(rbac.Normalize(role), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// UpdateMembers replaces a project's member list. Only the owner may.
func (s *Service) UpdateMembers(ctx context.Context, session Session, projectID string, userIDs []string) (json.RawMessage, error) {
	if err := s.authorize(ctx, session, projectID, rbac.ActionManageMembers); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if err := s.store.UpdateProjectMembers(ctx, projectID, session.UserID, ids); err != nil {
		return nil, err
	}
	ws, err := s.workspace(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, ws); err != nil {
		return nil, err
	}
	return s.project(ws, projectID)
}

type InviteResult struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
	Emailed   bool      `json:"emailed"`
	AcceptURL string    `json:"acceptUrl,omitempty"`
}

// CreateInvite records an invite and emails the accept link. When email is
// not configured, or sending fails, the link is returned to the inviter.
func (s *Service) CreateInvite(ctx context.Context, session Session, projectID, email string) (InviteResult, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return InviteResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is invalid", nil)
	}
	if err := s.authorize(ctx, session, projectID, rbac.ActionInvite); err != nil {
		return InviteResult{}, err
	}
	token, hash, err := auth.NewInviteToken()
	if err != nil {
		return InviteResult{}, err
	}
	invite := store.Invite{
		ID:        util.NewID("inv"),
		ProjectID: projectID,
		Email:     strings.ToLower(addr.Address),
		TokenHash: hash,
		InvitedBy: session.UserID,
		ExpiresAt: s.now().Add(s.cfg.InviteTTL).UTC(),
	}
	if err := s.store.CreateInvite(ctx, invite); err != nil {
		return InviteResult{}, err
	}

	acceptURL := s.acceptURL(token)
	result := InviteResult{ID: invite.ID, Email: invite.Email, ExpiresAt: invite.ExpiresAt}
	if s.email != nil && s.email.IsConfigured() {
		projectName := projectID
		if ws, err := s.workspace(ctx, session); err == nil {
			ws.coord.View(func(g *board.Graph) {
				if project, ok := g.Projects[projectID]; ok {
					projectName = project.Name
				}
			})
		}
		inviter := session.UserName
		if inviter == "" {
			inviter = session.Email
		}
		if err := s.email.SendInviteEmail(invite.Email, inviter, projectName, acceptURL, invite.ExpiresAt); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{"invite": invite.ID, "project": projectID}).Warn("invite email failed")
		} else {
			result.Emailed = true
		}
	}
	if !result.Emailed {
		result.AcceptURL = acceptURL
	}
	return result, nil
}

func (s *Service) acceptURL(token string) string {
	base := s.cfg.InviteBaseURL
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

// AcceptInvite adds the caller to the invite's project and returns it.
func (s *Service) AcceptInvite(ctx context.Context, session Session, token string) (json.RawMessage, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required", nil)
	}
	ws, err := s.workspace(ctx, session)
	if err != nil {
		return nil, err
	}
	projectID, err := s.store.AcceptInvite(ctx, auth.HashToken(token), session.UserID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Invite invalid or expired", nil)
		}
		return nil, err
	}
	if err := s.refresh(ctx, ws); err != nil {
		return nil, err
	}
	return s.project(ws, projectID)
}

// Stream is an open event subscription for one connection.
type Stream struct {
	Events  <-chan realtime.Event
	release func()
	once    sync.Once
}

func (st *Stream) Close() {
	st.once.Do(st.release)
}

// Subscribe opens a per-connection subscription to a project's events and
// marks the caller online until the stream is closed.
func (s *Service) Subscribe(ctx context.Context, session Session, projectID string) (*Stream, error) {
	if s.realtime == nil {
		return nil, domainError(http.StatusServiceUnavailable, "RETRYABLE", "Realtime is unavailable", nil)
	}
	ws, err := s.workspace(ctx, session)
	if err != nil {
		return nil, err
	}
	visible := false
	ws.coord.View(func(g *board.Graph) {
		_, visible = g.Projects[projectID]
	})
	if !visible {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}

	consumer := "sse:" + session.UserID + ":" + util.NewID("")
	topics := []string{realtime.ProjectTopic(projectID), realtime.PresenceTopic}
	subs := make([]*realtime.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := s.realtime.Subscribe(ctx, consumer, topic)
		if err != nil {
			for _, opened := range subs {
				s.realtime.Unsubscribe(consumer, opened.Topic())
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	if s.presence != nil {
		if err := s.presence.Join(ctx, session.UserID); err != nil {
			s.logger.WithError(err).WithField("user", session.UserID).Warn("presence join failed")
		}
	}

	done := make(chan struct{})
	return &Stream{
		Events: mergeEvents(done, subs),
		release: func() {
			close(done)
			for _, topic := range topics {
				s.realtime.Unsubscribe(consumer, topic)
			}
			if s.presence == nil {
				return
			}
			leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.presence.Leave(leaveCtx, session.UserID); err != nil {
				s.logger.WithError(err).WithField("user", session.UserID).Warn("presence leave failed")
			}
		},
	}, nil
}

// mergeEvents fans several subscriptions into one channel. It closes once
// every subscription has ended or done is closed.
func mergeEvents(done <-chan struct{}, subs []*realtime.Subscription) <-chan realtime.Event {
	out := make(chan realtime.Event)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(events <-chan realtime.Event) {
			defer wg.Done()
			for event := range events {
				select {
				case out <- event:
				case <-done:
					return
				}
			}
		}(sub.Events())
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Heartbeat keeps the caller online while a stream is open.
func (s *Service) Heartbeat(ctx context.Context, session Session) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Heartbeat(ctx, session.UserID); err != nil {
		s.logger.WithError(err).WithField("user", session.UserID).Debug("presence heartbeat failed")
	}
}

func (s *Service) Online(ctx context.Context) ([]string, error) {
	if s.presence == nil {
		return []string{}, nil
	}
	return s.presence.Online(ctx)
}

// Search runs q against the projects the caller can see.
func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (search.Response, error) {
	rtyp, ok := search.ParseResultType(filterType)
	if !ok {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be task, project or user", nil)
	}
	if limit < 1 || limit > 100 {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be between 1 and 100", nil)
	}
	if offset < 0 {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must not be negative", nil)
	}
	ws, err := s.workspace(ctx, session)
	if err != nil {
		return search.Response{}, err
	}
	var projectIDs []string
	ws.coord.View(func(g *board.Graph) {
		projectIDs = append(projectIDs, g.ProjectOrder...)
	})
	q := search.Query{Text: strings.TrimSpace(text), FilterType: rtyp, ProjectIDs: projectIDs, Limit: limit, Offset: offset}
	if q.Text == "" || s.search == nil {
		return search.Response{Results: []search.Result{}, IDs: search.IDs{Projects: []string{}, Tasks: []string{}, Users: []string{}}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// GenerateInput asks the generator for kind. Target is required for
// proposal kinds and names where the proposal is applied.
type GenerateInput struct {
	Kind    string
	Context string
	Target  mutation.Target
}

type GenerateResult struct {
	Response ai.Response              `json:"response"`
	Applied  *mutation.ProposalResult `json:"applied,omitempty"`
}

// Generate forwards to the generator. Proposal kinds are applied to the
// caller's board; the rest are returned for the client to act on.
func (s *Service) Generate(ctx context.Context, session Session, input GenerateInput) (GenerateResult, error) {
	kind, ok := ai.ParseKind(input.Kind)
	if !ok {
		return GenerateResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown generator kind", nil)
	}
	if s.ai == nil || !s.ai.Enabled() {
		return GenerateResult{}, domainError(http.StatusServiceUnavailable, "RETRYABLE", "Generator is not configured", nil)
	}
	ws, err := s.workspace(ctx, session)
	if err != nil {
		return GenerateResult{}, err
	}

	if strings.TrimSpace(input.Context) == "" {
		return GenerateResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "context is required", nil)
	}
	resp, err := s.ai.Generate(ctx, ai.Request{Kind: kind, Context: input.Context})
	if err != nil {
		return GenerateResult{}, err
	}
	result := GenerateResult{Response: resp}
	if !kind.IsProposal() {
		return result, nil
	}
	applied, err := ws.coord.ApplyProposal(ctx, input.Target, resp)
	result.Applied = &applied
	return result, err
}
