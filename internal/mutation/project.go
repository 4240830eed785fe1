package mutation

import (
	"context"
	"strings"

	"taskboard/api/internal/ai"
	"taskboard/api/internal/board"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

const (
	MaxChatLength      = 2000
	MaxLinkTitleLength = 200
)

// SendChat appends a message to the project's chat.
func (c *Coordinator) SendChat(ctx context.Context, projectID, text string) (board.ChatMessage, error) {
	const op = "send_chat"
	c.serial.Lock()
	defer c.serial.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return board.ChatMessage{}, validationError(op, "message text is required")
	}
	if len(text) > MaxChatLength {
		return board.ChatMessage{}, validationError(op, "message exceeds %d characters", MaxChatLength)
	}
	if err := c.checkProject(op, projectID); err != nil {
		return board.ChatMessage{}, err
	}

	at := c.now().UTC()
	msg := board.ChatMessage{ID: c.newID("chat"), ProjectID: projectID, AuthorID: c.actorID, Text: text, CreatedAt: at}
	err := c.execute(ctx, plan{
		op:        op,
		projectID: projectID,
		apply: func(g *board.Graph) (func(), error) {
			project, ok := g.Projects[projectID]
			if !ok {
				return nil, notFoundError(op, "project %s is not in the workspace", projectID)
			}
			project.Chat = append(project.Chat, msg)
			return func() {
				if p, ok := g.Projects[projectID]; ok {
					p.Chat = withoutChat(p.Chat, msg.ID)
				}
			}, nil
		},
		persist: func(ctx context.Context, scope store.Scope) error {
			return c.store.InsertChat(ctx, scope, store.ChatMessage{
				ID:        msg.ID,
				ProjectID: msg.ProjectID,
				AuthorID:  msg.AuthorID,
				Text:      msg.Text,
				CreatedAt: msg.CreatedAt,
			})
		},
		notify: func(g *board.Graph) []realtime.Event {
			sent := msg
			return []realtime.Event{{Type: realtime.EventChat, ProjectID: projectID, EntityID: msg.ID, ActorID: c.actorID, Timestamp: at, Chat: &sent}}
		},
	})
	if err != nil {
		return board.ChatMessage{}, err
	}
	return msg, nil
}

// AddLink attaches an http or https link to the project.
func (c *Coordinator) AddLink(ctx context.Context, projectID, title, url string) (board.Link, error) {
	const op = "add_link"
	c.serial.Lock()
	defer c.serial.Unlock()
	return c.addLink(ctx, op, projectID, title, url)
}

func (c *Coordinator) addLink(ctx context.Context, op, projectID, title, url string) (board.Link, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return board.Link{}, validationError(op, "link title is required")
	}
	if len(title) > MaxLinkTitleLength {
		return board.Link{}, validationError(op, "link title exceeds %d characters", MaxLinkTitleLength)
	}
	if err := ai.CheckURL(url); err != nil {
		return board.Link{}, validationError(op, "link url %q must be an absolute http or https url", url)
	}
	if err := c.checkProject(op, projectID); err != nil {
		return board.Link{}, err
	}

	at := c.now().UTC()
	link := board.Link{ID: c.newID("link"), ProjectID: projectID, Title: title, URL: url, CreatedBy: c.actorID, CreatedAt: at}
	err := c.execute(ctx, plan{
		op:        op,
		projectID: projectID,
		apply: func(g *board.Graph) (func(), error) {
			project, ok := g.Projects[projectID]
			if !ok {
				return nil, notFoundError(op, "project %s is not in the workspace", projectID)
			}
			project.Links = append(project.Links, link)
			return func() {
				if p, ok := g.Projects[projectID]; ok {
					p.Links = withoutLink(p.Links, link.ID)
				}
			}, nil
		},
		persist: func(ctx context.Context, scope store.Scope) error {
			return c.store.InsertLink(ctx, scope, store.Link{
				ID:        link.ID,
				ProjectID: link.ProjectID,
				Title:     link.Title,
				URL:       link.URL,
				CreatedBy: link.CreatedBy,
				CreatedAt: link.CreatedAt,
			})
		},
		notify: func(g *board.Graph) []realtime.Event {
			added := link
			return []realtime.Event{{Type: realtime.EventLink, ProjectID: projectID, EntityID: link.ID, ActorID: c.actorID, Timestamp: at, Link: &added}}
		},
	})
	if err != nil {
		return board.Link{}, err
	}
	return link, nil
}

func withoutChat(items []board.ChatMessage, id string) []board.ChatMessage {
	out := make([]board.ChatMessage, 0, len(items))
	for _, item := range items {
		if item.ID != id {
			out = append(out, item)
		}
	}
	return out
}

func withoutLink(items []board.Link, id string) []board.Link {
	out := make([]board.Link, 0, len(items))
	for _, item := range items {
		if item.ID != id {
			out = append(out, item)
		}
	}
	return out
}
