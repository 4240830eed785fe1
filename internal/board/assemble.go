package board

import (
	"fmt"
	"sort"

	"taskboard/api/internal/store"
)

// Warning is a recoverable problem found while assembling a graph. The graph
// is still complete for everything the warning does not name.
type Warning struct {
	Relation string `json:"relation"`
	Message  string `json:"message"`
}

// Assemble builds the nested graph from the rows in snap. Relations that
// failed to load leave empty collections behind and are reported as
// warnings; rows whose parent is not visible are skipped and counted.
func Assemble(snap store.Snapshot) (*Graph, []Warning) {
	graph := NewGraph()
	warnings := make([]Warning, 0)
	for _, failure := range snap.Failures {
		warnings = append(warnings, Warning{
			Relation: failure.Relation,
			Message:  fmt.Sprintf("relation unavailable, using empty collections: %v", failure.Err),
		})
	}

	for _, row := range snap.Users {
		graph.Users[row.ID] = User{ID: row.ID, Name: row.DisplayName, Email: row.Email}
	}

	projects := append([]store.Project{}, snap.Projects...)
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	for _, row := range projects {
		project := &Project{
			ID:          row.ID,
			Name:        row.Name,
			Description: row.Description,
			MemberIDs:   []string{},
			Board:       NewBoard(),
			Chat:        []ChatMessage{},
			Links:       []Link{},
			CreatedBy:   row.CreatedBy,
			CreatedAt:   row.CreatedAt,
		}
		project.Board.ColumnOrder = append([]string{}, row.ColumnOrder...)
		graph.AddProject(project)
	}

	members := append([]store.ProjectMember{}, snap.Members...)
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Position != members[j].Position {
			return members[i].Position < members[j].Position
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	for _, row := range members {
		project, ok := graph.Projects[row.ProjectID]
		if !ok || containsID(project.MemberIDs, row.UserID) {
			continue
		}
		project.MemberIDs = append(project.MemberIDs, row.UserID)
	}

	orphans := map[string]int{}

	// Columns in store order; used as the fallback order for columns the
	// project's column order omits.
	columnsByProject := map[string][]string{}
	for _, row := range snap.Columns {
		project, ok := graph.Projects[row.ProjectID]
		if !ok {
			orphans[store.RelationColumns]++
			continue
		}
		project.Board.Columns[row.ID] = &Column{
			ID:        row.ID,
			ProjectID: row.ProjectID,
			Title:     row.Title,
			TaskIDs:   append([]string{}, row.TaskIDs...),
		}
		columnsByProject[row.ProjectID] = append(columnsByProject[row.ProjectID], row.ID)
	}

	for _, row := range snap.Tasks {
		project, ok := graph.Projects[row.ProjectID]
		if !ok {
			orphans[store.RelationTasks]++
			continue
		}
		if _, ok := project.Board.Columns[row.ColumnID]; !ok {
			orphans[store.RelationTasks]++
			continue
		}
		project.Board.Tasks[row.ID] = taskFromRow(row)
	}

	for _, row := range snap.Subtasks {
		task, _, ok := graph.Task(row.TaskID)
		if !ok {
			orphans[store.RelationSubtasks]++
			continue
		}
		task.Subtasks = append(task.Subtasks, Subtask{
			ID:        row.ID,
			TaskID:    row.TaskID,
			Title:     row.Title,
			Completed: row.Completed,
			CreatedBy: row.CreatedBy,
			CreatedAt: row.CreatedAt,
		})
	}

	for _, row := range snap.Comments {
		task, _, ok := graph.Task(row.TaskID)
		if !ok {
			orphans[store.RelationComments]++
			continue
		}
		task.Comments = append(task.Comments, Comment{
			ID:        row.ID,
			TaskID:    row.TaskID,
			Text:      row.Text,
			AuthorID:  row.AuthorID,
			CreatedAt: row.CreatedAt,
		})
	}

	for _, row := range snap.History {
		task, _, ok := graph.Task(row.TaskID)
		if !ok {
			orphans[store.RelationHistory]++
			continue
		}
		task.History = append(task.History, HistoryEntry{
			ID:          row.ID,
			TaskID:      row.TaskID,
			ActorID:     row.ActorID,
			Description: row.Description,
			CreatedAt:   row.CreatedAt,
		})
	}

	for _, row := range snap.TaskTags {
		task, _, ok := graph.Task(row.TaskID)
		if !ok {
			orphans[store.RelationTags]++
			continue
		}
		if !containsID(task.Tags, row.Name) {
			task.Tags = append(task.Tags, row.Name)
		}
	}

	for _, row := range snap.Chats {
		project, ok := graph.Projects[row.ProjectID]
		if !ok {
			orphans[store.RelationChats]++
			continue
		}
		project.Chat = append(project.Chat, ChatMessage{
			ID:        row.ID,
			ProjectID: row.ProjectID,
			AuthorID:  row.AuthorID,
			Text:      row.Text,
			CreatedAt: row.CreatedAt,
		})
	}

	for _, row := range snap.Links {
		project, ok := graph.Projects[row.ProjectID]
		if !ok {
			orphans[store.RelationLinks]++
			continue
		}
		project.Links = append(project.Links, Link{
			ID:        row.ID,
			ProjectID: row.ProjectID,
			Title:     row.Title,
			URL:       row.URL,
			CreatedBy: row.CreatedBy,
			CreatedAt: row.CreatedAt,
		})
	}

	for _, projectID := range graph.ProjectOrder {
		project := graph.Projects[projectID]
		sortChat(project.Chat)
		sort.SliceStable(project.Links, func(i, j int) bool {
			return project.Links[i].CreatedAt.Before(project.Links[j].CreatedAt)
		})
		for _, task := range project.Board.Tasks {
			sort.Strings(task.Tags)
			sort.SliceStable(task.Subtasks, func(i, j int) bool {
				return task.Subtasks[i].CreatedAt.Before(task.Subtasks[j].CreatedAt)
			})
			sortComments(task.Comments)
			sortHistory(task.History)
		}
		repairColumnOrder(project.Board, columnsByProject[projectID])
		for _, columnID := range project.Board.ColumnOrder {
			RepairColumn(project.Board, columnID)
		}
	}

	relations := make([]string, 0, len(orphans))
	for relation := range orphans {
		relations = append(relations, relation)
	}
	sort.Strings(relations)
	for _, relation := range relations {
		warnings = append(warnings, Warning{
			Relation: relation,
			Message:  fmt.Sprintf("skipped %d rows whose parent is not visible", orphans[relation]),
		})
	}

	return graph, warnings
}

func taskFromRow(row store.Task) *Task {
	priority, ok := ParsePriority(row.Priority)
	if !ok {
		priority = PriorityMedium
	}
	task := &Task{
		ID:          row.ID,
		ProjectID:   row.ProjectID,
		ColumnID:    row.ColumnID,
		Title:       row.Title,
		Description: row.Description,
		Priority:    priority,
		CreatedBy:   row.CreatedBy,
		CreatedAt:   row.CreatedAt,
		Tags:        []string{},
		Subtasks:    []Subtask{},
		Comments:    []Comment{},
		History:     []HistoryEntry{},
		Position:    row.Position,
	}
	if row.AssigneeID != nil {
		task.AssigneeID = *row.AssigneeID
	}
	if row.DueDate != nil {
		due := *row.DueDate
		task.DueDate = &due
	}
	return task
}

func containsID(items []string, id string) bool {
	for _, item := range items {
		if item == id {
			return true
		}
	}
	return false
}
