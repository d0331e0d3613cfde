package enrich

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/secondloop/secondloop/internal/store"
)

// Action kinds the semantic parser produces.
const (
	ActionCreateTodo   = "create_todo"
	ActionCompleteTodo = "complete_todo"
	ActionAddNote      = "add_note"
)

// Action is a structured command recovered from a user message.
type Action struct {
	Kind  string `json:"kind"`
	Title string `json:"title,omitempty"`
	Note  string `json:"note,omitempty"`
}

// actionPrefixes maps bilingual leading markers onto action kinds.
var actionPrefixes = []struct {
	prefix string
	kind   string
}{
	{"todo:", ActionCreateTodo},
	{"todo ", ActionCreateTodo},
	{"待办:", ActionCreateTodo},
	{"待办：", ActionCreateTodo},
	{"done:", ActionCompleteTodo},
	{"完成:", ActionCompleteTodo},
	{"完成：", ActionCompleteTodo},
	{"note:", ActionAddNote},
	{"笔记:", ActionAddNote},
	{"笔记：", ActionAddNote},
}

// ParseAction recovers an action from message text, or nil when the message
// carries no actionable marker.
func ParseAction(text string) *Action {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, candidate := range actionPrefixes {
		if !strings.HasPrefix(lower, candidate.prefix) {
			continue
		}
		rest := strings.TrimSpace(trimmed[len(candidate.prefix):])
		if rest == "" {
			return nil
		}
		switch candidate.kind {
		case ActionAddNote:
			return &Action{Kind: ActionAddNote, Note: rest}
		default:
			return &Action{Kind: candidate.kind, Title: rest}
		}
	}
	return nil
}

// ProcessSemanticParseJobs drains up to limit semantic parse jobs, applying
// each recovered action to the store with undo bookkeeping.
func (p *Pipeline) ProcessSemanticParseJobs(limit int) (int, error) {
	jobs, err := p.store.ClaimSemanticParseJobs(limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, job := range jobs {
		if err := p.runSemanticParseJob(job); err != nil {
			p.log.Warn().Err(err).Str("message_id", job.MessageID).Msg("semantic parse failed")
			if ferr := p.store.FailSemanticParseJob(job.ID, err); ferr != nil {
				return done, ferr
			}
			continue
		}
		done++
	}
	return done, nil
}

func (p *Pipeline) runSemanticParseJob(job *store.SemanticParseJob) error {
	msg, err := p.store.GetMessage(job.MessageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.IsDeleted {
		return p.store.CancelSemanticParseJob(job.ID)
	}

	action := ParseAction(msg.Content)
	if action == nil {
		return p.store.CancelSemanticParseJob(job.ID)
	}

	switch action.Kind {
	case ActionCreateTodo:
		todo := &store.Todo{
			ID:            uuid.NewString(),
			Title:         action.Title,
			Status:        store.TodoInbox,
			SourceEntryID: msg.ID,
		}
		if err := p.store.UpsertTodo(todo); err != nil {
			return err
		}
		return p.store.CompleteSemanticParseJob(job.ID, action.Kind, todo.ID, action.Title, "")

	case ActionCompleteTodo:
		todo, err := p.findOpenTodoByTitle(action.Title)
		if err != nil {
			return err
		}
		if todo == nil {
			return p.store.CancelSemanticParseJob(job.ID)
		}
		prevStatus := todo.Status
		if _, err := p.store.SetTodoStatus(todo.ID, store.TodoDone); err != nil {
			return err
		}
		return p.store.CompleteSemanticParseJob(job.ID, action.Kind, todo.ID, todo.Title, prevStatus)

	case ActionAddNote:
		todo, err := p.latestOpenTodo()
		if err != nil {
			return err
		}
		if todo == nil {
			return p.store.CancelSemanticParseJob(job.ID)
		}
		if err := p.store.AppendTodoActivity(&store.TodoActivity{
			TodoID:          todo.ID,
			Type:            store.ActivityNote,
			Content:         action.Note,
			SourceMessageID: msg.ID,
		}); err != nil {
			return err
		}
		return p.store.CompleteSemanticParseJob(job.ID, action.Kind, todo.ID, todo.Title, "")

	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// UndoSemanticParse reverses a succeeded job's applied action exactly once.
func (p *Pipeline) UndoSemanticParse(jobID string) error {
	job, err := p.store.GetSemanticParseJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("semantic parse job not found: %s", jobID)
	}

	first, err := p.store.MarkSemanticParseUndone(jobID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	switch job.AppliedActionKind {
	case ActionCreateTodo:
		return p.store.DeleteTodo(job.AppliedTodoID)
	case ActionCompleteTodo:
		if job.AppliedPrevTodoStatus == "" {
			return nil
		}
		_, err := p.store.SetTodoStatus(job.AppliedTodoID, job.AppliedPrevTodoStatus)
		return err
	default:
		return nil
	}
}

func (p *Pipeline) findOpenTodoByTitle(title string) (*store.Todo, error) {
	for _, status := range []string{store.TodoOpen, store.TodoInProgress, store.TodoInbox} {
		todos, err := p.store.ListTodos(status)
		if err != nil {
			return nil, err
		}
		for _, t := range todos {
			if strings.EqualFold(strings.TrimSpace(t.Title), strings.TrimSpace(title)) {
				return t, nil
			}
		}
	}
	return nil, nil
}

func (p *Pipeline) latestOpenTodo() (*store.Todo, error) {
	for _, status := range []string{store.TodoInProgress, store.TodoOpen, store.TodoInbox} {
		todos, err := p.store.ListTodos(status)
		if err != nil {
			return nil, err
		}
		if len(todos) > 0 {
			return todos[0], nil
		}
	}
	return nil, nil
}
