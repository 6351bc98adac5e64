package notes

import (
	"time"

	"notesync/pkg/auth"
)

// Task is the wire shape of a record kept in a task store. Tasks share the
// note lifecycle and ownership rules; Description is stored as Record.Content.
type Task struct {
	ID          string        `json:"id"`
	Owner       auth.Identity `json:"owner"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

type TaskPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (p TaskPayload) Payload() Payload {
	return Payload{Title: p.Title, Content: p.Description}
}

func TaskFromRecord(r Record) Task {
	return Task{
		ID:          r.ID,
		Owner:       r.Owner,
		Title:       r.Title,
		Description: r.Content,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// TaskValidationError renames the body field so task callers see their own
// field name.
func TaskValidationError(err *ValidationError) *ValidationError {
	if err.Field == "content" {
		return &ValidationError{Field: "description", Reason: err.Reason}
	}
	return err
}
