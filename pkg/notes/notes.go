// Package notes holds the record model and the stores that persist it.
// Stores do no authorization; callers go through package ownership.
package notes

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"notesync/pkg/auth"
)

var (
	ErrNotFound         = errors.New("note not found")
	ErrStoreUnavailable = errors.New("note store unavailable")
)

const (
	MaxTitleLen   = 200
	MaxContentLen = 20000
)

// Record is one persisted note. Owner is written once, at Create.
type Record struct {
	ID        string        `json:"id"`
	Owner     auth.Identity `json:"owner"`
	Title     string        `json:"title"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Payload is the caller-controlled part of a Record.
type Payload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ValidationError is returned for payloads a store must not accept.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func (p Payload) Normalize() Payload {
	return Payload{Title: strings.TrimSpace(p.Title), Content: p.Content}
}

// ValidateCreate requires a title.
func (p Payload) ValidateCreate() error {
	if strings.TrimSpace(p.Title) == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	return p.validateLengths()
}

// ValidateUpdate accepts empty fields, which keep their stored values.
func (p Payload) ValidateUpdate() error {
	if strings.TrimSpace(p.Title) == "" && p.Content == "" {
		return &ValidationError{Field: "payload", Reason: "nothing to update"}
	}
	return p.validateLengths()
}

func (p Payload) validateLengths() error {
	if utf8.RuneCountInString(p.Title) > MaxTitleLen {
		return &ValidationError{Field: "title", Reason: "too long"}
	}
	if utf8.RuneCountInString(p.Content) > MaxContentLen {
		return &ValidationError{Field: "content", Reason: "too long"}
	}
	return nil
}

// Apply merges p into r the way updates do: empty fields are left alone.
func (p Payload) Apply(r Record) Record {
	p = p.Normalize()
	if p.Title != "" {
		r.Title = p.Title
	}
	if p.Content != "" {
		r.Content = p.Content
	}
	return r
}

type Store interface {
	FindByOwner(ctx context.Context, owner auth.Identity) ([]Record, error)
	FindByID(ctx context.Context, id string) (Record, error)
	Create(ctx context.Context, owner auth.Identity, p Payload) (Record, error)
	Update(ctx context.Context, id string, p Payload) (Record, error)
	Delete(ctx context.Context, id string) error
}
