package notes

import (
	"errors"
	"strings"
	"testing"
)

func TestPayloadValidation(t *testing.T) {
	t.Parallel()

	var ve *ValidationError
	if err := (Payload{Title: "  "}).ValidateCreate(); !errors.As(err, &ve) || ve.Field != "title" {
		t.Fatalf("expected title required, got %v", err)
	}
	if err := (Payload{Title: strings.Repeat("x", MaxTitleLen+1)}).ValidateCreate(); !errors.As(err, &ve) {
		t.Fatalf("expected title too long, got %v", err)
	}
	if err := (Payload{Title: "t", Content: strings.Repeat("c", MaxContentLen+1)}).ValidateCreate(); !errors.As(err, &ve) || ve.Field != "content" {
		t.Fatalf("expected content too long, got %v", err)
	}
	if err := (Payload{}).ValidateUpdate(); !errors.As(err, &ve) {
		t.Fatalf("expected empty update rejected, got %v", err)
	}
	if err := (Payload{Content: "only content"}).ValidateUpdate(); err != nil {
		t.Fatalf("content-only update should pass: %v", err)
	}
}

func TestPayloadApplyKeepsEmptyFields(t *testing.T) {
	t.Parallel()

	r := Record{ID: "1", Owner: "a", Title: "old", Content: "body"}
	got := Payload{Title: " new "}.Apply(r)
	if got.Title != "new" || got.Content != "body" || got.Owner != "a" {
		t.Fatalf("unexpected merge %+v", got)
	}
}
