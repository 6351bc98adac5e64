// Package ownership decides whether an identity may see or change a record
// and wraps a notes.Store so that every access goes through that decision.
package ownership

import (
	"context"
	"errors"

	"notesync/pkg/auth"
	"notesync/pkg/notes"
)

var ErrNoIdentity = errors.New("identity required")

type Decision struct {
	Allowed bool
	Reason  string
}

const (
	ReasonOwner    = "OWNER"
	ReasonNotOwner = "NOT_OWNER"
	ReasonAnon     = "NO_IDENTITY"
)

// Authorize allows exactly the record's owner.
func Authorize(id auth.Identity, rec notes.Record) Decision {
	if id == "" {
		return Decision{Allowed: false, Reason: ReasonAnon}
	}
	if rec.Owner != id {
		return Decision{Allowed: false, Reason: ReasonNotOwner}
	}
	return Decision{Allowed: true, Reason: ReasonOwner}
}

// Guard is the owner-scoped view of a store. A record that exists but belongs
// to someone else is reported as notes.ErrNotFound, same as a missing one.
type Guard struct {
	Store notes.Store
	// OnDeny, if set, observes denials (metrics). It never changes the outcome.
	OnDeny func(id auth.Identity, recordID string)
}

func NewGuard(store notes.Store) *Guard {
	return &Guard{Store: store}
}

// List queries by owner rather than filtering afterwards.
func (g *Guard) List(ctx context.Context, id auth.Identity) ([]notes.Record, error) {
	if id == "" {
		return nil, ErrNoIdentity
	}
	return g.Store.FindByOwner(ctx, id)
}

func (g *Guard) Get(ctx context.Context, id auth.Identity, recordID string) (notes.Record, error) {
	if id == "" {
		return notes.Record{}, ErrNoIdentity
	}
	rec, err := g.Store.FindByID(ctx, recordID)
	if err != nil {
		return notes.Record{}, err
	}
	if d := Authorize(id, rec); !d.Allowed {
		if g.OnDeny != nil {
			g.OnDeny(id, recordID)
		}
		return notes.Record{}, notes.ErrNotFound
	}
	return rec, nil
}

func (g *Guard) Create(ctx context.Context, id auth.Identity, p notes.Payload) (notes.Record, error) {
	if id == "" {
		return notes.Record{}, ErrNoIdentity
	}
	return g.Store.Create(ctx, id, p)
}

func (g *Guard) Update(ctx context.Context, id auth.Identity, recordID string, p notes.Payload) (notes.Record, error) {
	if _, err := g.Get(ctx, id, recordID); err != nil {
		return notes.Record{}, err
	}
	return g.Store.Update(ctx, recordID, p)
}

func (g *Guard) Delete(ctx context.Context, id auth.Identity, recordID string) error {
	if _, err := g.Get(ctx, id, recordID); err != nil {
		return err
	}
	return g.Store.Delete(ctx, recordID)
}
