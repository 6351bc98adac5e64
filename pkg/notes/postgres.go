package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notesync/pkg/auth"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type notesDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists records in the notes table (see migrations/), or in
// any table with the same shape whose body column is named differently.
type PostgresStore struct {
	DB  notesDB
	Now func() time.Time

	table string
	body  string
}

func NewPostgresStore(db notesDB) *PostgresStore {
	return &PostgresStore{DB: db, Now: func() time.Time { return time.Now().UTC() }, table: "notes", body: "content"}
}

// NewPostgresTaskStore stores tasks in the tasks table. Record.Content maps to
// its description column.
func NewPostgresTaskStore(db notesDB) *PostgresStore {
	s := NewPostgresStore(db)
	s.table, s.body = "tasks", "description"
	return s
}

func (s *PostgresStore) columns() string {
	return `id::text, owner_id, title, ` + s.body + `, created_at, updated_at`
}

func (s *PostgresStore) FindByOwner(ctx context.Context, owner auth.Identity) ([]Record, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+s.columns()+`
		FROM `+s.table+` WHERE owner_id=$1
		ORDER BY created_at DESC, id DESC
	`, string(owner))
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrNotFound
	}
	row := s.DB.QueryRow(ctx, `SELECT `+s.columns()+` FROM `+s.table+` WHERE id=$1`, id)
	r, err := scanRecord(row)
	if err != nil {
		return Record{}, mapPgError(err)
	}
	return r, nil
}

func (s *PostgresStore) Create(ctx context.Context, owner auth.Identity, p Payload) (Record, error) {
	if err := p.ValidateCreate(); err != nil {
		return Record{}, err
	}
	p = p.Normalize()
	now := s.Now()
	row := s.DB.QueryRow(ctx, `
		INSERT INTO `+s.table+` (id, owner_id, title, `+s.body+`, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		RETURNING `+s.columns(), uuid.NewString(), string(owner), p.Title, p.Content, now)
	r, err := scanRecord(row)
	if err != nil {
		return Record{}, mapPgError(err)
	}
	return r, nil
}

// Update never touches owner_id.
func (s *PostgresStore) Update(ctx context.Context, id string, p Payload) (Record, error) {
	if err := p.ValidateUpdate(); err != nil {
		return Record{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrNotFound
	}
	p = p.Normalize()
	row := s.DB.QueryRow(ctx, `
		UPDATE `+s.table+`
		SET title=COALESCE(NULLIF($2,''), title),
		    `+s.body+`=COALESCE(NULLIF($3,''), `+s.body+`),
		    updated_at=$4
		WHERE id=$1
		RETURNING `+s.columns(), id, p.Title, p.Content, s.Now())
	r, err := scanRecord(row)
	if err != nil {
		return Record{}, mapPgError(err)
	}
	return r, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.DB.Exec(ctx, `DELETE FROM `+s.table+` WHERE id=$1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r     Record
		owner string
	)
	if err := row.Scan(&r.ID, &owner, &r.Title, &r.Content, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	r.Owner = auth.Identity(owner)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// mapPgError keeps server-side SQL errors as they are and reports everything
// else (dial, timeout, closed pool) as ErrStoreUnavailable.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("notes: %s: %w", pgErr.Code, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
