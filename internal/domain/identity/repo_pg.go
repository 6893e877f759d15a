package identity

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lifeline/lifeline/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type profileRepoPG struct{ pool *pgxpool.Pool }

func NewProfileRepoPG(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepoPG{pool: pool}
}

func (r *profileRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const profileCols = `id, email, name, role, suspended, password_hash, created_at, updated_at`

func (r *profileRepoPG) scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.Email, &p.Name, &p.Role, &p.Suspended, &p.PasswordHash,
		&p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *profileRepoPG) Create(ctx context.Context, p *Profile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO user_profile (id, email, name, role, suspended, password_hash)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.Email, p.Name, p.Role, p.Suspended, p.PasswordHash)
	return err
}

func (r *profileRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Profile, error) {
	return r.scanProfile(r.conn(ctx).QueryRow(ctx,
		`SELECT `+profileCols+` FROM user_profile WHERE id = $1`, id))
}

func (r *profileRepoPG) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	return r.scanProfile(r.conn(ctx).QueryRow(ctx,
		`SELECT `+profileCols+` FROM user_profile WHERE lower(email) = lower($1)`, email))
}

func (r *profileRepoPG) Update(ctx context.Context, p *Profile) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE user_profile SET name=$2, role=$3, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.Role)
	return err
}

func (r *profileRepoPG) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE user_profile SET suspended=$2, updated_at=NOW()
		WHERE id = $1`, id, suspended)
	return err
}

func (r *profileRepoPG) List(ctx context.Context, role string, limit, offset int) ([]*Profile, int, error) {
	var total int
	var rows pgx.Rows
	var err error

	if role != "" {
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT COUNT(*) FROM user_profile WHERE role = $1`, role).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err = r.conn(ctx).Query(ctx,
			`SELECT `+profileCols+` FROM user_profile WHERE role = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			role, limit, offset)
	} else {
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT COUNT(*) FROM user_profile`).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err = r.conn(ctx).Query(ctx,
			`SELECT `+profileCols+` FROM user_profile ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Profile
	for rows.Next() {
		p, err := r.scanProfile(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, nil
}
