package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type UsernamePassword struct {
	Namespace string
	ID        string
	Username  []byte
	Password  []byte
}

type CreateUsernamePasswordParams struct {
	Namespace string
	ID        string
	Username  []byte
	Password  []byte
}

const createUsernamePassword = `
INSERT INTO username_password (namespace, id, username, password)
VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, id) DO UPDATE
SET username = excluded.username, password = excluded.password
`

func (q *Queries) CreateUsernamePassword(ctx context.Context, arg CreateUsernamePasswordParams) error {
	_, err := q.db.ExecContext(ctx, createUsernamePassword,
		arg.Namespace, arg.ID, arg.Username, arg.Password)
	return err
}

type GetUsernamePasswordParams struct {
	Namespace string
	ID        string
}

const getUsernamePassword = `
SELECT namespace, id, username, password FROM username_password
WHERE namespace = ? AND id = ?
`

func (q *Queries) GetUsernamePassword(ctx context.Context, arg GetUsernamePasswordParams) (UsernamePassword, error) {
	row := q.db.QueryRowContext(ctx, getUsernamePassword, arg.Namespace, arg.ID)
	var out UsernamePassword
	err := row.Scan(&out.Namespace, &out.ID, &out.Username, &out.Password)
	return out, err
}

type DeleteUsernamePasswordParams struct {
	Namespace string
	ID        string
}

const deleteUsernamePassword = `
DELETE FROM username_password WHERE namespace = ? AND id = ?
`

func (q *Queries) DeleteUsernamePassword(ctx context.Context, arg DeleteUsernamePasswordParams) error {
	_, err := q.db.ExecContext(ctx, deleteUsernamePassword, arg.Namespace, arg.ID)
	return err
}
