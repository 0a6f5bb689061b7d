package userstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailscale-portfolio/signin-callback/internal/identity"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestPostgresGetByID(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, name, email, avatar_url, created_at").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "avatar_url", "created_at"}).
			AddRow("u1", "Ada", "ada@example.com", nil, created))

	user, err := store.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.Name)
	assert.Equal(t, "", user.AvatarURL)
	assert.Equal(t, created, user.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetByIDNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("SELECT id, name, email, avatar_url, created_at").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "avatar_url", "created_at"}))

	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, identity.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetByIDError(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("SELECT id").WillReturnError(errors.New("connection reset"))

	_, err := store.GetByID(context.Background(), "u1")
	assert.ErrorContains(t, err, "userstore: get user")
}

func TestPostgresCreate(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("u1", "Ada", "ada@example.com", nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	user, err := store.Create(context.Background(), identity.NewUser{ID: "u1", Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, created, user.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateDuplicate(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("INSERT INTO users").
		WillReturnError(&pq.Error{Code: uniqueViolation, Message: "duplicate key"})

	_, err := store.Create(context.Background(), identity.NewUser{ID: "u1"})
	assert.ErrorIs(t, err, identity.ErrAlreadyExists)
}

func TestPostgresCreateRequiresID(t *testing.T) {
	store, _ := newMock(t)
	_, err := store.Create(context.Background(), identity.NewUser{})
	assert.ErrorIs(t, err, identity.ErrInvalidUser)
}

func TestPostgresEnsureSchema(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
