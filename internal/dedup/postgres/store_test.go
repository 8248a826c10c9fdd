package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestTestAndInsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock, "seen_values")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO seen_values").
		WithArgs("requests_urls", "https://example.com/").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO seen_values").
		WithArgs("requests_urls", "https://example.com/").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := store.TestAndInsert(context.Background(), "requests_urls", "https://example.com/")
	require.NoError(t, err)
	require.True(t, inserted, "first insert must report unique")

	inserted, err = store.TestAndInsert(context.Background(), "requests_urls", "https://example.com/")
	require.NoError(t, err)
	require.False(t, inserted, "conflicting insert must report seen")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContains(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock, "seen_values")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("items_hashes", "abc123").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := store.Contains(context.Background(), "items_hashes", "abc123")
	require.NoError(t, err)
	require.True(t, seen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStoreWithPool(mock, "bad;table")
	require.Error(t, err)
}
