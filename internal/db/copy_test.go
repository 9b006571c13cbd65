package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "staging_apps", []string{"appid", "name"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"staging_apps"}, []string{"appid", "name"}).WillReturnResult(3)

	rows := [][]any{{int64(10), "a"}, {int64(20), "b"}, {int64(30), "c"}}
	n, err := CopyFrom(context.Background(), mock, "staging_apps", []string{"appid", "name"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"staging_apps"}, []string{"appid"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "staging_apps", []string{"appid"}, [][]any{{int64(10)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO staging_apps")
	assert.NoError(t, mock.ExpectationsWereMet())
}
